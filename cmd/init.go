package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sftp-sync/internal/config"
	"sftp-sync/internal/util"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize config file",
	Long:  `Generate a default ` + config.ConfigFileName + ` config file in the current directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if config.ConfigExists(path) {
			return fmt.Errorf("config file already exists: %s", path)
		}
		if err := os.WriteFile(path, []byte(config.Template()), 0644); err != nil {
			return fmt.Errorf("error writing %s: %w", path, err)
		}
		util.NewSafePrinter(cmd.OutOrStdout()).Printf("Created %s\n", path)
		return nil
	},
}
