package cmd

import (
	"github.com/spf13/cobra"

	"sftp-sync/internal/util"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured servers in resolution order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := util.NewSafePrinter(cmd.OutOrStdout())
		selected := a.initialSelection()
		for _, name := range a.cfg.Names() {
			s := a.cfg.Servers[name]
			marker := " "
			if name == selected {
				marker = "*"
			}
			out.Printf("%s %-16s %s@%s  %s -> %s\n", marker, name, s.Username, s.Addr(), s.LocalPath, s.RemotePath)
		}
		return nil
	},
}
