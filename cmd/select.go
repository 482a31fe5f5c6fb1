package cmd

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"sftp-sync/internal/config"
	"sftp-sync/internal/events"
	"sftp-sync/internal/registry"
	"sftp-sync/internal/util"
)

var selectClear bool

var selectCmd = &cobra.Command{
	Use:   "select [NAME]",
	Short: "Send every file to one server until cleared",
	Long: `Remember NAME as the target for every later upload from this project,
bypassing path resolution. Without NAME a picker is shown.`,
	Args: cobra.MaximumNArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return completeServers(cmd, args, toComplete)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := util.NewSafePrinter(cmd.OutOrStdout())
		if selectClear {
			events.GlobalBus.Publish(events.EventServerSelected, "")
			out.Println(util.Prefix + "Server selection cleared")
			return nil
		}

		var name string
		if len(args) == 1 {
			name = args[0]
		} else if name, err = pickServer(out, a.cfg.Names(), a.initialSelection()); err != nil {
			return err
		}
		if _, ok := a.cfg.Servers[name]; !ok {
			return fmt.Errorf("%w: %s", registry.ErrUnknownServer, name)
		}

		events.GlobalBus.Publish(events.EventServerSelected, name)
		out.Printf("%sSelected server %s\n", util.Prefix, name)
		return nil
	},
}

func init() {
	selectCmd.Flags().BoolVar(&selectClear, "clear", false, "return to choosing the server by path")
}

// runPrompt is replaced in tests, which have no terminal.
var runPrompt = func(p *promptui.Select) (int, string, error) { return p.Run() }

// pickServer shows an interactive list with current preselected. out stays
// silent while the prompt owns the terminal.
func pickServer(out *util.SafePrinter, names []string, current string) (string, error) {
	cursor := 0
	for i, n := range names {
		if n == current {
			cursor = i
		}
	}

	out.Suspend()
	defer out.Resume()

	prompt := promptui.Select{
		Label:     "Select a server",
		Items:     names,
		CursorPos: cursor,
		Size:      10,
	}
	_, result, err := runPrompt(&prompt)
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return result, nil
}

// completeServers lists server names for shell completion.
func completeServers(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.LoadAndValidateConfig(configPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return cfg.Names(), cobra.ShellCompDirectiveNoFileComp
}
