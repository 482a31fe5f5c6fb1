package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"sftp-sync/internal/status"
	"sftp-sync/internal/syncengine"
	"sftp-sync/internal/util"
)

var (
	sendServer  string
	sendPick    bool
	sendChanged bool
)

var sendCmd = &cobra.Command{
	Use:   "send FILE...",
	Short: "Upload files and wait for the results",
	Long: `Upload each FILE to the server that owns it, or to --server when given.
Exits non-zero when any upload fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		engine := a.newEngine(a.dialer())
		defer engine.Quit()
		out := util.NewSafePrinter(cmd.OutOrStdout())

		server := sendServer
		if sendPick {
			if server, err = pickServer(out, a.cfg.Names(), engine.SelectedServer()); err != nil {
				return err
			}
		}
		if server != "" {
			if err := engine.SelectServer(server); err != nil {
				return err
			}
		}

		var checker changeChecker
		if sendChanged && a.journal != nil {
			checker = a.journal
		}
		reporter := util.NewReporter(out, verbose)
		return runSend(cmd.Context(), engine, args, reporter, checker)
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendServer, "server", "s", "", "send to this server regardless of path")
	sendCmd.Flags().BoolVarP(&sendPick, "pick", "p", false, "pick the server interactively")
	sendCmd.Flags().BoolVar(&sendChanged, "changed", false, "skip files unchanged since their last successful upload")
	_ = sendCmd.RegisterFlagCompletionFunc("server", completeServers)
}

// changeChecker reports whether a file differs from its last upload.
type changeChecker interface {
	Changed(file, server string) (bool, error)
}

// runSend schedules every file and reports results until each scheduled
// file has one.
func runSend(ctx context.Context, e *syncengine.Engine, files []string, r status.Reporter, skip changeChecker) error {
	scheduled := map[string]bool{}
	failed := 0

	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			r.Report(false, fmt.Sprintf("%s: %v", f, err))
			failed++
			continue
		}
		if scheduled[abs] {
			continue
		}

		if skip != nil {
			if server, _, err := e.Target(abs); err == nil {
				if changed, err := skip.Changed(abs, server); err == nil && !changed {
					r.Report(true, fmt.Sprintf("%s -> unchanged, skipped %s", server, filepath.Base(abs)))
					continue
				}
			}
		}

		if err := e.Sync(abs); err != nil {
			r.Report(false, fmt.Sprintf("%s: %v", f, err))
			failed++
			continue
		}
		scheduled[abs] = true
	}

	for remaining := len(scheduled); remaining > 0; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.Events():
			if !ok {
				return syncengine.ErrClosed
			}
			status.Dispatch(ev, r)
			if ev.Type != status.EventResult || !scheduled[ev.File] {
				continue
			}
			remaining--
			if !ev.Success {
				failed++
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}
