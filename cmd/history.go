package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sftp-sync/internal/journal"
	"sftp-sync/internal/util"
)

var (
	historyLimit  int
	historyServer string
	historyClear  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent uploads from the sync journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if a.journal == nil {
			return errors.New("journal is not available, see the log for details")
		}

		out := util.NewSafePrinter(cmd.OutOrStdout())
		if historyClear {
			n, err := a.journal.Clear()
			if err != nil {
				return err
			}
			out.Printf("Deleted %d entries\n", n)
			return nil
		}

		entries, err := a.journal.Recent(historyLimit, historyServer)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			out.Println("No uploads recorded yet.")
			return nil
		}
		total, bytes, err := a.journal.Stats()
		if err != nil {
			return err
		}
		out.PrintBlock(formatHistory(entries, total, bytes), false)
		return nil
	},
}

// formatHistory renders entries, given newest first, oldest first followed
// by the journal totals.
func formatHistory(entries []journal.Entry, total, bytes int64) string {
	var b strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&b, "%s  %-7s %-12s %s -> %s  %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Status, e.Server,
			filepath.Base(e.File), e.Destination, e.Message)
	}
	fmt.Fprintf(&b, "%d uploads recorded, %d bytes sent", total, bytes)
	return b.String()
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
	historyCmd.Flags().StringVarP(&historyServer, "server", "s", "", "only show this server")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "delete every entry")
	_ = historyCmd.RegisterFlagCompletionFunc("server", completeServers)
}
