package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gspt "github.com/erikdubbelboer/gspt"

	"sftp-sync/cmd"
	"sftp-sync/internal/events"
	"sftp-sync/internal/util"
)

func procTitle() string {
	title := os.Getenv("PROC_TITLE")
	if title == "" {
		title = "sftp-sync"
		if cwd, err := os.Getwd(); err == nil {
			title = "sftp-sync:" + filepath.Base(cwd)
		}
	}
	// Collapse whitespace and keep within PR_SET_NAME's 15 usable bytes.
	title = strings.Join(strings.Fields(title), "-")
	return util.TruncateToBytes(title, 15)
}

func main() {
	gspt.SetProcTitle(procTitle())

	restoreTerminal := util.SaveTerminal(os.Stdin)
	forceExit := func(code int) {
		restoreTerminal()
		os.Exit(code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan struct{})
	_ = events.GlobalBus.SubscribeOnce(events.EventShutdownRequested, func(reason string) {
		slog.Info("shutdown requested", "reason", reason)
		cancel()
		close(shutdown)
	})
	_ = events.GlobalBus.Subscribe(events.EventShutdownComplete, func() {
		slog.Debug("shutdown complete")
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		events.GlobalBus.Publish(events.EventShutdownRequested, sig.String())
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-shutdown:
		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			fmt.Fprintln(os.Stderr, "timeout waiting for shutdown, forcing exit")
			forceExit(1)
		}
	}

	restoreTerminal()
	if err != nil {
		os.Exit(1)
	}
}
