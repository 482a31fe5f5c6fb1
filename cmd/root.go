package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sftp-sync/internal/config"
	"sftp-sync/internal/events"
	"sftp-sync/internal/journal"
	"sftp-sync/internal/logging"
	"sftp-sync/internal/pool"
	"sftp-sync/internal/registry"
	"sftp-sync/internal/state"
	"sftp-sync/internal/syncengine"
	"sftp-sync/internal/transfer"
)

var (
	configPath string
	logFile    string
	logLevel   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sftp-sync",
	Short: "Upload files to SFTP servers on save",
	Long: `Uploads saved files to the SFTP server whose local_path contains them.
Run 'sftp-sync serve' from an editor, or 'sftp-sync send FILE...' by hand.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./"+config.ConfigFileName+")")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file (overrides log_file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also log to stderr and show status changes")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(historyCmd)
}

// app holds what every command needs after the config is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
	logPath  string
	journal  *journal.Journal
	state    *state.Store

	onSelected func(name string)
}

func loadApp() (*app, error) {
	cfg, err := config.LoadAndValidateConfig(configPath)
	if err != nil {
		return nil, err
	}

	opts := logging.Options{File: cfg.LogFile, Level: cfg.LogLevel, Verbose: verbose}
	if logFile != "" {
		opts.File = logFile
	}
	if logLevel != "" {
		opts.Level = logLevel
	}
	logger, closer, err := logging.Setup(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		logClose: closer,
		logPath:  opts.File,
		state:    state.NewStore(os.Getenv("SFTP_SYNC_STATE_DIR")),
	}

	j, err := journal.Open(cfg.Journal)
	if err != nil {
		logger.Warn("journal disabled", "path", cfg.Journal, "error", err)
	} else {
		a.journal = j
	}

	a.onSelected = func(name string) {
		if err := a.state.SetSelected(cfg.Path, name); err != nil {
			logger.Warn("cannot persist selected server", "server", name, "error", err)
		}
	}
	if err := events.GlobalBus.Subscribe(events.EventServerSelected, a.onSelected); err != nil {
		logger.Warn("cannot subscribe to selection events", "error", err)
	}

	logger.Debug("config loaded", "path", cfg.Path, "servers", cfg.Names())
	return a, nil
}

func (a *app) Close() {
	_ = events.GlobalBus.Unsubscribe(events.EventServerSelected, a.onSelected)
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("cannot close journal", "error", err)
		}
	}
	_ = a.logClose.Close()
}

func (a *app) dialer() transfer.DialFunc {
	return transfer.Dialer(transfer.Options{
		Timeout:           a.cfg.Timeout,
		KeepaliveInterval: a.cfg.KeepaliveInterval,
		KnownHosts:        a.cfg.KnownHosts,
	})
}

// initialSelection is the persisted choice for this project, falling back
// to selected_server from the config. A persisted clear wins over the config.
func (a *app) initialSelection() string {
	if a.state != nil && a.cfg.Path != "" {
		sel, saved, err := a.state.Selected(a.cfg.Path)
		switch {
		case err != nil:
			a.logger.Warn("cannot read persisted selection", "error", err)
		case saved && sel == "":
			return ""
		case saved:
			if _, ok := a.cfg.Servers[sel]; ok {
				return sel
			}
			a.logger.Warn("persisted server no longer configured", "server", sel)
		}
	}
	return a.cfg.SelectedServer
}

func (a *app) newEngine(dial transfer.DialFunc) *syncengine.Engine {
	reg := registry.New(a.cfg.Servers)
	opts := syncengine.Options{Wait: a.cfg.Wait, Logger: a.logger}
	if a.journal != nil {
		opts.Recorder = a.journal
	}
	e := syncengine.New(reg, pool.New(dial, reg.Server, a.logger), opts)

	if sel := a.initialSelection(); sel != "" {
		if err := e.SelectServer(sel); err != nil {
			a.logger.Warn("cannot select server", "server", sel, "error", err)
		}
	}
	return e
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ExecuteContext allows running the root command with a supplied context for cancellation.
func ExecuteContext(ctx context.Context) error {
	rootCmd.SetContext(ctx)
	return rootCmd.Execute()
}
