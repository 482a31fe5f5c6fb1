package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"sftp-sync/internal/events"
	"sftp-sync/internal/status"
	"sftp-sync/internal/syncengine"
	"sftp-sync/internal/util"
)

const quitMessage = "[SFTP] Quitting..."

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Read save notifications on stdin and stream events as JSON",
	Long: `Each line on stdin is either a file path to upload or a command:
  :reset            drop all connections and clear statuses
  :select NAME      send everything to NAME
  :select           return to choosing the server by path
  :status PATH      report the status of PATH
  :servers          list server names
  :keepalive        ping every open connection
  :enable/:disable  turn uploads on or off
  :log              report where the log file is written
  :quit             close everything and exit
Every status change, result and reply is written to stdout as one JSON object per line,
or as plain lines with --text.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := util.NewSafePrinter(cmd.OutOrStdout())
		s := &session{
			engine:  a.newEngine(a.dialer()),
			out:     out,
			logger:  a.logger,
			logPath: a.logPath,
			clock:   clockwork.NewRealClock(),
		}
		if serveText {
			s.text = util.NewReporter(out, verbose)
		}
		return s.run(cmd.Context(), cmd.InOrStdin(), a.cfg.KeepaliveInterval)
	},
}

// reply answers a command line.
type reply struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	OK      bool           `json:"ok"`
	File    string         `json:"file,omitempty"`
	Message string         `json:"message,omitempty"`
	Status  *status.Status `json:"status,omitempty"`
	Servers []string       `json:"servers,omitempty"`
}

type session struct {
	engine  *syncengine.Engine
	out     *util.SafePrinter
	// text, when set, renders events and replies as plain lines instead of JSON.
	text    *util.Reporter
	logger  *slog.Logger
	logPath string
	clock   clockwork.Clock
}

var serveText bool

func init() {
	serveCmd.Flags().BoolVar(&serveText, "text", false, "print plain lines instead of JSON")
}

func (s *session) run(ctx context.Context, in io.Reader, keepalive time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	written := make(chan struct{})
	go func() {
		defer close(written)
		if s.text != nil {
			status.Drain(context.Background(), s.engine.Events(), s.text)
			return
		}
		for ev := range s.engine.Events() {
			s.write(ev)
		}
	}()
	defer func() {
		s.engine.Quit()
		<-written
		events.GlobalBus.Publish(events.EventShutdownComplete)
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	if keepalive <= 0 {
		keepalive = time.Minute
	}
	ticker := s.clock.NewTicker(keepalive)
	defer ticker.Stop()

	s.logger.Info("serving", "keepalive", keepalive, "selected", s.engine.SelectedServer())
	for {
		select {
		case <-ctx.Done():
			s.reply(reply{Command: "quit", OK: true, Message: quitMessage})
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if s.handle(ctx, line) {
				return nil
			}
		case <-ticker.Chan():
			s.engine.Keepalive(ctx)
		}
	}
}

// handle processes one input line and reports whether the session should end.
func (s *session) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, ":") {
		if err := s.engine.Sync(line); err != nil {
			s.reply(reply{Command: "sync", File: line, Message: err.Error()})
		}
		return false
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "reset":
		s.engine.Reset()
		s.reply(reply{Command: command, OK: true})
	case "select":
		if arg == "" {
			s.engine.ClearServer()
			events.GlobalBus.Publish(events.EventServerSelected, "")
			s.reply(reply{Command: command, OK: true, Message: "selection cleared"})
			return false
		}
		if err := s.engine.SelectServer(arg); err != nil {
			s.reply(reply{Command: command, Message: err.Error()})
			return false
		}
		events.GlobalBus.Publish(events.EventServerSelected, arg)
		s.reply(reply{Command: command, OK: true, Message: arg})
	case "status":
		st := s.engine.Status(arg)
		s.reply(reply{Command: command, OK: true, File: arg, Status: &st})
	case "servers":
		s.reply(reply{Command: command, OK: true, Servers: s.engine.Servers()})
	case "keepalive":
		s.engine.Keepalive(ctx)
		s.reply(reply{Command: command, OK: true})
	case "log":
		if s.logPath == "" {
			s.reply(reply{Command: command, Message: "no log file configured"})
			return false
		}
		s.reply(reply{Command: command, OK: true, Message: s.logPath})
	case "enable", "disable":
		s.engine.SetEnabled(command == "enable")
		s.reply(reply{Command: command, OK: true})
	case "quit":
		s.reply(reply{Command: command, OK: true, Message: quitMessage})
		return true
	default:
		s.reply(reply{Command: command, Message: "unknown command"})
	}
	return false
}

func (s *session) reply(r reply) {
	r.Type = "reply"
	if s.text == nil {
		s.write(r)
		return
	}

	msg := r.Command
	switch {
	case r.Status != nil:
		msg = fmt.Sprintf("%s %s", r.File, r.Status)
	case len(r.Servers) > 0:
		msg = strings.Join(r.Servers, " ")
	case r.Command == "quit":
		msg = r.Message
	case r.Message != "":
		msg += ": " + r.Message
	}
	s.text.Report(r.OK, msg)
}

func (s *session) write(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("cannot encode event", "error", err)
		return
	}
	s.out.Println(string(data))
}
