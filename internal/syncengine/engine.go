// Package syncengine turns save notifications into debounced SFTP uploads
// and reports each file's progress as status events.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"sftp-sync/internal/debounce"
	"sftp-sync/internal/pool"
	"sftp-sync/internal/registry"
	"sftp-sync/internal/status"
	"sftp-sync/internal/transfer"
)

const DefaultWait = 250 * time.Millisecond

var ErrClosed = errors.New("sync engine closed")

// Result describes one finished transfer.
type Result struct {
	File        string
	Destination string
	Server      string
	Status      status.Status
	Message     string
	Elapsed     time.Duration
	Err         error
}

// Recorder is told about every finished transfer.
type Recorder interface {
	Record(r Result) error
}

type Options struct {
	Wait     time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Recorder Recorder
	// Buffer is the capacity of the events channel.
	Buffer int
}

type Engine struct {
	registry  *registry.Registry
	pool      *pool.Pool
	debouncer *debounce.Debouncer
	tracker   *status.Tracker

	wait     time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder Recorder

	enabled atomic.Bool

	mu       sync.RWMutex
	closed   bool
	events   chan status.Event
	done     chan struct{}
	quitOnce sync.Once
}

func New(reg *registry.Registry, p *pool.Pool, opts Options) *Engine {
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	e := &Engine{
		registry:  reg,
		pool:      p,
		debouncer: debounce.New(),
		tracker:   status.NewTracker(),
		wait:      opts.Wait,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "sync"),
		recorder:  opts.Recorder,
		events:    make(chan status.Event, opts.Buffer),
		done:      make(chan struct{}),
	}
	e.enabled.Store(true)
	return e
}

// Events is the single outbound channel of status changes and result
// messages. It is closed by Quit.
func (e *Engine) Events() <-chan status.Event {
	return e.events
}

// Sync schedules an upload of file. Resolution failures are returned
// immediately and nothing is scheduled; transfer outcomes arrive as events.
func (e *Engine) Sync(file string) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !e.enabled.Load() {
		e.logger.Debug("sync disabled, ignoring", "file", file)
		return nil
	}

	file, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	server, dest, err := e.Target(file)
	if err != nil {
		e.logger.Warn("cannot sync file", "file", file, "error", err)
		return err
	}

	key := file + ":" + dest + ":" + server
	e.debouncer.Schedule(key, e.wait, func() {
		e.doSync(file, dest, server)
	})
	return nil
}

// Target returns the server and remote path file would be uploaded to.
func (e *Engine) Target(file string) (server, dest string, err error) {
	server, err = e.registry.Resolve(file)
	if err != nil {
		return "", "", err
	}
	if e.registry.Ignored(file, server) {
		return "", "", fmt.Errorf("%w: %s", registry.ErrIgnored, file)
	}
	dest, err = e.registry.MapToRemote(file, server)
	if err != nil {
		return "", "", err
	}
	return server, dest, nil
}

func (e *Engine) doSync(file, dest, server string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync task panicked", "file", file, "server", server, "panic", r, "stack", string(debug.Stack()))
			e.finish(Result{
				File:        file,
				Destination: dest,
				Server:      server,
				Status:      status.Error,
				Message:     fmt.Sprintf("Internal error sending to %s: %v", server, r),
				Err:         fmt.Errorf("panic: %v", r),
			})
		}
	}()

	e.setStatus(file, server, status.Sending)
	start := e.clock.Now()

	conn, err := e.pool.Acquire(context.Background(), server)
	if err != nil {
		cause := err
		var connErr *pool.ConnectionError
		if errors.As(err, &connErr) {
			cause = connErr.Err
		}
		e.logger.Error("connection failed", "server", server, "file", file, "error", err)
		e.finish(Result{
			File:        file,
			Destination: dest,
			Server:      server,
			Status:      status.Error,
			Message:     fmt.Sprintf("Error connecting to %s: %v", server, cause),
			Err:         err,
		})
		return
	}

	res := e.upload(conn, file, dest, server)
	res.Elapsed = e.clock.Since(start)
	if res.Status == status.OK {
		res.Message = fmt.Sprintf("%s -> OK (%.2fs)", server, res.Elapsed.Seconds())
		e.logger.Info("sent", "file", file, "destination", dest, "server", server, "elapsed", res.Elapsed)
	}
	e.finish(res)
}

// upload sends the file, creating the remote directory and retrying once if
// it was missing, then applies the recovery for whatever error remains.
func (e *Engine) upload(conn transfer.Conn, file, dest, server string) Result {
	res := Result{File: file, Destination: dest, Server: server}

	e.logger.Debug("sending file", "file", file, "destination", dest, "server", server)
	err := conn.Put(file, dest)
	kind := transfer.Classify(err)

	if kind == transfer.KindDirMissing {
		dir := path.Dir(dest)
		e.logger.Info("remote directory missing, creating", "dir", dir, "server", server, "error", err)
		if err = conn.MkdirAll(dir); err == nil {
			err = conn.Put(file, dest)
		}
		kind = transfer.Classify(err)
		if kind == transfer.KindDirMissing {
			kind = transfer.KindOther
		}
	}

	res.Err = err
	switch kind {
	case transfer.KindOK:
		res.Status = status.OK
		return res
	case transfer.KindTimeout:
		// A stalled session usually means every transfer to the host is stuck.
		e.pool.Reset()
		res.Message = fmt.Sprintf("Timeout error: %v", err)
	case transfer.KindConnectionLost:
		e.pool.Drop(server, conn)
		res.Message = fmt.Sprintf("Connection lost to %s: %v", server, err)
	default:
		res.Message = fmt.Sprintf("Error sending to %s: %v", server, err)
	}
	res.Status = status.Error
	e.logger.Error("transfer failed", "file", file, "destination", dest, "server", server, "kind", kind.String(), "error", err)
	return res
}

func (e *Engine) finish(res Result) {
	e.setStatus(res.File, res.Server, res.Status)
	e.emit(status.Event{
		Type:    status.EventResult,
		File:    res.File,
		Status:  res.Status,
		Server:  res.Server,
		Success: res.Status == status.OK,
		Message: res.Message,
		Elapsed: res.Elapsed,
		At:      e.clock.Now(),
	})
	if e.recorder != nil {
		if err := e.recorder.Record(res); err != nil {
			e.logger.Warn("cannot record result", "file", res.File, "error", err)
		}
	}
}

func (e *Engine) setStatus(file, server string, s status.Status) {
	if !e.tracker.Set(file, s) {
		return
	}
	e.emit(status.Event{
		Type:   status.EventStatus,
		File:   file,
		Status: s,
		Server: server,
		At:     e.clock.Now(),
	})
}

func (e *Engine) emit(ev status.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Status returns the current status of file.
func (e *Engine) Status(file string) status.Status {
	if abs, err := filepath.Abs(file); err == nil {
		file = abs
	}
	return e.tracker.Get(file)
}

// Reset drops every connection and returns all files to NONE.
func (e *Engine) Reset() {
	e.pool.Reset()
	for _, file := range e.tracker.ResetAll() {
		e.emit(status.Event{Type: status.EventStatus, File: file, Status: status.None, At: e.clock.Now()})
	}
	e.logger.Info("engine reset")
}

// SelectServer forces every subsequent sync to go to name.
func (e *Engine) SelectServer(name string) error {
	if err := e.registry.Select(name); err != nil {
		return err
	}
	e.logger.Info("server selected", "server", name)
	return nil
}

// ClearServer returns to automatic resolution by path.
func (e *Engine) ClearServer() {
	e.registry.Clear()
	e.logger.Info("server selection cleared")
}

func (e *Engine) SelectedServer() string { return e.registry.Selected() }

func (e *Engine) Servers() []string { return e.registry.Names() }

func (e *Engine) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
	e.logger.Info("sync toggled", "enabled", enabled)
}

func (e *Engine) Enabled() bool { return e.enabled.Load() }

// Keepalive pings every pooled connection.
func (e *Engine) Keepalive(ctx context.Context) {
	e.pool.Keepalive(ctx)
}

// Quit cancels pending syncs, closes all connections and closes the events
// channel. Transfers already running finish against closed connections and
// their results are discarded.
func (e *Engine) Quit() {
	e.quitOnce.Do(func() {
		e.logger.Info("quitting")
		e.debouncer.Stop()
		e.pool.Quit()

		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.events)
		e.mu.Unlock()
	})
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
