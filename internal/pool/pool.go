// Package pool keeps one live transfer connection per configured server.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"sftp-sync/internal/config"
	"sftp-sync/internal/transfer"
)

// ConnectionError is returned when a connection to a server cannot be opened.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Lookup returns the configuration of a server by name.
type Lookup func(name string) (config.Server, bool)

type Pool struct {
	dial   transfer.DialFunc
	lookup Lookup
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]transfer.Conn

	// creating serializes connection creation per server name.
	creating singleflight.Group
}

func New(dial transfer.DialFunc, lookup Lookup, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dial:   dial,
		lookup: lookup,
		logger: logger.With("component", "pool"),
		conns:  make(map[string]transfer.Conn),
	}
}

func (p *Pool) cached(name string) (transfer.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[name]
	return c, ok
}

// Acquire returns the cached connection for name, dialing one if needed.
// Failed dials are not cached.
func (p *Pool) Acquire(ctx context.Context, name string) (transfer.Conn, error) {
	if c, ok := p.cached(name); ok {
		return c, nil
	}

	v, err, _ := p.creating.Do(name, func() (interface{}, error) {
		if c, ok := p.cached(name); ok {
			return c, nil
		}
		s, ok := p.lookup(name)
		if !ok {
			return nil, fmt.Errorf("server %s is not configured", name)
		}

		p.logger.Debug("creating connection", "server", name, "addr", s.Addr(), "user", s.Username)
		c, err := p.dial(ctx, s)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.conns[name] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, &ConnectionError{Server: name, Err: err}
	}
	return v.(transfer.Conn), nil
}

// Reset closes every cached connection and forgets them. Close errors are
// logged and otherwise ignored, since dead connections are expected here.
func (p *Pool) Reset() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]transfer.Conn)
	p.mu.Unlock()

	for name, c := range conns {
		if err := c.Close(); err != nil {
			p.logger.Debug("close on reset", "server", name, "error", err)
		}
	}
	p.logger.Info("pool reset", "closed", len(conns))
}

// Drop closes and forgets the connection for name, but only if it is still
// the one the caller used.
func (p *Pool) Drop(name string, c transfer.Conn) {
	p.mu.Lock()
	cur, ok := p.conns[name]
	if ok && cur == c {
		delete(p.conns, name)
	}
	p.mu.Unlock()

	if err := c.Close(); err != nil {
		p.logger.Debug("close on drop", "server", name, "error", err)
	}
}

// Keepalive pings every cached connection. Failures are only logged.
func (p *Pool) Keepalive(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	for name, c := range p.snapshot() {
		g.Go(func() error {
			if err := c.Ping(); err != nil {
				p.logger.Warn("keepalive failed", "server", name, "error", err)
				return nil
			}
			p.logger.Debug("keepalive", "server", name)
			return nil
		})
	}
	_ = g.Wait()
}

// Quit closes every connection without clearing the cache. Used at shutdown.
func (p *Pool) Quit() {
	var g errgroup.Group
	for name, c := range p.snapshot() {
		g.Go(func() error {
			if err := c.Close(); err != nil {
				p.logger.Debug("close on quit", "server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) snapshot() map[string]transfer.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]transfer.Conn, len(p.conns))
	for name, c := range p.conns {
		out[name] = c
	}
	return out
}
