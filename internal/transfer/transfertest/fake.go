// Package transfertest provides in-memory transfer connections for tests.
package transfertest

import (
	"context"
	"sync"
	"time"

	"sftp-sync/internal/config"
	"sftp-sync/internal/transfer"
)

type PutCall struct {
	Local  string
	Remote string
}

// Conn records every call. PutErrs are returned by successive Put calls;
// once exhausted Put succeeds. A Put still running when the Conn is closed
// fails with transfer.ErrClosed.
type Conn struct {
	Server string

	mu       sync.Mutex
	PutErrs  []error
	MkdirErr error
	PingErr  error
	OnPut    func(local, remote string)

	puts   []PutCall
	mkdirs []string
	pings  int
	closed bool
}

func (c *Conn) Put(local, remote string) error {
	c.mu.Lock()
	c.puts = append(c.puts, PutCall{Local: local, Remote: remote})
	var err error
	if len(c.PutErrs) > 0 {
		err, c.PutErrs = c.PutErrs[0], c.PutErrs[1:]
	}
	hook := c.OnPut
	c.mu.Unlock()

	if hook != nil {
		hook(local, remote)
	}
	if err == nil && c.Closed() {
		err = transfer.ErrClosed
	}
	return err
}

func (c *Conn) MkdirAll(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mkdirs = append(c.mkdirs, dir)
	return c.MkdirErr
}

func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.PingErr
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Puts() []PutCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PutCall(nil), c.puts...)
}

func (c *Conn) Mkdirs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.mkdirs...)
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out Conns. Prepare, when set, may configure each new Conn.
type Dialer struct {
	mu      sync.Mutex
	Err     error
	Delay   time.Duration
	Prepare func(c *Conn)

	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context, s config.Server) (transfer.Conn, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	c := &Conn{Server: s.Name}
	if d.Prepare != nil {
		d.Prepare(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every connection dialed so far, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}
