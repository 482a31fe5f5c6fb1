package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"sftp-sync/internal/config"
)

var ErrClosed = errors.New("connection closed")

// Options tune every connection produced by a Dialer.
type Options struct {
	// Timeout bounds dialing and every remote operation's I/O inactivity.
	Timeout time.Duration
	// KeepaliveInterval is how often a keepalive@openssh.com request is sent.
	KeepaliveInterval time.Duration
	// KnownHosts enables host key checking against an OpenSSH known_hosts
	// file. Host keys are not verified when empty.
	KnownHosts string
}

// DialFunc opens a connection to the given server.
type DialFunc func(ctx context.Context, s config.Server) (Conn, error)

// Dialer returns a DialFunc that opens SSH+SFTP sessions.
func Dialer(opts Options) DialFunc {
	return func(ctx context.Context, s config.Server) (Conn, error) {
		return Dial(ctx, s, opts)
	}
}

type sftpConn struct {
	ssh    *ssh.Client
	client *sftp.Client
	io     *idleConn

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
}

// Dial connects to s with password and/or private key authentication.
func Dial(ctx context.Context, s config.Server, opts Options) (Conn, error) {
	clientConfig, err := buildClientConfig(s, opts)
	if err != nil {
		return nil, err
	}

	addr := s.Addr()
	d := net.Dialer{Timeout: opts.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	ic := &idleConn{Conn: raw, timeout: opts.Timeout}
	done := ic.begin()
	c, chans, reqs, err := ssh.NewClientConn(ic, addr, clientConfig)
	done()
	if err != nil {
		raw.Close()
		return nil, ic.wrap(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	done = ic.begin()
	client, err := sftp.NewClient(sshClient)
	done()
	if err != nil {
		sshClient.Close()
		return nil, ic.wrap(fmt.Errorf("failed to start sftp subsystem: %w", err))
	}

	conn := &sftpConn{
		ssh:    sshClient,
		client: client,
		io:     ic,
		stop:   make(chan struct{}),
	}
	if opts.KeepaliveInterval > 0 {
		go conn.keepalive(opts.KeepaliveInterval)
	}
	return conn, nil
}

func buildClientConfig(s config.Server, opts Options) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.PrivateKey != "" {
		signer, err := readPrivateKey(s.PrivateKey, s.PrivateKeyPass)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("server %s: no password or private key configured", s.Name)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		cb, err := knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("unable to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            s.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}, nil
}

func readPrivateKey(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted, set private_key_pass: %w", path, err)
		}
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}

func (c *sftpConn) Put(local, remote string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	src, err := os.Open(local)
	if err != nil {
		return &LocalError{Path: local, Err: err}
	}
	defer src.Close()

	done := c.io.begin()
	defer done()

	dst, err := c.client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return c.io.wrap(fmt.Errorf("open remote %s: %w", remote, err))
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return c.io.wrap(fmt.Errorf("write remote %s: %w", remote, err))
	}
	if err := dst.Close(); err != nil {
		return c.io.wrap(fmt.Errorf("close remote %s: %w", remote, err))
	}
	return nil
}

func (c *sftpConn) MkdirAll(dir string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	done := c.io.begin()
	defer done()
	if err := c.client.MkdirAll(dir); err != nil {
		return c.io.wrap(fmt.Errorf("mkdir %s: %w", dir, err))
	}
	return nil
}

func (c *sftpConn) Ping() error {
	if c.closed.Load() {
		return ErrClosed
	}
	done := c.io.begin()
	defer done()
	if _, err := c.client.Getwd(); err != nil {
		return c.io.wrap(err)
	}
	return nil
}

func (c *sftpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		err := c.client.Close()
		if sshErr := c.ssh.Close(); err == nil {
			err = sshErr
		}
		c.closeErr = err
	})
	return c.closeErr
}

// keepalive sends transport-level keepalives until the connection closes.
// A peer that stops answering closes the connection so the next use fails
// fast instead of hanging.
func (c *sftpConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			done := c.io.begin()
			_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
			done()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// idleConn enforces an inactivity deadline on the underlying connection, but
// only while at least one remote operation is in flight. An idle session
// keeps its background reader blocked without a deadline. mu orders every
// deadline change with the active count.
type idleConn struct {
	net.Conn
	timeout  time.Duration
	timedOut atomic.Bool

	mu     sync.Mutex
	active int
}

// wrap marks err as a timeout when the transport hit its deadline. The SSH
// reader goroutine usually sees the deadline first, leaving the operation
// itself with only a generic connection-lost error.
func (c *idleConn) wrap(err error) error {
	if err == nil || !c.timedOut.Load() {
		return err
	}
	return &timeoutError{err: err}
}

func (c *idleConn) note(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.timedOut.Store(true)
	}
}

func (c *idleConn) begin() func() {
	if c.timeout <= 0 {
		return func() {}
	}
	c.mu.Lock()
	c.active++
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.active--
			if c.active == 0 {
				_ = c.Conn.SetDeadline(time.Time{})
			}
		})
	}
}

// extend pushes a deadline forward while operations are in flight.
func (c *idleConn) extend(set func(time.Time) error) {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		_ = set(time.Now().Add(c.timeout))
	}
}

func (c *idleConn) Read(b []byte) (int, error) {
	c.extend(c.Conn.SetReadDeadline)
	n, err := c.Conn.Read(b)
	c.note(err)
	return n, err
}

func (c *idleConn) Write(b []byte) (int, error) {
	c.extend(c.Conn.SetWriteDeadline)
	n, err := c.Conn.Write(b)
	c.note(err)
	return n, err
}

type timeoutError struct{ err error }

func (e *timeoutError) Error() string   { return "i/o timeout: " + e.err.Error() }
func (e *timeoutError) Unwrap() error   { return e.err }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }
