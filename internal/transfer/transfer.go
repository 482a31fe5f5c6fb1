// Package transfer wraps a single SFTP session and classifies the errors it
// produces so callers can pick a recovery path.
package transfer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
)

// Conn is the set of remote operations the sync engine needs.
type Conn interface {
	// Put uploads the local file to the remote path, replacing it.
	Put(local, remote string) error
	// MkdirAll creates dir and any missing parents. Existing directories are
	// not an error.
	MkdirAll(dir string) error
	// Ping issues a cheap request to keep the session alive.
	Ping() error
	Close() error
}

// Kind is the recovery class of a transfer error.
type Kind int

const (
	KindOK Kind = iota
	KindTimeout
	KindDirMissing
	KindConnectionLost
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindDirMissing:
		return "dir-missing"
	case KindConnectionLost:
		return "connection-lost"
	default:
		return "other"
	}
}

// LocalError marks failures reading the local side of a transfer so they
// are never mistaken for a missing remote directory.
type LocalError struct {
	Path string
	Err  error
}

func (e *LocalError) Error() string { return "local file " + e.Path + ": " + e.Err.Error() }
func (e *LocalError) Unwrap() error { return e.Err }

// Classify maps err onto the recovery path the engine takes for it.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}

	var local *LocalError
	if errors.As(err, &local) {
		return KindOther
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case uint32(sftp.ErrSSHFxNoSuchFile):
			return KindDirMissing
		case uint32(sftp.ErrSSHFxConnectionLost), uint32(sftp.ErrSSHFxNoConnection):
			return KindConnectionLost
		}
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return KindConnectionLost
	}
	if errors.Is(err, fs.ErrNotExist) {
		return KindDirMissing
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, ErrClosed) {
		return KindConnectionLost
	}
	// pkg/sftp reports a dropped session with a plain error string.
	if strings.Contains(err.Error(), "connection lost") {
		return KindConnectionLost
	}
	return KindOther
}
