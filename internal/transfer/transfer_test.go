package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
)

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	testCases := []struct {
		desc string
		err  error
		want Kind
	}{
		{"nil", nil, KindOK},
		{"net timeout", fmt.Errorf("write: %w", fakeTimeout{}), KindTimeout},
		{"deadline", os.ErrDeadlineExceeded, KindTimeout},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped transport timeout", &timeoutError{err: io.EOF}, KindTimeout},
		{"not exist", fmt.Errorf("open remote /x/y: %w", fs.ErrNotExist), KindDirMissing},
		{"status no such file", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxNoSuchFile)}, KindDirMissing},
		{"status connection lost", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxConnectionLost)}, KindConnectionLost},
		{"fx connection lost", fmt.Errorf("open: %w", sftp.ErrSSHFxConnectionLost), KindConnectionLost},
		{"eof", fmt.Errorf("write: %w", io.EOF), KindConnectionLost},
		{"closed", ErrClosed, KindConnectionLost},
		{"net closed", net.ErrClosed, KindConnectionLost},
		{"reset", syscall.ECONNRESET, KindConnectionLost},
		{"local missing file", &LocalError{Path: "/a", Err: fs.ErrNotExist}, KindOther},
		{"permission", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxPermissionDenied)}, KindOther},
		{"generic", errors.New("boom"), KindOther},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err), "Classify(%v)", tc.err)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "dir-missing", KindDirMissing.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "other", Kind(42).String())
}

func TestIdleConnWrap(t *testing.T) {
	ic := &idleConn{}
	base := errors.New("connection lost")
	assert.Same(t, base, ic.wrap(base))

	ic.note(fakeTimeout{})
	wrapped := ic.wrap(base)
	assert.Equal(t, KindTimeout, Classify(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Nil(t, ic.wrap(nil))
}
