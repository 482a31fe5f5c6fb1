package syncengine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sftp-sync/internal/config"
	"sftp-sync/internal/pool"
	"sftp-sync/internal/registry"
	"sftp-sync/internal/status"
	"sftp-sync/internal/transfer"
	"sftp-sync/internal/transfer/transfertest"
)

const (
	projFile = "/home/u/proj/src/a.txt"
	blogFile = "/home/u/blog/posts/x.md"
)

type memRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *memRecorder) Record(res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *memRecorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

type harness struct {
	engine   *Engine
	pool     *pool.Pool
	dialer   *transfertest.Dialer
	clock    clockwork.FakeClock
	recorder *memRecorder
}

func newHarness(t *testing.T, prepare func(c *transfertest.Conn)) *harness {
	t.Helper()
	servers := map[string]config.Server{
		"proj": {Host: "p", Port: 22, LocalPath: "/home/u/proj", RemotePath: "/srv/proj"},
		"blog": {Host: "b", Port: 22, LocalPath: "/home/u/blog", RemotePath: "/var/www/blog", Ignores: []string{"*.swp"}},
	}
	reg := registry.New(servers)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()

	d := &transfertest.Dialer{}
	d.Prepare = func(c *transfertest.Conn) {
		// Every upload takes a second and a half of fake time.
		c.OnPut = func(string, string) { clock.Advance(1500 * time.Millisecond) }
		if prepare != nil {
			prepare(c)
		}
	}

	p := pool.New(d.Dial, reg.Server, logger)
	rec := &memRecorder{}
	e := New(reg, p, Options{
		Wait:     20 * time.Millisecond,
		Clock:    clock,
		Logger:   logger,
		Recorder: rec,
	})
	t.Cleanup(e.Quit)
	return &harness{engine: e, pool: p, dialer: d, clock: clock, recorder: rec}
}

// collect reads events until n result events have arrived.
func collect(t *testing.T, e *Engine, n int) []status.Event {
	t.Helper()
	var out []status.Event
	timeout := time.After(3 * time.Second)
	for results := 0; results < n; {
		select {
		case ev, ok := <-e.Events():
			require.True(t, ok, "events channel closed early")
			out = append(out, ev)
			if ev.Type == status.EventResult {
				results++
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d results, got %v", n, out)
		}
	}
	return out
}

func statuses(events []status.Event, file string) []status.Status {
	var out []status.Status
	for _, ev := range events {
		if ev.Type == status.EventStatus && ev.File == file {
			out = append(out, ev.Status)
		}
	}
	return out
}

func results(events []status.Event) []status.Event {
	var out []status.Event
	for _, ev := range events {
		if ev.Type == status.EventResult {
			out = append(out, ev)
		}
	}
	return out
}

func TestSyncSuccess(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	assert.Equal(t, []status.Status{status.Sending, status.OK}, statuses(events, projFile))
	res := results(events)
	require.Len(t, res, 1)
	assert.True(t, res[0].Success)
	assert.Equal(t, "proj -> OK (1.50s)", res[0].Message)
	assert.Equal(t, "proj", res[0].Server)

	conns := h.dialer.Conns()
	require.Len(t, conns, 1)
	assert.Equal(t, []transfertest.PutCall{{Local: projFile, Remote: "/srv/proj/src/a.txt"}}, conns[0].Puts())
	assert.Equal(t, status.OK, h.engine.Status(projFile))

	recorded := h.recorder.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, "/srv/proj/src/a.txt", recorded[0].Destination)
	assert.Equal(t, 1500*time.Millisecond, recorded[0].Elapsed)
}

func TestSyncDebouncesBurst(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.engine.Sync(projFile))
	}
	collect(t, h.engine, 1)
	time.Sleep(100 * time.Millisecond)

	conns := h.dialer.Conns()
	require.Len(t, conns, 1)
	assert.Len(t, conns[0].Puts(), 1)
}

func TestSyncDifferentFilesAreIndependent(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Sync(projFile))
	require.NoError(t, h.engine.Sync(blogFile))
	events := collect(t, h.engine, 2)

	assert.Equal(t, status.OK, h.engine.Status(projFile))
	assert.Equal(t, status.OK, h.engine.Status(blogFile))
	assert.Len(t, results(events), 2)
	assert.Len(t, h.dialer.Conns(), 2)
}

func TestSyncConnectError(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.SetErr(errors.New("auth failed"))

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	assert.Equal(t, []status.Status{status.Sending, status.Error}, statuses(events, projFile))
	res := results(events)
	assert.False(t, res[0].Success)
	assert.Equal(t, "Error connecting to proj: auth failed", res[0].Message)
	assert.Empty(t, h.dialer.Conns())
	assert.Equal(t, 0, h.pool.Len())
}

func TestSyncTimeoutResetsWholePool(t *testing.T) {
	h := newHarness(t, func(c *transfertest.Conn) {
		if c.Server == "proj" {
			c.PutErrs = []error{fmt.Errorf("write: %w", os.ErrDeadlineExceeded)}
		}
	})

	require.NoError(t, h.engine.Sync(blogFile))
	collect(t, h.engine, 1)
	require.Equal(t, 1, h.pool.Len())

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	res := results(events)
	assert.True(t, strings.HasPrefix(res[0].Message, "Timeout error: "), res[0].Message)
	assert.Equal(t, status.Error, h.engine.Status(projFile))
	assert.Equal(t, 0, h.pool.Len())
	for _, c := range h.dialer.Conns() {
		assert.True(t, c.Closed(), "connection to %s should be closed", c.Server)
	}
}

func TestSyncCreatesMissingDirectory(t *testing.T) {
	h := newHarness(t, func(c *transfertest.Conn) {
		c.PutErrs = []error{fmt.Errorf("open /srv/proj/src/a.txt: %w", os.ErrNotExist)}
	})

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	conn := h.dialer.Conns()[0]
	assert.Equal(t, []string{"/srv/proj/src"}, conn.Mkdirs())
	assert.Len(t, conn.Puts(), 2)
	assert.True(t, results(events)[0].Success)
	assert.Equal(t, "proj -> OK (3.00s)", results(events)[0].Message)
}

func TestSyncRetryFailureIsReported(t *testing.T) {
	h := newHarness(t, func(c *transfertest.Conn) {
		c.PutErrs = []error{
			fmt.Errorf("open: %w", os.ErrNotExist),
			errors.New("permission denied"),
		}
	})

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	conn := h.dialer.Conns()[0]
	assert.Len(t, conn.Mkdirs(), 1)
	assert.Len(t, conn.Puts(), 2)
	assert.Equal(t, "Error sending to proj: permission denied", results(events)[0].Message)
	assert.Equal(t, status.Error, h.engine.Status(projFile))
	// The connection itself is still fine.
	assert.Equal(t, 1, h.pool.Len())
}

func TestSyncMkdirFailureIsReported(t *testing.T) {
	h := newHarness(t, func(c *transfertest.Conn) {
		c.PutErrs = []error{fmt.Errorf("open: %w", os.ErrNotExist)}
		c.MkdirErr = errors.New("read-only filesystem")
	})

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	assert.Len(t, h.dialer.Conns()[0].Puts(), 1)
	assert.Equal(t, "Error sending to proj: read-only filesystem", results(events)[0].Message)
}

func TestSyncConnectionLostDropsConnection(t *testing.T) {
	dialed := 0
	h := newHarness(t, func(c *transfertest.Conn) {
		dialed++
		if dialed == 1 {
			c.PutErrs = []error{io.EOF}
		}
	})

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	assert.Equal(t, "Connection lost to proj: EOF", results(events)[0].Message)
	assert.Equal(t, 0, h.pool.Len())
	assert.True(t, h.dialer.Conns()[0].Closed())

	require.NoError(t, h.engine.Sync(projFile))
	events = collect(t, h.engine, 1)
	assert.True(t, results(events)[0].Success)
	assert.Len(t, h.dialer.Conns(), 2)
}

func TestResetDuringUploadReportsError(t *testing.T) {
	var reset func()
	h := newHarness(t, func(c *transfertest.Conn) {
		c.OnPut = func(string, string) { reset() }
	})
	reset = h.pool.Reset

	require.NoError(t, h.engine.Sync(projFile))
	events := collect(t, h.engine, 1)

	assert.Equal(t, []status.Status{status.Sending, status.Error}, statuses(events, projFile))
	res := results(events)[0]
	assert.False(t, res.Success)
	assert.Equal(t, "Connection lost to proj: "+transfer.ErrClosed.Error(), res.Message)
	assert.Equal(t, 0, h.pool.Len())
	assert.True(t, h.dialer.Conns()[0].Closed())
	assert.Equal(t, status.Error, h.engine.Status(projFile))
}

func TestSyncResolutionErrors(t *testing.T) {
	h := newHarness(t, nil)

	err := h.engine.Sync("/tmp/elsewhere.txt")
	assert.ErrorIs(t, err, registry.ErrNoServerMatched)

	err = h.engine.Sync("/home/u/blog/posts/.x.md.swp")
	assert.ErrorIs(t, err, registry.ErrIgnored)

	require.NoError(t, h.engine.SelectServer("blog"))
	assert.Equal(t, "blog", h.engine.SelectedServer())
	err = h.engine.Sync(projFile)
	assert.ErrorIs(t, err, registry.ErrPathOutsideRoot)

	assert.ErrorIs(t, h.engine.SelectServer("nope"), registry.ErrUnknownServer)

	h.engine.ClearServer()
	assert.Empty(t, h.engine.SelectedServer())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, h.dialer.Conns())
	assert.Equal(t, status.None, h.engine.Status(projFile))
}

func TestResetReturnsFilesToNone(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Sync(projFile))
	collect(t, h.engine, 1)
	require.Equal(t, status.OK, h.engine.Status(projFile))

	h.engine.Reset()

	ev := <-h.engine.Events()
	assert.Equal(t, status.EventStatus, ev.Type)
	assert.Equal(t, projFile, ev.File)
	assert.Equal(t, status.None, ev.Status)
	assert.Equal(t, status.None, h.engine.Status(projFile))
	assert.Equal(t, 0, h.pool.Len())
	assert.True(t, h.dialer.Conns()[0].Closed())
}

func TestDisabledEngineIgnoresSaves(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.SetEnabled(false)
	assert.False(t, h.engine.Enabled())
	require.NoError(t, h.engine.Sync(projFile))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, h.dialer.Conns())

	h.engine.SetEnabled(true)
	require.NoError(t, h.engine.Sync(projFile))
	collect(t, h.engine, 1)
	assert.Len(t, h.dialer.Conns(), 1)
}

func TestQuitCancelsPendingAndClosesEvents(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Sync(blogFile))
	collect(t, h.engine, 1)

	require.NoError(t, h.engine.Sync(projFile))
	h.engine.Quit()
	h.engine.Quit()

	time.Sleep(60 * time.Millisecond)
	_, ok := <-h.engine.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, h.engine.Sync(projFile), ErrClosed)

	conns := h.dialer.Conns()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].Closed())
}

func TestKeepalivePingsPooledConnections(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Sync(projFile))
	collect(t, h.engine, 1)

	h.engine.Keepalive(t.Context())
	assert.Equal(t, 1, h.dialer.Conns()[0].Pings())
}
