package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	statuses []Status
	messages []string
}

func (r *recorder) SetStatus(file string, s Status) { r.statuses = append(r.statuses, s) }
func (r *recorder) Report(success bool, msg string) { r.messages = append(r.messages, msg) }

func TestStatusValues(t *testing.T) {
	assert.Equal(t, -1, int(None))
	assert.Equal(t, 0, int(OK))
	assert.Equal(t, 1, int(Sending))
	assert.Equal(t, 2, int(Error))
	assert.Equal(t, "SENDING", Sending.String())

	b, err := Error.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ERROR", string(b))
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, None, tr.Get("/a"))

	assert.True(t, tr.Set("/a", Sending))
	assert.False(t, tr.Set("/a", Sending))
	assert.True(t, tr.Set("/a", OK))
	tr.Set("/b", Error)
	assert.Equal(t, []string{"/a", "/b"}, tr.Files())

	changed := tr.ResetAll()
	assert.Equal(t, []string{"/a", "/b"}, changed)
	assert.Equal(t, None, tr.Get("/a"))
	assert.Empty(t, tr.ResetAll())
}

func TestDrainStopsOnClose(t *testing.T) {
	ch := make(chan Event, 3)
	ch <- Event{Type: EventStatus, File: "/a", Status: Sending}
	ch <- Event{Type: EventStatus, File: "/a", Status: OK}
	ch <- Event{Type: EventResult, Success: true, Message: "prod -> OK (0.10s)"}
	close(ch)

	r := &recorder{}
	Drain(context.Background(), ch, r)

	assert.Equal(t, []Status{Sending, OK}, r.statuses)
	assert.Equal(t, []string{"prod -> OK (0.10s)"}, r.messages)
}
