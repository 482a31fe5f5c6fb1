package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the per-file sync state shown to the editor.
type Status int

const (
	None    Status = -1
	OK      Status = 0
	Sending Status = 1
	Error   Status = 2
)

func (s Status) String() string {
	switch s {
	case None:
		return "NONE"
	case OK:
		return "OK"
	case Sending:
		return "SENDING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType tells a status transition apart from a printed result message.
type EventType string

const (
	EventStatus EventType = "status"
	EventResult EventType = "result"
)

// Event is a single notification flowing from the engine to the host.
type Event struct {
	Type    EventType     `json:"type"`
	File    string        `json:"file,omitempty"`
	Status  Status        `json:"status"`
	Server  string        `json:"server,omitempty"`
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	At      time.Time     `json:"at"`
}

// Reporter renders events to the user. Implementations are only ever called
// from the goroutine running Drain.
type Reporter interface {
	SetStatus(file string, s Status)
	Report(success bool, message string)
}

// Drain forwards events to r until the channel closes or ctx is done.
func Drain(ctx context.Context, events <-chan Event, r Reporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			Dispatch(ev, r)
		}
	}
}

// Dispatch hands one event to the matching Reporter method.
func Dispatch(ev Event, r Reporter) {
	switch ev.Type {
	case EventStatus:
		r.SetStatus(ev.File, ev.Status)
	case EventResult:
		r.Report(ev.Success, ev.Message)
	}
}

// Tracker holds the current status of every file the engine has touched.
type Tracker struct {
	mu    sync.RWMutex
	files map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{files: make(map[string]Status)}
}

// Set records s for file and reports whether the value changed.
func (t *Tracker) Set(file string, s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.files[file]
	if !ok {
		prev = None
	}
	t.files[file] = s
	return prev != s
}

// Get returns None for files never synced.
func (t *Tracker) Get(file string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.files[file]; ok {
		return s
	}
	return None
}

// Files returns tracked paths in sorted order.
func (t *Tracker) Files() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.files))
	for f := range t.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ResetAll moves every file that is not already None back to None and
// returns the paths that changed.
func (t *Tracker) ResetAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var changed []string
	for f, s := range t.files {
		if s != None {
			changed = append(changed, f)
		}
		t.files[f] = None
	}
	sort.Strings(changed)
	return changed
}
