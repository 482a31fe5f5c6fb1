package debounce

import (
	"sync"
	"time"
)

type pending struct {
	timer *time.Timer
}

// Debouncer collapses bursts of Schedule calls sharing a key into a single
// execution of the last action, once the delay has elapsed quietly.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pending
	stopped bool
}

func New() *Debouncer {
	return &Debouncer{pending: make(map[string]*pending)}
}

// Schedule cancels any pending action for key and arranges for action to run
// once after delay. The action runs on its own goroutine, outside the lock,
// so it may call Schedule again.
func (d *Debouncer) Schedule(key string, delay time.Duration, action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	p := &pending{}
	p.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		// A replaced timer may still fire if Stop lost the race.
		if cur, ok := d.pending[key]; !ok || cur != p {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()

		action()
	})
	d.pending[key] = p
}

// Cancel drops the pending action for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending returns the number of keys waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all pending actions and rejects further scheduling.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
