package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCollapsesBurst(t *testing.T) {
	d := New()

	var (
		mu    sync.Mutex
		calls []int
	)
	done := make(chan struct{}, 5)

	for i := 1; i <= 5; i++ {
		arg := i
		d.Schedule("k", 250*time.Millisecond, func() {
			mu.Lock()
			calls = append(calls, arg)
			mu.Unlock()
			done <- struct{}{}
		})
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced action never ran")
	}
	// Give any wrongly surviving timer a chance to fire.
	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5}, calls)
	assert.Equal(t, 0, d.Pending())
}

func TestScheduleDistinctKeysIndependent(t *testing.T) {
	d := New()

	var wg sync.WaitGroup
	var count int32
	wg.Add(2)
	for _, key := range []string{"a", "b"} {
		go d.Schedule(key, 50*time.Millisecond, func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	waitTimeout(t, &wg, 2*time.Second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestActionMayReschedule(t *testing.T) {
	d := New()
	fired := make(chan string, 2)

	d.Schedule("first", 10*time.Millisecond, func() {
		fired <- "first"
		d.Schedule("second", 10*time.Millisecond, func() {
			fired <- "second"
		})
	})

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-fired:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never fired", want)
		}
	}
}

func TestCancelAndStop(t *testing.T) {
	d := New()
	var count int32

	d.Schedule("a", 30*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	d.Schedule("b", 30*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	require.Equal(t, 2, d.Pending())

	d.Cancel("a")
	d.Stop()
	d.Schedule("c", 10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
	assert.Equal(t, 0, d.Pending())
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for actions")
	}
}
