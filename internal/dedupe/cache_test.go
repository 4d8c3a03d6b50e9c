// ABOUTME: Tests for the idempotency key window
// ABOUTME: Validates TTL expiry, size-bound eviction, sweeping, and atomic check-and-record

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindow(ttl time.Duration, size int) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return newWindow(ttl, size, clock.Now), clock
}

func TestWindow_FirstSeenThenDuplicate(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen("chan:key-1"))
	assert.True(t, w.Seen("chan:key-1"))
	assert.False(t, w.Seen("chan:key-2"))
	assert.Equal(t, 2, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen("k"))
	clock.Advance(59 * time.Second)
	assert.True(t, w.Seen("k"), "still inside the window")

	clock.Advance(2 * time.Second)
	assert.False(t, w.Seen("k"), "expired key is recorded again")
	assert.True(t, w.Seen("k"))
}

func TestWindow_DuplicateDoesNotExtend(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)

	w.Seen("k")
	clock.Advance(40 * time.Second)
	assert.True(t, w.Seen("k"))
	clock.Advance(30 * time.Second)
	assert.False(t, w.Seen("k"), "window is measured from first sighting")
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	w, clock := newTestWindow(time.Hour, 3)

	for _, k := range []string{"first", "second", "third"} {
		w.Seen(k)
		clock.Advance(time.Second)
	}
	w.Seen("fourth")

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("first"), "oldest key should have been evicted")
	// Re-recording "first" evicted "second".
	assert.True(t, w.Seen("third"))
	assert.True(t, w.Seen("fourth"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)

	w.Seen("old-1")
	w.Seen("old-2")
	clock.Advance(30 * time.Second)
	w.Seen("young")
	clock.Advance(40 * time.Second)

	w.sweep()
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("young"))
}

func TestWindow_ConcurrentSameKey(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 100)

	const workers = 100
	var winners int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if !w.Seen("contested") {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestWindow_ConcurrentManyKeys(t *testing.T) {
	w := New(time.Minute, 50)
	defer w.Close()

	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Seen(fmt.Sprintf("k-%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, w.Len(), 50)
}

func TestWindow_CloseIdempotent(t *testing.T) {
	w := New(time.Minute, 10)
	w.Close()
	w.Close()
}
