// ABOUTME: TTL window of recently seen idempotency keys for command delivery
// ABOUTME: Lets producers retry a deliver without the command being queued twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sweepInterval is how often expired keys are dropped in the background.
const sweepInterval = time.Minute

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers keys for a fixed TTL, bounded by maxSize. Keys are kept in
// first-seen order so both expiry and eviction pop from the front.
type Window struct {
	mu      sync.Mutex
	keys    map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Window and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Window {
	w := newWindow(ttl, maxSize, time.Now)
	go w.sweepLoop()
	return w
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		keys:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Seen reports whether key was recorded within the TTL. If it was not, the
// key is recorded and Seen returns false; the check and the record are atomic,
// so of several concurrent callers with one key exactly one gets false.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.keys[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		w.order.Remove(el)
		delete(w.keys, key)
	}

	for len(w.keys) >= w.maxSize {
		w.removeFront()
	}
	w.keys[key] = w.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of keys currently held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

// sweep drops expired keys from the front of the order list.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < w.ttl {
			return
		}
		w.removeFront()
	}
}

// removeFront must be called with mu held.
func (w *Window) removeFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.keys, front.Value.(*entry).key)
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (w *Window) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}
