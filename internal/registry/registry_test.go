// ABOUTME: Tests for the channel registry
// ABOUTME: Covers creation, lookup, unknown ids, id collisions, stats, and concurrent creates

package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mailbox/internal/idgen"
	"github.com/2389/coven-mailbox/internal/mailbox"
)

func newTestRegistry(ids idgen.Generator) *Registry {
	return New(Config{
		IDs:         ids,
		HoldTimeout: time.Minute,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

type nopResponder struct{}

func (nopResponder) Complete(mailbox.Reply) {}

func TestCreateThenGet(t *testing.T) {
	r := newTestRegistry(nil)

	id := r.Create()
	assert.Len(t, id, idgen.DefaultLength)

	mb, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, mb.ID())
	assert.Equal(t, mailbox.StateIdle, mb.Snapshot().State)

	again, err := r.Get(id)
	require.NoError(t, err)
	assert.Same(t, mb, again)
}

func TestGet_UnknownChannel(t *testing.T) {
	r := newTestRegistry(nil)
	r.Create()

	mb, err := r.Get("never-created")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Nil(t, mb)
}

func TestCreate_UsesGenerator(t *testing.T) {
	var n int
	r := newTestRegistry(idgen.GeneratorFunc(func() string {
		n++
		return []string{"A", "B"}[n-1]
	}))

	assert.Equal(t, "A", r.Create())
	assert.Equal(t, "B", r.Create())
	assert.Equal(t, 2, r.Len())
}

func TestCreate_RegeneratesOnCollision(t *testing.T) {
	seq := []string{"dup", "dup", "fresh"}
	var i int
	r := newTestRegistry(idgen.GeneratorFunc(func() string {
		id := seq[i]
		i++
		return id
	}))

	first := r.Create()
	second := r.Create()
	assert.Equal(t, "dup", first)
	assert.Equal(t, "fresh", second)
	assert.Equal(t, 2, r.Len())
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := newTestRegistry(nil)
	b := newTestRegistry(nil)

	id := a.Create()
	_, err := b.Get(id)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestStats(t *testing.T) {
	r := newTestRegistry(nil)

	idle := r.Create()
	waiting := r.Create()
	backlogged := r.Create()
	_ = idle

	mb, err := r.Get(waiting)
	require.NoError(t, err)
	mb.Attach(nopResponder{})

	mb, err = r.Get(backlogged)
	require.NoError(t, err)
	mb.Deliver(mailbox.NewCommand("Open"))
	mb.Deliver(mailbox.NewCommand("Open"))

	stats := r.Stats()
	assert.Equal(t, Stats{Channels: 3, Idle: 1, Waiting: 1, Backlogged: 1, Pending: 2}, stats)
}

func TestCreate_Concurrent(t *testing.T) {
	r := newTestRegistry(nil)

	const workers = 50
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			ids <- r.Create()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
		_, err := r.Get(id)
		assert.NoError(t, err)
	}
	assert.Equal(t, workers, r.Len())
}
