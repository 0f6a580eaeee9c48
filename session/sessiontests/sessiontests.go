// Package sessiontests provides common acceptance tests for session.Store
// implementations.
package sessiontests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dpup/authrelay/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Harness is a store under test plus a way to move its notion of time
// forward. Stores with a fake clock advance it; stores with native expiry
// sleep.
type Harness struct {
	Store   session.Store
	Advance func(d time.Duration)
}

// Clock is a manually advanced clock that is safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run executes the acceptance suite. newHarness is called once per subtest and
// must return an empty store.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Store.Put(ctx, "u1", "tok1", time.Minute))

		got, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "tok1", got)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Store.Put(ctx, "u1", "tok1", time.Minute))
		require.NoError(t, h.Store.Put(ctx, "u1", "tok2", time.Minute))

		got, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "tok2", got, "second put should replace the first")
	})

	t.Run("SubjectsAreIndependent", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Store.Put(ctx, "u1", "tok1", time.Minute))
		require.NoError(t, h.Store.Put(ctx, "u2", "tok2", time.Minute))
		require.NoError(t, h.Store.Delete(ctx, "u2"))

		got, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "tok1", got)
	})

	t.Run("GetAbsent", func(t *testing.T) {
		h := newHarness(t)

		got, ok, err := h.Store.Get(t.Context(), "nobody")
		require.NoError(t, err, "absent records are not an error")
		assert.False(t, ok)
		assert.Empty(t, got)
	})

	t.Run("GetExpired", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Store.Put(ctx, "u1", "tok1", time.Second))
		h.Advance(1100 * time.Millisecond)

		got, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err, "expired records are not an error")
		assert.False(t, ok)
		assert.Empty(t, got)
	})

	t.Run("PutAfterExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Store.Put(ctx, "u1", "tok1", time.Second))
		h.Advance(1100 * time.Millisecond)
		require.NoError(t, h.Store.Put(ctx, "u1", "tok2", time.Minute))

		got, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "tok2", got)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		require.NoError(t, h.Store.Put(ctx, "u1", "tok1", time.Minute))
		require.NoError(t, h.Store.Delete(ctx, "u1"))
		require.NoError(t, h.Store.Delete(ctx, "u1"), "second delete should not fail")
		require.NoError(t, h.Store.Delete(ctx, "never-existed"))

		_, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RejectsInvalidRecords", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		assert.ErrorIs(t, h.Store.Put(ctx, "", "tok", time.Minute), session.ErrInvalidRecord)
		assert.ErrorIs(t, h.Store.Put(ctx, "u1", "", time.Minute), session.ErrInvalidRecord)
		assert.ErrorIs(t, h.Store.Put(ctx, "u1", "tok", 0), session.ErrInvalidRecord)
	})

	t.Run("ConcurrentPutsLeaveOneWinner", func(t *testing.T) {
		h := newHarness(t)
		ctx := t.Context()

		const writers = 16
		tokens := map[string]bool{}
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			tok := fmt.Sprintf("tok-%02d", i)
			tokens[tok] = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- h.Store.Put(ctx, "u1", tok, time.Minute)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, ok, err := h.Store.Get(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tokens[got], "stored token %q should be exactly one of the written tokens", got)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		assert.Error(t, h.Store.Put(ctx, "u1", "tok1", time.Minute))
	})
}
