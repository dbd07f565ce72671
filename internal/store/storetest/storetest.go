// Package storetest holds a conformance suite shared by store backends.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/store"
)

var base = time.Date(2025, 8, 4, 7, 0, 0, 0, time.UTC)

// Run exercises s against the store.Store contract. s must be empty and
// have its schema ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		e, err := event.New(event.KindBreastfeeding, base)
		require.NoError(t, err)
		e, err = event.Amend(e, map[string]any{"side": "left", "ml": 30, "note": "sleepy", "ok": true})
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, e))

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.Kind, got.Kind)
		assert.Equal(t, event.StatusOpen, got.Status)
		assert.True(t, got.StartedAt.Equal(e.StartedAt))
		assert.Nil(t, got.EndedAt)
		assert.Equal(t, "left", got.Metadata["side"])
		assert.Equal(t, float64(30), got.Metadata["ml"])
		assert.Equal(t, true, got.Metadata["ok"])

		open, ok, err := s.GetOpen(ctx, event.KindBreastfeeding)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e.ID, open.ID)

		closed, err := event.Close(got, base.Add(20*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, closed))
		_, ok, err = s.GetOpen(ctx, event.KindBreastfeeding)
		require.NoError(t, err)
		assert.False(t, ok, "closed event must not be reported open")
	})

	t.Run("SecondOpenPerKindRejected", func(t *testing.T) {
		a, _ := event.New(event.KindNap, base)
		require.NoError(t, s.Put(ctx, a))
		b, _ := event.New(event.KindNap, base.Add(time.Minute))
		err := s.Put(ctx, b)
		require.Error(t, err)
		assert.True(t, errors.Is(err, event.ErrAlreadyOpen), "got %v", err)

		got, ok, err := s.GetOpen(ctx, event.KindNap)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.ID, got.ID)

		c, _ := event.Close(a, base.Add(time.Hour))
		require.NoError(t, s.Put(ctx, c))
		// the slot is free again once closed
		require.NoError(t, s.Put(ctx, b))
		cb, _ := event.Close(b, base.Add(2*time.Hour))
		require.NoError(t, s.Put(ctx, cb))
	})

	t.Run("ListPendingChronological", func(t *testing.T) {
		pending, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, pending)
		for i := 1; i < len(pending); i++ {
			assert.False(t, pending[i].StartedAt.Before(pending[i-1].StartedAt), "pending out of order at %d", i)
		}
		for _, e := range pending {
			assert.Equal(t, event.StatusClosed, e.Status)
		}
	})

	t.Run("NoRegression", func(t *testing.T) {
		e, _ := event.New(event.KindNap, base.Add(3*time.Hour))
		c, _ := event.Close(e, base.Add(4*time.Hour))
		f, _ := event.MarkFlushed(c, base.Add(4*time.Hour))
		require.NoError(t, s.Put(ctx, f))
		err := s.Put(ctx, c)
		assert.True(t, errors.Is(err, store.ErrRegression), "got %v", err)
		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusFlushed, got.Status)
	})

	t.Run("FlushedArchiveAndEvict", func(t *testing.T) {
		e, _ := event.New(event.KindBreastfeeding, base.Add(5*time.Hour))
		c, _ := event.Close(e, base.Add(5*time.Hour+15*time.Minute))
		require.NoError(t, s.Put(ctx, c))

		flushed, err := s.IsFlushed(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, flushed)

		err = s.Evict(ctx, c.ID)
		assert.True(t, errors.Is(err, store.ErrNotEvictable), "got %v", err)

		f, _ := event.MarkFlushed(c, base.Add(6*time.Hour))
		require.NoError(t, s.Put(ctx, f))
		flushed, err = s.IsFlushed(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, flushed)

		old, err := s.ListFlushedBefore(ctx, base.Add(6*time.Hour))
		require.NoError(t, err)
		for _, o := range old {
			assert.NotEqual(t, c.ID, o.ID, "grace period not honored")
		}
		old, err = s.ListFlushedBefore(ctx, base.Add(7*time.Hour))
		require.NoError(t, err)
		assert.Contains(t, ids(old), c.ID)

		n, err := store.Sweep(ctx, s, time.Hour, base.Add(8*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		_, err = s.Get(ctx, c.ID)
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		assert.True(t, errors.Is(s.Evict(ctx, c.ID), store.ErrNotFound))
	})

	t.Run("Snapshot", func(t *testing.T) {
		open, _ := event.New(event.KindNap, base.Add(9*time.Hour))
		require.NoError(t, s.Put(ctx, open))
		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids(snap.Open), open.ID)
		for _, e := range snap.Open {
			assert.Equal(t, event.StatusOpen, e.Status)
		}
		for _, e := range snap.Pending {
			assert.Equal(t, event.StatusClosed, e.Status)
			assert.NotContains(t, ids(snap.Open), e.ID)
		}
	})

	t.Run("InvalidEventRejected", func(t *testing.T) {
		err := s.Put(ctx, event.Event{ID: "x", Kind: "pee", Status: event.StatusOpen, StartedAt: base})
		assert.True(t, errors.Is(err, event.ErrInvalidKind), "got %v", err)
	})
}

func ids(es []event.Event) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}
