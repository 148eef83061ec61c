// Package runlogtest holds the behaviour every runlog.Store backend must share.
package runlogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runlog"
)

// Run exercises store against the runlog.Store contract. newThread must return
// a thread id that no other test has used, so backends shared between test
// runs stay isolated.
func Run(t *testing.T, store runlog.Store, newThread func() string) {
	t.Helper()

	t.Run("empty thread", func(t *testing.T) {
		ctx := context.Background()
		thread := newThread()
		runs, err := store.ListRuns(ctx, thread)
		require.NoError(t, err)
		require.Empty(t, runs)
		_, ok, err := store.LastRun(ctx, thread)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("put replaces and keeps created_at", func(t *testing.T) {
		ctx := context.Background()
		thread := newThread()
		created := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

		rec := runlog.Record{ThreadID: thread, RunID: "run-1", CreatedAt: created, Events: []events.Event{
			events.NewRunStarted(events.RunInput{ThreadID: thread, RunID: "run-1"}),
		}}
		require.NoError(t, store.Put(ctx, rec))

		rec.Events = append(rec.Events, events.NewTextMessageStart("m1", "assistant"))
		rec.CreatedAt = time.Time{}
		require.NoError(t, store.Put(ctx, rec))

		got, ok, err := store.LastRun(ctx, thread)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "run-1", got.RunID)
		require.Len(t, got.Events, 2)
		require.Equal(t, events.TextMessageStart, got.Events[1].Type)
		require.WithinDuration(t, created, got.CreatedAt, time.Millisecond)

		runs, err := store.ListRuns(ctx, thread)
		require.NoError(t, err)
		require.Len(t, runs, 1)
	})

	t.Run("ordered by creation", func(t *testing.T) {
		ctx := context.Background()
		thread := newThread()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 3; i >= 1; i-- {
			runID := fmt.Sprintf("run-%d", i)
			require.NoError(t, store.Put(ctx, runlog.Record{
				ThreadID:  thread,
				RunID:     runID,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
				Events:    []events.Event{events.NewRunStarted(events.RunInput{ThreadID: thread, RunID: runID})},
			}))
		}
		runs, err := store.ListRuns(ctx, thread)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		for i, rec := range runs {
			require.Equal(t, fmt.Sprintf("run-%d", i+1), rec.RunID)
		}
		last, ok, err := store.LastRun(ctx, thread)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "run-3", last.RunID)
	})

	t.Run("threads are isolated", func(t *testing.T) {
		ctx := context.Background()
		a, b := newThread(), newThread()
		require.NoError(t, store.Put(ctx, runlog.Record{ThreadID: a, RunID: "run-a"}))
		runs, err := store.ListRuns(ctx, b)
		require.NoError(t, err)
		require.Empty(t, runs)
	})

	t.Run("rejects missing ids", func(t *testing.T) {
		ctx := context.Background()
		require.ErrorIs(t, store.Put(ctx, runlog.Record{RunID: "r"}), runlog.ErrInvalidRecord)
		require.ErrorIs(t, store.Put(ctx, runlog.Record{ThreadID: newThread()}), runlog.ErrInvalidRecord)
	})

	t.Run("concurrent writers on distinct keys", func(t *testing.T) {
		ctx := context.Background()
		var wg sync.WaitGroup
		threads := make([]string, 8)
		for i := range threads {
			threads[i] = newThread()
		}
		for _, thread := range threads {
			wg.Add(1)
			go func(thread string) {
				defer wg.Done()
				list := []events.Event{events.NewRunStarted(events.RunInput{ThreadID: thread, RunID: "run"})}
				for j := 0; j < 10; j++ {
					list = append(list, events.Event{Type: events.Custom, Name: fmt.Sprintf("e%d", j)})
					if err := store.Put(ctx, runlog.Record{ThreadID: thread, RunID: "run", Events: list}); err != nil {
						t.Errorf("put %s: %v", thread, err)
						return
					}
				}
			}(thread)
		}
		wg.Wait()
		for _, thread := range threads {
			rec, ok, err := store.LastRun(ctx, thread)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, rec.Events, 11)
			require.Equal(t, thread, rec.Events[0].ThreadID)
		}
	})
}
