package delta

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runlog"
)

func msgs(ids ...string) []events.Message {
	out := make([]events.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, events.Message{ID: id, Role: "user", Content: "content " + id})
	}
	return out
}

func TestDeltaSkipsSeenMessages(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil)

	d, err := tr.Delta(ctx, "t1", msgs("a", "b"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, events.MessageIDs(d))
	tr.MarkSeen("t1", d)

	d, err = tr.Delta(ctx, "t1", msgs("a", "b", "c"))
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, events.MessageIDs(d))

	other, err := tr.Delta(ctx, "t2", msgs("a"))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, events.MessageIDs(other))
}

func TestDeltaWithoutMarkSeenRepeats(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil)
	first, _ := tr.Delta(ctx, "t", msgs("a"))
	second, _ := tr.Delta(ctx, "t", msgs("a"))
	require.Equal(t, first, second)
	require.False(t, tr.Seen("t", "a"))
}

func TestTrackerRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	store := runlog.NewMemoryStore()
	for i, ids := range [][]string{{"a", "b"}, {"c"}} {
		runID := fmt.Sprintf("run-%d", i)
		require.NoError(t, store.Put(ctx, runlog.Record{ThreadID: "t", RunID: runID, Events: []events.Event{
			events.NewRunStarted(events.RunInput{ThreadID: "t", RunID: runID, Messages: msgs(ids...)}),
			events.NewRunFinished("t", runID),
		}}))
	}

	tr := NewTracker(store)
	d, err := tr.Delta(ctx, "t", msgs("a", "b", "c", "d"))
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, events.MessageIDs(d))
	require.True(t, tr.Seen("t", "c"))
}

type failingStore struct{ runlog.Store }

func (failingStore) ListRuns(context.Context, string) ([]runlog.Record, error) {
	return nil, errors.New("disk on fire")
}

func TestTrackerSurfacesStoreErrors(t *testing.T) {
	tr := NewTracker(failingStore{})
	_, err := tr.Delta(context.Background(), "t", msgs("a"))
	require.ErrorContains(t, err, "disk on fire")
}

// For monotonically growing histories, each run receives exactly the messages
// added since the previous one.
func TestDeltaMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delta is history n+1 minus history n", prop.ForAll(
		func(growth []int) bool {
			ctx := context.Background()
			tr := NewTracker(nil)
			var history []events.Message
			next := 0
			for _, g := range growth {
				before := len(history)
				for i := 0; i < g; i++ {
					history = append(history, events.Message{ID: fmt.Sprintf("m%d", next)})
					next++
				}
				d, err := tr.Delta(ctx, "t", history)
				if err != nil || len(d) != len(history)-before {
					return false
				}
				for i, m := range d {
					if m.ID != history[before+i].ID {
						return false
					}
				}
				tr.MarkSeen("t", d)
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
