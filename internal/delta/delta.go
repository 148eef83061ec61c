// Package delta remembers, per thread, which input messages were already
// handed to a run so each new run only receives the messages it has not seen.
package delta

import (
	"context"
	"fmt"
	"sync"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runlog"
)

// Tracker holds the seen-set of every thread it was asked about. A thread's
// set is rebuilt from the store the first time it is used, then only grows.
type Tracker struct {
	store runlog.Store

	mu     sync.Mutex
	seen   map[string]map[string]struct{}
	loaded map[string]bool
}

// NewTracker returns a tracker backed by store. A nil store starts every
// thread with an empty seen-set.
func NewTracker(store runlog.Store) *Tracker {
	return &Tracker{
		store:  store,
		seen:   map[string]map[string]struct{}{},
		loaded: map[string]bool{},
	}
}

// Delta returns the messages of full whose id is not yet in the thread's
// seen-set, keeping their order.
func (t *Tracker) Delta(ctx context.Context, threadID string, full []events.Message) ([]events.Message, error) {
	if err := t.load(ctx, threadID); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := t.seen[threadID]
	out := make([]events.Message, 0, len(full))
	for _, m := range full {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkSeen adds the ids of msgs to the thread's seen-set.
func (t *Tracker) MarkSeen(threadID string, msgs []events.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(threadID, msgs)
}

// Seen reports whether id was already delivered on the thread.
func (t *Tracker) Seen(threadID, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[threadID][id]
	return ok
}

func (t *Tracker) markLocked(threadID string, msgs []events.Message) {
	set := t.seen[threadID]
	if set == nil {
		set = map[string]struct{}{}
		t.seen[threadID] = set
	}
	for _, m := range msgs {
		if m.ID != "" {
			set[m.ID] = struct{}{}
		}
	}
}

// load rebuilds the thread's seen-set from the RUN_STARTED inputs of every
// persisted run. The store is read without holding the lock; ids marked in the
// meantime are kept because the union is order independent.
func (t *Tracker) load(ctx context.Context, threadID string) error {
	t.mu.Lock()
	done := t.loaded[threadID] || t.store == nil
	t.mu.Unlock()
	if done {
		return nil
	}

	runs, err := t.store.ListRuns(ctx, threadID)
	if err != nil {
		return fmt.Errorf("rebuild seen messages: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded[threadID] {
		return nil
	}
	for _, rec := range runs {
		for _, e := range rec.Events {
			if e.Type == events.RunStarted && e.Input != nil {
				t.markLocked(threadID, e.Input.Messages)
			}
		}
	}
	t.loaded[threadID] = true
	return nil
}
