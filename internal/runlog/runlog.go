// Package runlog defines the durable store of run records.
//
// A run record holds the full ordered event list of one run of one thread.
// While the run is in flight the coordinator rewrites the whole record after
// every event; readers must never observe a partially written list.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/runledger/internal/events"
)

var ErrInvalidRecord = errors.New("invalid run record")

type (
	// Record is one row of agent_runs.
	Record struct {
		ThreadID  string         `json:"thread_id"`
		RunID     string         `json:"run_id"`
		Events    []events.Event `json:"events"`
		CreatedAt time.Time      `json:"created_at"`
	}

	// Store persists run records keyed by (thread id, run id).
	Store interface {
		// Put replaces the stored record for (rec.ThreadID, rec.RunID)
		// atomically. The creation time of an existing record is kept; a
		// new record with a zero CreatedAt is stamped with the current time.
		Put(ctx context.Context, rec Record) error

		// ListRuns returns the thread's records oldest first.
		ListRuns(ctx context.Context, threadID string) ([]Record, error)

		// LastRun returns the most recently created record of the thread.
		// The boolean is false when the thread has no runs.
		LastRun(ctx context.Context, threadID string) (Record, bool, error)
	}
)

// Check validates the identifying fields of rec.
func (r Record) Check() error {
	if r.ThreadID == "" {
		return fmt.Errorf("thread_id is required: %w", ErrInvalidRecord)
	}
	if r.RunID == "" {
		return fmt.Errorf("run_id is required: %w", ErrInvalidRecord)
	}
	return nil
}

// Input returns the input recorded by the run's RUN_STARTED event, if any.
func (r Record) Input() *events.RunInput {
	for _, e := range r.Events {
		if e.Type == events.RunStarted {
			return e.Input
		}
	}
	return nil
}

// Terminated reports whether the record ends with RUN_FINISHED or RUN_ERROR.
func (r Record) Terminated() bool {
	return len(r.Events) > 0 && events.IsTerminal(r.Events[len(r.Events)-1].Type)
}

// Clone returns a copy of r whose event slice is not shared.
func (r Record) Clone() Record {
	r.Events = events.Clone(r.Events)
	return r
}
