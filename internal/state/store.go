package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/runledger/internal/events"
	"github.com/flitsinc/runledger/internal/runlog"
)

// Store is the SQLite backed runlog.Store over the agent_runs table.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ runlog.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Put(ctx context.Context, rec runlog.Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	data, err := events.Encode(rec.Events)
	if err != nil {
		return err
	}
	now := s.nowFn()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	// The upsert is a single statement, so readers see either the previous
	// event list or the new one. created_at and the rowid survive updates.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (thread_id, run_id, events, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, run_id) DO UPDATE SET events = excluded.events, updated_at = excluded.updated_at
	`, rec.ThreadID, rec.RunID, string(data), formatTime(createdAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, threadID string) ([]runlog.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, run_id, events, created_at FROM agent_runs
		WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []runlog.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) LastRun(ctx context.Context, threadID string) (runlog.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, run_id, events, created_at FROM agent_runs
		WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, threadID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return runlog.Record{}, false, nil
	}
	if err != nil {
		return runlog.Record{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (runlog.Record, error) {
	var rec runlog.Record
	var eventsStr, createdAtStr string
	if err := row.Scan(&rec.ThreadID, &rec.RunID, &eventsStr, &createdAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan run: %w", err)
	}
	list, err := events.Decode([]byte(eventsStr))
	if err != nil {
		return rec, fmt.Errorf("run %s: %w", rec.RunID, err)
	}
	rec.Events = list
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return rec, fmt.Errorf("run %s: parse created_at: %w", rec.RunID, err)
	}
	rec.CreatedAt = createdAt
	return rec, nil
}

// formatTime uses a fixed-width layout so created_at sorts as text.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
