package runlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It is not durable; use it for tests
// and for daemons started with store=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	threads map[string]map[string]*memoryEntry
}

type memoryEntry struct {
	rec Record
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: map[string]map[string]*memoryEntry{}}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.threads[rec.ThreadID]
	if runs == nil {
		runs = map[string]*memoryEntry{}
		s.threads[rec.ThreadID] = runs
	}
	if existing, ok := runs[rec.RunID]; ok {
		rec.CreatedAt = existing.rec.CreatedAt
		existing.rec = rec
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.seq++
	runs[rec.RunID] = &memoryEntry{rec: rec, seq: s.seq}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, threadID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*memoryEntry, 0, len(s.threads[threadID]))
	for _, e := range s.threads[threadID] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.Before(b.rec.CreatedAt)
		}
		return a.seq < b.seq
	})
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) LastRun(ctx context.Context, threadID string) (Record, bool, error) {
	runs, err := s.ListRuns(ctx, threadID)
	if err != nil || len(runs) == 0 {
		return Record{}, false, err
	}
	return runs[len(runs)-1], true, nil
}

// Reset drops every stored record.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = map[string]map[string]*memoryEntry{}
}
