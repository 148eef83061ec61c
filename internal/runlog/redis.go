package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "runledger:"

// RedisStore keeps each run record as one JSON value and indexes the runs of
// a thread in a sorted set scored by creation time (microseconds).
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) runKey(threadID, runID string) string {
	return s.prefix + "run:" + threadID + ":" + runID
}

func (s *RedisStore) indexKey(threadID string) string {
	return s.prefix + "thread:" + threadID + ":runs"
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	score, err := s.rdb.ZScore(ctx, s.indexKey(rec.ThreadID), rec.RunID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		score = float64(rec.CreatedAt.UnixMicro())
	case err != nil:
		return fmt.Errorf("load run score: %w", err)
	default:
		rec.CreatedAt = time.UnixMicro(int64(score)).UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(rec.ThreadID, rec.RunID), data, 0)
		pipe.ZAddNX(ctx, s.indexKey(rec.ThreadID), redis.Z{Score: score, Member: rec.RunID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	return nil
}

func (s *RedisStore) ListRuns(ctx context.Context, threadID string) ([]Record, error) {
	runIDs, err := s.rdb.ZRange(ctx, s.indexKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(runIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(runIDs))
	for _, id := range runIDs {
		keys = append(keys, s.runKey(threadID, id))
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	out := make([]Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Indexed but missing: the value was evicted or deleted out of band.
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", runIDs[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) LastRun(ctx context.Context, threadID string) (Record, bool, error) {
	runIDs, err := s.rdb.ZRevRange(ctx, s.indexKey(threadID), 0, 0).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("find last run: %w", err)
	}
	if len(runIDs) == 0 {
		return Record{}, false, nil
	}
	data, err := s.rdb.Get(ctx, s.runKey(threadID, runIDs[0])).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load last run: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode run %s: %w", runIDs[0], err)
	}
	return rec, true, nil
}
