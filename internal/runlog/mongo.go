package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flitsinc/runledger/internal/events"
)

const (
	defaultMongoCollection = "agent_runs"
	defaultMongoTimeout    = 5 * time.Second
)

type (
	MongoOptions struct {
		Client     *mongo.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// MongoStore keeps one document per run. Writes are single-document
	// upserts, which MongoDB applies atomically.
	MongoStore struct {
		coll    *mongo.Collection
		timeout time.Duration
	}

	runDocument struct {
		ID        string    `bson:"_id"`
		ThreadID  string    `bson:"thread_id"`
		RunID     string    `bson:"run_id"`
		Events    []byte    `bson:"events"`
		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultMongoCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	s := &MongoStore{
		coll:    opts.Client.Database(opts.Database).Collection(name),
		timeout: timeout,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create agent_runs index: %w", err)
	}
	return s, nil
}

func mongoID(threadID, runID string) string {
	return threadID + "/" + runID
}

func (s *MongoStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Check(); err != nil {
		return err
	}
	data, err := events.Encode(rec.Events)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: mongoID(rec.ThreadID, rec.RunID)}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "events", Value: data},
				{Key: "updated_at", Value: now},
			}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "thread_id", Value: rec.ThreadID},
				{Key: "run_id", Value: rec.RunID},
				{Key: "created_at", Value: createdAt.UTC()},
			}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert run record: %w", err)
	}
	return nil
}

func (s *MongoStore) ListRuns(ctx context.Context, threadID string) (out []Record, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx,
		bson.D{{Key: "thread_id", Value: threadID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode run document: %w", err)
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *MongoStore) LastRun(ctx context.Context, threadID string) (Record, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := s.coll.FindOne(ctx,
		bson.D{{Key: "thread_id", Value: threadID}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("find last run: %w", err)
	}
	rec, err := doc.record()
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (d runDocument) record() (Record, error) {
	list, err := events.Decode(d.Events)
	if err != nil {
		return Record{}, fmt.Errorf("run %s: %w", d.RunID, err)
	}
	return Record{ThreadID: d.ThreadID, RunID: d.RunID, Events: list, CreatedAt: d.CreatedAt.UTC()}, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
