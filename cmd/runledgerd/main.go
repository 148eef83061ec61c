package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel"
	"goa.design/clue/log"

	"github.com/flitsinc/runledger/internal/agents"
	"github.com/flitsinc/runledger/internal/api"
	"github.com/flitsinc/runledger/internal/config"
	"github.com/flitsinc/runledger/internal/delta"
	"github.com/flitsinc/runledger/internal/eventbus"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runner"
	"github.com/flitsinc/runledger/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx := log.Context(context.Background(), log.WithFormat(logFormat(cfg.LogFormat)))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	fatal := func(err error, msg string) {
		log.Error(ctx, err, log.KV{K: "msg", V: msg})
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fatal(err, "open store")
	}
	defer closeStore()

	bus := eventbus.NewBus(eventbus.WithBuffer(cfg.SubscriberBuffer))
	coord := runner.New(store,
		runner.WithTracker(delta.NewTracker(store)),
		runner.WithBus(bus),
		runner.WithMeter(otel.Meter("github.com/flitsinc/runledger")),
	)

	apiServer := &api.Server{
		Coordinator: coord,
		Store:       store,
		Bus:         bus,
		Agents:      agents.DefaultRegistry(),
		LogContext:  ctx,
		StartedAt:   time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		fatal(err, "listen")
	}

	serverCtx, serverCancel := context.WithCancel(ctx)
	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "runledgerd listening"}, log.KV{K: "addr", V: listener.Addr().String()}, log.KV{K: "store", V: cfg.Store})
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(err, "http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info(ctx, log.KV{K: "msg", V: "shutting down"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stopping the runs first ends the streaming responses, so Shutdown
	// does not wait on them.
	if err := coord.Close(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "coordinator shutdown"})
	}
	serverCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "server shutdown"})
	}
	_ = httpServer.Close()
}

func logFormat(name string) log.FormatFunc {
	switch name {
	case "json":
		return log.FormatJSON
	case "terminal":
		return log.FormatTerminal
	default:
		return log.FormatText
	}
}

// openStore builds the run store cfg selects and returns its cleanup.
func openStore(ctx context.Context, cfg config.Config) (runlog.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return runlog.NewMemoryStore(), func() {}, nil

	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		store, err := runlog.NewRedisStore(rdb, cfg.RedisPrefix)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return store, func() { _ = rdb.Close() }, nil

	case config.StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		store, err := runlog.NewMongoStore(ctx, runlog.MongoOptions{
			Client:     client,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		return store, disconnect, nil

	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := state.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		return state.NewStore(db), func() { _ = db.Close() }, nil
	}
}
