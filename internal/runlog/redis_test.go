package runlog_test

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runledger/internal/idgen"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runlog/runlogtest"
)

func TestRedisStoreConformance(t *testing.T) {
	url := os.Getenv("RUNLEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RUNLEDGER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	store, err := runlog.NewRedisStore(rdb, "runledger-test:"+idgen.New()+":")
	require.NoError(t, err)
	runlogtest.Run(t, store, idgen.New)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := runlog.NewRedisStore(nil, "")
	require.Error(t, err)
}
