package runlog_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flitsinc/runledger/internal/idgen"
	"github.com/flitsinc/runledger/internal/runlog"
	"github.com/flitsinc/runledger/internal/runlog/runlogtest"
)

func TestMongoStoreConformance(t *testing.T) {
	uri := os.Getenv("RUNLEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RUNLEDGER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	collection := "agent_runs_" + idgen.New()
	store, err := runlog.NewMongoStore(ctx, runlog.MongoOptions{Client: client, Database: "runledger_test", Collection: collection})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Database("runledger_test").Collection(collection).Drop(context.Background()) })

	runlogtest.Run(t, store, idgen.New)
}

func TestNewMongoStoreValidatesOptions(t *testing.T) {
	_, err := runlog.NewMongoStore(context.Background(), runlog.MongoOptions{})
	require.Error(t, err)
}
