package mongo_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/plugin/oplog/mongo"
	"github.com/chirino/memory-sync/internal/plugin/oplog/oplogtest"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"github.com/chirino/memory-sync/internal/testutil/containers"
	"github.com/stretchr/testify/require"
)

func TestMongoLog(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	uri := containers.Mongo(t)
	db := 0
	oplogtest.Run(t, func(t *testing.T) registryoplog.Log {
		db++
		cfg := config.DefaultConfig()
		cfg.OpLogType = "mongo"
		cfg.DBURL = uri
		cfg.MongoDatabase = fmt.Sprintf("oplog_%d", db)
		ctx := config.WithContext(context.Background(), &cfg)

		_ = mongo.ForceImport
		require.NoError(t, registrymigrate.RunAll(ctx))

		loader, err := registryoplog.Select("mongo")
		require.NoError(t, err)
		l, err := loader(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}
