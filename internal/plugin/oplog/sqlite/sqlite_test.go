package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/plugin/oplog/oplogtest"
	"github.com/chirino/memory-sync/internal/plugin/oplog/sqlite"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) registryoplog.Log {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OpLogType = "sqlite"
	cfg.SQLitePath = path
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registryoplog.Select("sqlite")
	require.NoError(t, err)
	l, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLiteLog(t *testing.T) {
	oplogtest.Run(t, func(t *testing.T) registryoplog.Log {
		return open(t, filepath.Join(t.TempDir(), "oplog.db"))
	})
}

func TestSQLiteLogResumesSegmentAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	ctx := context.Background()

	l := open(t, path)
	rec, err := l.Append(ctx, model.OpLogRecord{Component: model.ComponentRelationship, DocumentID: "r1", Operation: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, l.Compact(ctx, model.Snapshot{SequenceNo: rec.SequenceNo, State: []byte(`{}`)}))
	require.NoError(t, l.Close())

	reopened := open(t, path)
	next, err := reopened.Append(ctx, model.OpLogRecord{Component: model.ComponentRelationship, DocumentID: "r1", Operation: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Segment)
	assert.Greater(t, next.SequenceNo, rec.SequenceNo)
}
