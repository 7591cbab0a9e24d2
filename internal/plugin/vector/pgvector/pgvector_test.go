package pgvector_test

import (
	"context"
	"testing"

	"github.com/chirino/memory-sync/internal/config"
	_ "github.com/chirino/memory-sync/internal/plugin/vector/pgvector"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/chirino/memory-sync/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgvectorStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	cfg := config.DefaultConfig()
	cfg.DBURL = containers.Postgres(t)
	cfg.VectorType = "pgvector"
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	load, err := registryvector.Select("pgvector")
	require.NoError(t, err)
	store, err := load(ctx)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Upsert(ctx, []registryvector.Entry{
		{MemoryID: "M1", Vector: []float32{1, 0, 0}, Model: "m", ContentHash: "h1", Version: 3},
		{MemoryID: "M2", Vector: []float32{0.8, 0.2, 0}, Model: "m", ContentHash: "h2", Version: 1},
		{MemoryID: "M3", Vector: []float32{1, 0, 0}, Model: "other", ContentHash: "h3", Version: 1},
	}))

	t.Run("model and exclusion", func(t *testing.T) {
		hits, err := store.Search(ctx, registryvector.Query{
			Vector: []float32{1, 0, 0}, Model: "m", Exclude: []string{"M1"}, Limit: 5,
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "M2", hits[0].MemoryID)
	})

	t.Run("older version is ignored", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, []registryvector.Entry{
			{MemoryID: "M1", Vector: []float32{0, 0, 1}, Model: "m", ContentHash: "old", Version: 2},
		}))
		hits, err := store.Search(ctx, registryvector.Query{Vector: []float32{1, 0, 0}, Model: "m", Limit: 1})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "M1", hits[0].MemoryID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "M1", "M2"))
		hits, err := store.Search(ctx, registryvector.Query{Vector: []float32{1, 0, 0}, Limit: 5})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "M3", hits[0].MemoryID)
	})
}
