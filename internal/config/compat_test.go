package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyCompatFromEnv(t *testing.T) {
	t.Setenv("MEMORY_SYNC_CACHE_TTL", "PT2H")
	t.Setenv("MEMORY_SYNC_CACHE_LOCAL_MAX_COST", "12M")
	t.Setenv("MEMORY_SYNC_EMBEDDING_DEBOUNCE", "250ms")
	t.Setenv("MEMORY_SYNC_EMBEDDING_RATE_LIMIT", "2.5")
	t.Setenv("MEMORY_SYNC_CONFLICT_AUTO_THRESHOLD", "0.8")
	t.Setenv("MEMORY_SYNC_CONFLICT_SUPERSEDE_IN_FLIGHT", "false")
	t.Setenv("MEMORY_SYNC_MERGE_VERIFICATION", "false")
	t.Setenv("MEMORY_SYNC_CORS_ENABLED", "true")
	t.Setenv("MEMORY_SYNC_VECTOR_QDRANT_PORT", "7443")
	t.Setenv("MEMORY_SYNC_VECTOR_QDRANT_HOST", "qdrant.example")

	cfg := DefaultConfig()
	err := cfg.ApplyCompatFromEnv()
	require.NoError(t, err)

	require.Equal(t, 2*time.Hour, cfg.CacheTTL)
	require.Equal(t, int64(12*1024*1024), cfg.CacheLocalMaxCost)
	require.Equal(t, 250*time.Millisecond, cfg.EmbeddingDebounce)
	require.Equal(t, 2.5, cfg.EmbeddingRateLimit)
	require.Equal(t, 0.8, cfg.ConflictAutoThreshold)
	require.False(t, cfg.SupersedeInFlight)
	require.False(t, cfg.MergeVerification)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, "qdrant.example", cfg.QdrantHost)
	require.Equal(t, 7443, cfg.QdrantPort)
}

func TestApplyCompatFromEnv_RejectsInvertedThresholds(t *testing.T) {
	t.Setenv("MEMORY_SYNC_CONFLICT_HIGH_THRESHOLD", "0.95")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyCompatFromEnv())
}

func TestApplyCompatFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("MEMORY_SYNC_EMBEDDING_RETRY_MAX", "soon")
	cfg := DefaultConfig()
	require.ErrorContains(t, cfg.ApplyCompatFromEnv(), "MEMORY_SYNC_EMBEDDING_RETRY_MAX")
}

func TestQdrantAddress_Defaults(t *testing.T) {
	var cfg Config
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesPortFromHostWhenProvided(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QdrantHost = "localhost:7443"
	cfg.QdrantPort = 6334

	require.Equal(t, "localhost:7443", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesHostPortFromURLWhenProvided(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QdrantHost = "http://localhost:9443"
	cfg.QdrantPort = 6334

	require.Equal(t, "localhost:9443", cfg.QdrantAddress())
}

func TestParseDuration(t *testing.T) {
	for raw, want := range map[string]time.Duration{
		"30s":     30 * time.Second,
		"PT1H30M": 90 * time.Minute,
		"pt45s":   45 * time.Second,
	} {
		got, err := parseDuration(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"PT", "P1D", "PTH", "PT0S", "later"} {
		_, err := parseDuration(raw)
		require.Error(t, err, raw)
	}
}

func TestParseMemorySize(t *testing.T) {
	for raw, want := range map[string]int64{
		"512": 512,
		"64k": 64 << 10,
		"2MB": 2 << 20,
		"1G":  1 << 30,
		"10B": 10,
	} {
		got, err := parseMemorySize(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := parseMemorySize("-1K")
	require.Error(t, err)
}
