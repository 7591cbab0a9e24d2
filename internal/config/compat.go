package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// envBinding maps one environment variable onto a Config field.
type envBinding struct {
	key   string
	apply func(raw string) error
}

func bind[T any](key string, dest *T, parse func(string) (T, error)) envBinding {
	return envBinding{key: key, apply: func(raw string) error {
		v, err := parse(raw)
		if err != nil {
			return err
		}
		*dest = v
		return nil
	}}
}

func str(key string, dest *string) envBinding {
	return bind(key, dest, func(s string) (string, error) { return s, nil })
}

func integer(key string, dest *int) envBinding { return bind(key, dest, strconv.Atoi) }

func boolean(key string, dest *bool) envBinding { return bind(key, dest, strconv.ParseBool) }

func float(key string, dest *float64) envBinding {
	return bind(key, dest, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func duration(key string, dest *time.Duration) envBinding { return bind(key, dest, parseDuration) }

func size(key string, dest *int64) envBinding { return bind(key, dest, parseMemorySize) }

// envBindings lists the tuning variables that have no serve flag.
func (c *Config) envBindings() []envBinding {
	return []envBinding{
		boolean("MEMORY_SYNC_OPLOG_MIGRATE_AT_START", &c.OpLogMigrateAtStart),
		str("MEMORY_SYNC_MONGO_DATABASE", &c.MongoDatabase),
		duration("MEMORY_SYNC_CAUSAL_SWEEP_INTERVAL", &c.CausalSweepInterval),
		integer("MEMORY_SYNC_OT_HISTORY_LIMIT", &c.OTHistoryLimit),
		boolean("MEMORY_SYNC_MERGE_VERIFICATION", &c.MergeVerification),
		size("MEMORY_SYNC_MAX_BODY_SIZE", &c.MaxBodySize),

		duration("MEMORY_SYNC_CACHE_TTL", &c.CacheTTL),
		size("MEMORY_SYNC_CACHE_LOCAL_MAX_COST", &c.CacheLocalMaxCost),
		duration("MEMORY_SYNC_CACHE_INFINISPAN_STARTUP_TIMEOUT", &c.InfinispanStartupTimeout),

		str("MEMORY_SYNC_NOTIFY_SUBJECT_PREFIX", &c.NotifySubjectPrefix),
		str("MEMORY_SYNC_NATS_STREAM", &c.NATSStream),

		boolean("MEMORY_SYNC_VECTOR_MIGRATE_AT_START", &c.VectorMigrateAtStart),
		str("MEMORY_SYNC_VECTOR_QDRANT_HOST", &c.QdrantHost),
		integer("MEMORY_SYNC_VECTOR_QDRANT_PORT", &c.QdrantPort),
		str("MEMORY_SYNC_VECTOR_QDRANT_COLLECTION_PREFIX", &c.QdrantCollectionPrefix),
		str("MEMORY_SYNC_VECTOR_QDRANT_COLLECTION_NAME", &c.QdrantCollectionName),
		str("MEMORY_SYNC_VECTOR_QDRANT_API_KEY", &c.QdrantAPIKey),
		boolean("MEMORY_SYNC_VECTOR_QDRANT_USE_TLS", &c.QdrantUseTLS),
		duration("MEMORY_SYNC_VECTOR_QDRANT_STARTUP_TIMEOUT", &c.QdrantStartupTimeout),

		integer("MEMORY_SYNC_EMBEDDING_LOCAL_DIMENSION", &c.EmbedLocalDimension),
		str("MEMORY_SYNC_EMBEDDING_OPENAI_MODEL_NAME", &c.OpenAIModelName),
		str("MEMORY_SYNC_EMBEDDING_OPENAI_BASE_URL", &c.OpenAIBaseURL),
		integer("MEMORY_SYNC_EMBEDDING_OPENAI_DIMENSIONS", &c.OpenAIDimensions),
		duration("MEMORY_SYNC_EMBEDDING_DEBOUNCE", &c.EmbeddingDebounce),
		integer("MEMORY_SYNC_EMBEDDING_MAX_LAG_OPS", &c.EmbeddingMaxLagOps),
		integer("MEMORY_SYNC_EMBEDDING_MAX_IN_FLIGHT", &c.EmbeddingMaxInFlight),
		float("MEMORY_SYNC_EMBEDDING_RATE_LIMIT", &c.EmbeddingRateLimit),
		integer("MEMORY_SYNC_EMBEDDING_RATE_BURST", &c.EmbeddingRateBurst),
		duration("MEMORY_SYNC_EMBEDDING_RETRY_INITIAL", &c.EmbeddingRetryInitial),
		duration("MEMORY_SYNC_EMBEDDING_RETRY_MAX", &c.EmbeddingRetryMax),
		integer("MEMORY_SYNC_EMBEDDING_BREAKER_FAILURES", &c.EmbeddingBreakerFailures),
		duration("MEMORY_SYNC_EMBEDDING_BREAKER_TIMEOUT", &c.EmbeddingBreakerTimeout),

		float("MEMORY_SYNC_CONFLICT_AUTO_THRESHOLD", &c.ConflictAutoThreshold),
		float("MEMORY_SYNC_CONFLICT_HIGH_THRESHOLD", &c.ConflictHighThreshold),
		boolean("MEMORY_SYNC_CONFLICT_SUPERSEDE_IN_FLIGHT", &c.SupersedeInFlight),

		integer("MEMORY_SYNC_COMPACTION_MIN_RECORDS", &c.CompactionMinRecords),
		boolean("MEMORY_SYNC_COMPACTION_PURGE_DELETED", &c.PurgeDeletedMemories),

		boolean("MEMORY_SYNC_CORS_ENABLED", &c.CORSEnabled),
		str("MEMORY_SYNC_CORS_ORIGINS", &c.CORSOrigins),
	}
}

// ApplyCompatFromEnv reads tuning environment variables that are not
// represented by dedicated CLI flags in the serve command. Empty variables
// are ignored.
func (c *Config) ApplyCompatFromEnv() error {
	if c == nil {
		return nil
	}
	for _, b := range c.envBindings() {
		raw := strings.TrimSpace(os.Getenv(b.key))
		if raw == "" {
			continue
		}
		if err := b.apply(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", b.key, err)
		}
	}
	if c.ConflictHighThreshold > c.ConflictAutoThreshold {
		return fmt.Errorf("invalid conflict thresholds: high %v must not exceed auto %v", c.ConflictHighThreshold, c.ConflictAutoThreshold)
	}
	return nil
}

// QdrantAddress returns host:port for dialing Qdrant's gRPC port. The host
// may itself carry a port or be a URL.
func (c *Config) QdrantAddress() string {
	host, port := "localhost", 6334
	if c == nil {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	if h := strings.TrimSpace(c.QdrantHost); h != "" {
		host = h
	}
	if c.QdrantPort > 0 {
		port = c.QdrantPort
	}
	if h, p, ok := splitHostPort(host); ok {
		host, port = h, p
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func splitHostPort(raw string) (string, int, bool) {
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.Host
		}
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, false
	}
	p, err := strconv.Atoi(port)
	if err != nil || host == "" {
		return "", 0, false
	}
	return host, p, true
}

// parseDuration accepts Go durations ("30s") and the ISO-8601 time part
// ("PT1H30M").
func parseDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(strings.ToLower(raw)); err == nil {
		return d, nil
	}
	v := strings.ToUpper(raw)
	rest, ok := strings.CutPrefix(v, "PT")
	if !ok || rest == "" {
		return 0, fmt.Errorf("unsupported duration %q", raw)
	}
	units := map[byte]time.Duration{'H': time.Hour, 'M': time.Minute, 'S': time.Second}
	var total time.Duration
	for rest != "" {
		i := strings.IndexAny(rest, "HMS")
		if i <= 0 {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		total += time.Duration(n) * units[rest[i]]
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"KB", 1 << 10}, {"K", 1 << 10},
	{"MB", 1 << 20}, {"M", 1 << 20},
	{"GB", 1 << 30}, {"G", 1 << 30},
	{"B", 1},
}

// parseMemorySize parses byte counts such as "512", "64K" or "1GB".
func parseMemorySize(raw string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	mult := int64(1)
	for _, s := range sizeSuffixes {
		if n, ok := strings.CutSuffix(v, s.suffix); ok {
			v, mult = n, s.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * mult, nil
}
