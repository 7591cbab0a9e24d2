package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the replication service.
type Config struct {
	// Database
	DBURL          string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Operation log backend type
	OpLogType string // "memory", "sqlite", "postgres", or "mongo"

	// Run operation log migrations on startup.
	OpLogMigrateAtStart bool

	// SQLite database file used by the sqlite operation log.
	SQLitePath string

	// Mongo database holding the operation log.
	MongoDatabase string

	// Redis
	RedisURL string

	// Infinispan, reached over RESP through go-redis
	InfinispanHost           string // host:port (e.g. "localhost:11222")
	InfinispanUsername       string
	InfinispanPassword       string
	InfinispanStartupTimeout time.Duration

	// Snapshot cache backend type
	CacheType string // "none", "local", "redis", or "infinispan"

	// Snapshot cache TTL.
	CacheTTL time.Duration

	// Upper bound of the local cache, in bytes of cached views.
	CacheLocalMaxCost int64

	// Notification backend type
	NotifyType string // "log", "nats", or "redis"

	// Subject / channel prefix for published events.
	NotifySubjectPrefix string

	// NATS
	NATSURL    string
	NATSStream string

	// Vector store type
	VectorType string // "pgvector", "qdrant", or "" (disabled)

	// Run vector migrations on startup.
	VectorMigrateAtStart bool

	// Qdrant
	QdrantHost             string
	QdrantPort             int
	QdrantCollectionPrefix string
	QdrantCollectionName   string
	QdrantAPIKey           string
	QdrantUseTLS           bool
	QdrantStartupTimeout   time.Duration

	// Embedding type
	EmbedType string // "none", "local", or "openai"

	// Vector length of the local feature-hashing embedder.
	EmbedLocalDimension int

	// OpenAI
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=memory-sync".
	MetricsLabels string

	// PrometheusURL is queried by the admin stats endpoints.
	PrometheusURL string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or MEMORY_SYNC_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// Field merges re-check idempotence and commutativity before committing.
	MergeVerification bool

	// Relationship causal delivery.
	CausalBufferTimeout time.Duration
	CausalSweepInterval time.Duration
	OTHistoryLimit      int

	// Embedding pipeline.
	EmbeddingDebounce        time.Duration
	EmbeddingMaxLag          time.Duration
	EmbeddingMaxLagOps       int
	EmbeddingMaxInFlight     int
	EmbeddingRateLimit       float64
	EmbeddingRateBurst       int
	EmbeddingRetryInitial    time.Duration
	EmbeddingRetryMax        time.Duration
	EmbeddingBreakerFailures int
	EmbeddingBreakerTimeout  time.Duration

	// Conflict coordination.
	ConflictAutoThreshold  float64
	ConflictHighThreshold  float64
	ConflictMediumStrategy string
	// ConflictPolicyFile is a Rego file picking conflict strategies; empty
	// uses the built-in policy.
	ConflictPolicyFile string
	ResolutionTimeout  time.Duration
	SupersedeInFlight  bool

	// Operation log compaction.
	CompactionInterval   time.Duration
	CompactionMinRecords int
	PurgeDeletedMemories bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBMaxOpenConns:           25,
		DBMaxIdleConns:           5,
		OpLogType:                "memory",
		OpLogMigrateAtStart:      true,
		SQLitePath:               "memory-sync.db",
		MongoDatabase:            "memory_sync",
		InfinispanStartupTimeout: 30 * time.Second,
		CacheType:                "none",
		CacheTTL:                 10 * time.Minute,
		CacheLocalMaxCost:        64 * 1024 * 1024,
		NotifyType:               "log",
		NotifySubjectPrefix:      "memory-sync",
		NATSStream:               "MEMORY_SYNC",
		VectorType:               "",
		VectorMigrateAtStart:     true,
		QdrantHost:               "localhost",
		QdrantPort:               6334,
		QdrantCollectionPrefix:   "memory-sync",
		QdrantStartupTimeout:     30 * time.Second,
		EmbedType:                "local",
		EmbedLocalDimension:      384,
		OpenAIModelName:          "text-embedding-3-small",
		OpenAIBaseURL:            "https://api.openai.com/v1",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:              4 * 1024 * 1024,
		DrainTimeout:             30,
		MergeVerification:        true,
		CausalBufferTimeout:      10 * time.Second,
		CausalSweepInterval:      time.Second,
		OTHistoryLimit:           1000,
		EmbeddingDebounce:        500 * time.Millisecond,
		EmbeddingMaxLag:          30 * time.Second,
		EmbeddingMaxLagOps:       50,
		EmbeddingMaxInFlight:     4,
		EmbeddingRateBurst:       1,
		EmbeddingRetryInitial:    time.Second,
		EmbeddingRetryMax:        time.Minute,
		EmbeddingBreakerFailures: 5,
		EmbeddingBreakerTimeout:  30 * time.Second,
		ConflictAutoThreshold:    0.9,
		ConflictHighThreshold:    0.5,
		ConflictMediumStrategy:   "strength-priority",
		ResolutionTimeout:        30 * time.Second,
		SupersedeInFlight:        true,
		CompactionInterval:       10 * time.Minute,
		CompactionMinRecords:     10000,
		PurgeDeletedMemories:     true,
	}
}
