package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	routesystem "github.com/chirino/memory-sync/internal/plugin/route/system"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	registryembed "github.com/chirino/memory-sync/internal/registry/embed"
	registrynotify "github.com/chirino/memory-sync/internal/registry/notify"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/memory-sync/internal/plugin/cache/infinispan"
	_ "github.com/chirino/memory-sync/internal/plugin/cache/local"
	_ "github.com/chirino/memory-sync/internal/plugin/cache/noop"
	_ "github.com/chirino/memory-sync/internal/plugin/cache/redis"
	_ "github.com/chirino/memory-sync/internal/plugin/embed/disabled"
	_ "github.com/chirino/memory-sync/internal/plugin/embed/local"
	_ "github.com/chirino/memory-sync/internal/plugin/embed/openai"
	_ "github.com/chirino/memory-sync/internal/plugin/notify/log"
	_ "github.com/chirino/memory-sync/internal/plugin/notify/nats"
	_ "github.com/chirino/memory-sync/internal/plugin/notify/redis"
	_ "github.com/chirino/memory-sync/internal/plugin/oplog/memory"
	_ "github.com/chirino/memory-sync/internal/plugin/oplog/mongo"
	_ "github.com/chirino/memory-sync/internal/plugin/oplog/postgres"
	_ "github.com/chirino/memory-sync/internal/plugin/oplog/sqlite"
	_ "github.com/chirino/memory-sync/internal/plugin/vector/pgvector"
	_ "github.com/chirino/memory-sync/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Replay the operation log and start the replica's HTTP and gRPC servers",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyCompatFromEnv(); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

// OpLogFlags are shared by every command that opens the operation log.
func OpLogFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "oplog-kind",
			Category:    "Operation Log:",
			Sources:     cli.EnvVars("MEMORY_SYNC_OPLOG_KIND"),
			Destination: &cfg.OpLogType,
			Value:       cfg.OpLogType,
			Usage:       "Operation log backend (" + strings.Join(registryoplog.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Operation Log:",
			Sources:     cli.EnvVars("MEMORY_SYNC_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL for the postgres and mongo op logs",
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Category:    "Operation Log:",
			Sources:     cli.EnvVars("MEMORY_SYNC_SQLITE_PATH"),
			Destination: &cfg.SQLitePath,
			Value:       cfg.SQLitePath,
			Usage:       "SQLite file for the sqlite op log",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Operation Log:",
			Sources:     cli.EnvVars("MEMORY_SYNC_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Operation Log:",
			Sources:     cli.EnvVars("MEMORY_SYNC_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	fs := []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SYNC_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SYNC_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SYNC_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SYNC_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests and resolutions on shutdown",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SYNC_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SYNC_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SYNC_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c + gRPC",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SYNC_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2 + gRPC",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SYNC_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SYNC_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SYNC_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},
	}
	fs = append(fs, OpLogFlags(cfg)...)
	return append(fs,

		// ── Snapshot Cache ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Snapshot Cache:",
			Sources:     cli.EnvVars("MEMORY_SYNC_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Snapshot cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-hosts",
			Category:    "Snapshot Cache:",
			Sources:     cli.EnvVars("MEMORY_SYNC_REDIS_HOSTS"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL (snapshot cache and redis notifications)",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Snapshot Cache:",
			Sources:     cli.EnvVars("MEMORY_SYNC_INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan RESP host:port (e.g. localhost:11222)",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Snapshot Cache:",
			Sources:     cli.EnvVars("MEMORY_SYNC_INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Snapshot Cache:",
			Sources:     cli.EnvVars("MEMORY_SYNC_INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},

		// ── Notifications ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "notify-kind",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("MEMORY_SYNC_NOTIFY_KIND"),
			Destination: &cfg.NotifyType,
			Value:       cfg.NotifyType,
			Usage:       "Outbound event publisher (" + strings.Join(registrynotify.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "nats-url",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("MEMORY_SYNC_NATS_URL", "NATS_URL"),
			Destination: &cfg.NATSURL,
			Usage:       "NATS server URL for the nats publisher",
		},

		// ── Vector Store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SYNC_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "Vector store (" + strings.Join(registryvector.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SYNC_VECTOR_QDRANT_HOST", "MEMORY_SYNC_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantAddress(),
			Usage:       "Qdrant host or host:port",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SYNC_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SYNC_EMBEDDING_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.DurationFlag{
			Name:        "embedding-max-lag",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SYNC_EMBEDDING_MAX_LAG"),
			Destination: &cfg.EmbeddingMaxLag,
			Value:       cfg.EmbeddingMaxLag,
			Usage:       "Longest an embedding may lag its memory's content",
		},

		// ── Replication ───────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "causal-buffer-timeout",
			Category:    "Replication:",
			Sources:     cli.EnvVars("MEMORY_SYNC_CAUSAL_BUFFER_TIMEOUT"),
			Destination: &cfg.CausalBufferTimeout,
			Value:       cfg.CausalBufferTimeout,
			Usage:       "How long a relationship operation waits for its CREATE",
		},
		&cli.DurationFlag{
			Name:        "resolution-timeout",
			Category:    "Replication:",
			Sources:     cli.EnvVars("MEMORY_SYNC_RESOLUTION_TIMEOUT"),
			Destination: &cfg.ResolutionTimeout,
			Value:       cfg.ResolutionTimeout,
			Usage:       "Deadline of one conflict resolution before it falls back",
		},
		&cli.StringFlag{
			Name:        "conflict-medium-strategy",
			Category:    "Replication:",
			Sources:     cli.EnvVars("MEMORY_SYNC_CONFLICT_MEDIUM_STRATEGY"),
			Destination: &cfg.ConflictMediumStrategy,
			Value:       cfg.ConflictMediumStrategy,
			Usage:       "Strategy for medium severity conflicts (strength-priority|user-priority)",
		},
		&cli.StringFlag{
			Name:        "conflict-policy",
			Category:    "Replication:",
			Sources:     cli.EnvVars("MEMORY_SYNC_CONFLICT_POLICY"),
			Destination: &cfg.ConflictPolicyFile,
			Usage:       "Rego policy file selecting conflict resolution strategies",
		},
		&cli.DurationFlag{
			Name:        "compaction-interval",
			Category:    "Replication:",
			Sources:     cli.EnvVars("MEMORY_SYNC_COMPACTION_INTERVAL"),
			Destination: &cfg.CompactionInterval,
			Value:       cfg.CompactionInterval,
			Usage:       "Interval between op log compaction checks (0 disables)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "prometheus-url",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MEMORY_SYNC_PROMETHEUS_URL"),
			Destination: &cfg.PrometheusURL,
			Usage:       "Prometheus base URL for admin stats (e.g. http://prometheus:9090)",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MEMORY_SYNC_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=memory-sync",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	)
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")
	routesystem.MarkNotReady()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
