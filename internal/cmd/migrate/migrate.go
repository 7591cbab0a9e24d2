package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/cmd/serve"
	"github.com/chirino/memory-sync/internal/config"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	"github.com/urfave/cli/v3"
)

// Command returns the migrate sub-command. The serve package imports every
// plugin, which registers their migrators.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	flags := serve.OpLogFlags(&cfg)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "vector-kind",
			Sources:     cli.EnvVars("MEMORY_SYNC_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Usage:       "Vector store to migrate (pgvector|qdrant)",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Sources:     cli.EnvVars("MEMORY_SYNC_VECTOR_QDRANT_HOST", "MEMORY_SYNC_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       "localhost:6334",
			Usage:       "Qdrant host:port",
		},
	)
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run op log and vector store migrations",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyCompatFromEnv(); err != nil {
				return err
			}
			cfg.OpLogMigrateAtStart = true
			cfg.VectorMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "oplog", cfg.OpLogType, "vector", cfg.VectorType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
