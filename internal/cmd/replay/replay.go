// Package replay implements the replay sub-command, which rebuilds replica
// state from an operation log without serving it.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/cmd/serve"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/ot"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/urfave/cli/v3"
)

// Output is what the command prints.
type Output struct {
	Records       int                   `json:"records"`
	Head          int64                 `json:"head"`
	Took          string                `json:"took"`
	Memories      []crdt.MemoryDocument `json:"memories"`
	Relationships []ot.State            `json:"relationships"`
	Quarantined   []crdt.Quarantined    `json:"quarantined,omitempty"`
}

// Command returns the replay sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var memoryID string
	flags := append(serve.OpLogFlags(&cfg),
		&cli.StringFlag{
			Name:        "memory",
			Usage:       "Print only this memory and its relationships",
			Destination: &memoryID,
		},
	)
	return &cli.Command{
		Name:  "replay",
		Usage: "Rebuild state from the operation log and print it as JSON",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyCompatFromEnv(); err != nil {
				return err
			}
			cfg.OpLogMigrateAtStart = false
			ctx = config.WithContext(ctx, &cfg)
			return Run(ctx, &cfg, memoryID, os.Stdout)
		},
	}
}

// Run replays the configured log and writes the rebuilt state to w.
func Run(ctx context.Context, cfg *config.Config, memoryID string, w io.Writer) error {
	l, err := serve.OpenLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	opts, err := replica.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	start := time.Now()
	rep, n, err := replica.Rebuild(ctx, l, opts)
	if err != nil {
		return fmt.Errorf("replay failed after %d records: %w", n, err)
	}
	defer rep.Close()

	out := Output{
		Records:     n,
		Head:        rep.Head(),
		Took:        time.Since(start).String(),
		Quarantined: rep.Quarantined(),
	}
	if memoryID == "" {
		out.Memories = rep.Documents()
		out.Relationships = rep.Relationships()
	} else {
		doc, err := rep.Store().Snapshot(memoryID)
		if err != nil {
			return err
		}
		out.Memories = []crdt.MemoryDocument{doc}
		out.Relationships = rep.Engine().Relationships(memoryID)
	}
	log.Info("Replay: completed", "records", n, "head", out.Head, "memories", len(out.Memories))

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
