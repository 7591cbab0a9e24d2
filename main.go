package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/cmd/migrate"
	"github.com/chirino/memory-sync/internal/cmd/replay"
	"github.com/chirino/memory-sync/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "memory-sync",
		Usage: "Replication core for a collaborative memory graph",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			replay.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
