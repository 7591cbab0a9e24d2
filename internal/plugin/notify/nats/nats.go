// Package nats publishes outbound events to a NATS JetStream stream on the
// subject <prefix>.<kind>.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/model"
	registrynotify "github.com/chirino/memory-sync/internal/registry/notify"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "nats",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Publisher, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || strings.TrimSpace(cfg.NATSURL) == "" {
		return nil, fmt.Errorf("nats notifier: MEMORY_SYNC_NATS_URL is required")
	}
	return Connect(ctx, cfg.NATSURL, cfg.NATSStream, cfg.NotifySubjectPrefix)
}

// Connect dials NATS and makes sure the stream capturing prefix.> exists.
func Connect(ctx context.Context, url, stream, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("memory-sync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats notifier: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats notifier: jetstream: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats notifier: ensure stream %s: %w", stream, err)
	}
	log.Info("NATS notifier connected", "url", nc.ConnectedUrlRedacted(), "stream", stream)
	return &Publisher{nc: nc, js: js, prefix: prefix}, nil
}

// Publisher publishes events to JetStream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// Subject returns the subject events of kind are published on.
func (p *Publisher) Subject(kind model.EventKind) string {
	return p.prefix + "." + string(kind)
}

func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats notifier: marshal: %w", err)
	}
	if _, err := p.js.Publish(ctx, p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("nats notifier: publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.nc.Drain()
}

var _ registrynotify.Publisher = (*Publisher)(nil)
