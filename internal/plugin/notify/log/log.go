// Package log publishes outbound events to the service log. It is the
// default notifier when no broker is configured.
package log

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/model"
	registrynotify "github.com/chirino/memory-sync/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "log",
		Loader: func(ctx context.Context) (registrynotify.Publisher, error) {
			return logPublisher{}, nil
		},
	})
}

type logPublisher struct{}

func (logPublisher) Publish(_ context.Context, ev model.Event) error {
	log.Debug("Notify", "kind", ev.Kind, "documentId", ev.DocumentID, "bytes", len(ev.Payload))
	return nil
}

func (logPublisher) Close() error { return nil }

var _ registrynotify.Publisher = logPublisher{}
