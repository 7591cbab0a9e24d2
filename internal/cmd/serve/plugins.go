package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/conflict/policy"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	registryembed "github.com/chirino/memory-sync/internal/registry/embed"
	registrynotify "github.com/chirino/memory-sync/internal/registry/notify"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/chirino/memory-sync/internal/replica"
)

// OpenLog opens the configured operation log.
func OpenLog(ctx context.Context, cfg *config.Config) (registryoplog.Log, error) {
	loader, err := registryoplog.Select(cfg.OpLogType)
	if err != nil {
		return nil, err
	}
	l, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s op log: %w", cfg.OpLogType, err)
	}
	return l, nil
}

// plugins holds everything loaded for one replica, so it can be closed.
type plugins struct {
	opts   replica.Options
	policy *policy.Engine
}

func (p *plugins) Close() error {
	var errs []error
	if p.opts.Publisher != nil {
		errs = append(errs, p.opts.Publisher.Close())
	}
	if p.opts.Vector != nil {
		errs = append(errs, p.opts.Vector.Close())
	}
	if p.opts.Log != nil {
		errs = append(errs, p.opts.Log.Close())
	}
	return errors.Join(errs...)
}

// loadPlugins resolves the replica's collaborators from the registries.
// Only the op log is required; the others degrade to disabled with a
// warning.
func loadPlugins(ctx context.Context, cfg *config.Config) (*plugins, error) {
	opts, err := replica.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	p := &plugins{opts: opts}

	if p.policy, err = policy.New(ctx, cfg.ConflictPolicyFile, opts.Conflicts.MediumStrategy); err != nil {
		return nil, err
	}
	p.opts.Conflicts.Policy = p.policy

	if p.opts.Log, err = OpenLog(ctx, cfg); err != nil {
		return nil, err
	}

	if loader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if c, err := loader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		p.opts.Cache = c
	}

	if loader, err := registrynotify.Select(cfg.NotifyType); err != nil {
		log.Warn("Publisher not available", "notify", cfg.NotifyType, "err", err)
	} else if pub, err := loader(ctx); err != nil {
		log.Warn("Failed to initialize publisher", "notify", cfg.NotifyType, "err", err)
	} else {
		p.opts.Publisher = pub
	}

	if cfg.EmbedType != "" && cfg.EmbedType != "none" {
		loader, err := registryembed.Select(cfg.EmbedType)
		if err != nil {
			log.Warn("Embedder not available", "err", err)
		} else if p.opts.Embedder, err = loader(ctx); err != nil {
			log.Warn("Failed to initialize embedder", "err", err)
		}
	}
	if cfg.VectorType != "" && cfg.VectorType != "none" {
		if p.opts.Embedder == nil {
			_ = p.Close()
			return nil, fmt.Errorf("vector store %q requires an embedding provider: set --embedding-kind to a value other than 'none'", cfg.VectorType)
		}
		loader, err := registryvector.Select(cfg.VectorType)
		if err != nil {
			log.Warn("Vector store not available", "err", err)
		} else if p.opts.Vector, err = loader(ctx); err != nil {
			log.Warn("Failed to initialize vector store", "err", err)
		}
	}
	return p, nil
}
