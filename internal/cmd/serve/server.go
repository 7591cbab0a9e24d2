package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/metrics"
	_ "github.com/chirino/memory-sync/internal/plugin/route/admin"
	_ "github.com/chirino/memory-sync/internal/plugin/route/conflicts"
	_ "github.com/chirino/memory-sync/internal/plugin/route/memories"
	_ "github.com/chirino/memory-sync/internal/plugin/route/operations"
	routesystem "github.com/chirino/memory-sync/internal/plugin/route/system"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryroute "github.com/chirino/memory-sync/internal/registry/route"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Replica         *replica.Replica
	Router          *gin.Engine
	GRPCServer      *grpc.Server
	Health          *health.Server
	Running         *RunningServers
	plugins         *plugins
	stopReplica     context.CancelFunc
	replicaDone     chan error
	closeManagement func(context.Context) error
}

// Shutdown stops accepting traffic, then stops the replica and its plugins.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Health.Shutdown()
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)

	s.stopReplica()
	select {
	case rerr := <-s.replicaDone:
		if rerr != nil && !errors.Is(rerr, context.Canceled) {
			log.Error("Replica stopped with error", "err", rerr)
		}
	case <-ctx.Done():
		log.Warn("Replica did not stop before the drain timeout")
	}
	s.Replica.Close()
	return errors.Join(err, s.plugins.Close())
}

// StartServer replays the op log into a replica and starts HTTP+gRPC on a
// single port. Use cfg.Listener.Port=0 for a random port. Actual port:
// Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting memory sync replica",
		"httpPort", cfg.Listener.Port,
		"oplog", cfg.OpLogType,
		"cache", cfg.CacheType,
		"notify", cfg.NotifyType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
	)

	metricsLabels, err := metrics.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	metrics.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	p, err := loadPlugins(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rep, err := replica.New(p.opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if _, err := rep.Recover(ctx); err != nil {
		rep.Close()
		_ = p.Close()
		return nil, fmt.Errorf("failed to replay op log: %w", err)
	}
	replicaCtx, stopReplica := context.WithCancel(context.WithoutCancel(ctx))
	replicaDone := make(chan error, 1)
	go func() { replicaDone <- rep.Start(replicaCtx) }()

	fail := func(err error) (*Server, error) {
		stopReplica()
		<-replicaDone
		rep.Close()
		_ = p.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(metrics.AccessLogMiddleware())
	} else {
		router.Use(metrics.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(metrics.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	deps := registryroute.Deps{Replica: rep, Config: cfg, Policy: p.policy}
	if err := registryroute.Mount(router, registryroute.Main, deps); err != nil {
		return fail(err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Management routes run on their own listener when a management port is
	// configured, otherwise on the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(metrics.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter, registryroute.Management, deps); err != nil {
			return fail(err)
		}
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return fail(fmt.Errorf("failed to start management server: %w", err))
		}
	} else {
		if err := registryroute.Mount(router, registryroute.Management, deps); err != nil {
			return fail(err)
		}
	}

	running, err := StartSinglePortHTTPAndGRPC(ctx, cfg.Listener, router, grpcServer)
	if err != nil {
		if closeManagement != nil {
			_ = closeManagement(ctx)
		}
		return fail(err)
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
		"head", rep.Head(),
	)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Replica:         rep,
		Router:          router,
		GRPCServer:      grpcServer,
		Health:          healthServer,
		Running:         running,
		plugins:         p,
		stopReplica:     stopReplica,
		replicaDone:     replicaDone,
		closeManagement: closeManagement,
	}, nil
}
