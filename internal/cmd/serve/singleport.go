package serve

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/chirino/memory-sync/internal/config"
	"google.golang.org/grpc"
)

// RunningServers is the main listener carrying both the HTTP API and gRPC.
type RunningServers struct {
	Addr       net.Addr
	Port       int
	GRPCServer *grpc.Server
	Close      func(ctx context.Context) error
}

// StartSinglePortHTTPAndGRPC serves httpHandler and grpcServer on one port.
// HTTP/2 requests with a gRPC content type go to grpcServer.
func StartSinglePortHTTPAndGRPC(_ context.Context, cfg config.ListenerConfig, httpHandler http.Handler, grpcServer *grpc.Server) (*RunningServers, error) {
	s, err := listenMuxed("server", cfg, grpcOrHTTPHandler(grpcServer, httpHandler))
	if err != nil {
		return nil, err
	}
	stopGRPC := func(ctx context.Context) {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}
	return &RunningServers{
		Addr:       s.Addr(),
		Port:       s.Port(),
		GRPCServer: grpcServer,
		Close:      func(ctx context.Context) error { return s.shutdown(ctx, stopGRPC) },
	}, nil
}

func grpcOrHTTPHandler(grpcServer *grpc.Server, httpHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
}
