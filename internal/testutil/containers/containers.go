// Package containers starts disposable backing services for integration
// tests. Every helper terminates its container when the test ends.
package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func terminateOnCleanup(tb testing.TB, name string, c testcontainers.Container) {
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			tb.Errorf("terminate %s container: %v", name, err)
		}
	})
}

// generic starts image and returns host:port of its first exposed port.
func generic(tb testing.TB, name string, req testcontainers.ContainerRequest) string {
	tb.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		tb.Fatalf("start %s container: %v", name, err)
	}
	terminateOnCleanup(tb, name, c)

	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("%s host: %v", name, err)
	}
	port, err := c.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	if err != nil {
		tb.Fatalf("%s mapped port: %v", name, err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// retry calls fn until it succeeds or the deadline passes.
func retry(ctx context.Context, within time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(within)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return lastErr
}

// Postgres starts Postgres with pgvector installed and returns its DSN.
func Postgres(tb testing.TB) string {
	tb.Helper()
	ctx := context.Background()
	c, err := postgres.Run(ctx, "pgvector/pgvector:pg18",
		postgres.WithDatabase("memory_sync"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	terminateOnCleanup(tb, "postgres", c)

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil || dsn == "" {
		tb.Fatalf("postgres connection string: %q %v", dsn, err)
	}
	err = retry(ctx, 20*time.Second, func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return conn.Ping(ctx)
	})
	if err != nil {
		tb.Fatalf("postgres not ready: %v", err)
	}
	return dsn
}

// Mongo starts MongoDB and returns its connection URI.
func Mongo(tb testing.TB) string {
	tb.Helper()
	ctx := context.Background()
	c, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	terminateOnCleanup(tb, "mongodb", c)

	uri, err := c.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("mongodb connection string: %v", err)
	}
	return uri
}

// Qdrant starts Qdrant and returns its gRPC host:port.
func Qdrant(tb testing.TB) string {
	return generic(tb, "qdrant", testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:latest",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	})
}

// Redis starts Redis and returns a redis:// URL.
func Redis(tb testing.TB) string {
	addr := generic(tb, "redis", testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	})
	return "redis://" + addr
}

// NATS starts a NATS server with JetStream enabled and returns a nats:// URL.
func NATS(tb testing.TB) string {
	addr := generic(tb, "nats", testcontainers.ContainerRequest{
		Image:        "nats:2",
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
	})
	return "nats://" + addr
}

// Infinispan holds the RESP endpoint of an Infinispan server.
type Infinispan struct {
	Host     string
	Username string
	Password string
}

// StartInfinispan starts Infinispan with its RESP connector and waits until
// it answers PING.
func StartInfinispan(tb testing.TB) Infinispan {
	tb.Helper()
	ispn := Infinispan{Username: "admin", Password: "password"}
	ispn.Host = generic(tb, "infinispan", testcontainers.ContainerRequest{
		Image:        "quay.io/infinispan/server:15.2",
		ExposedPorts: []string{"11222/tcp"},
		Env:          map[string]string{"USER": ispn.Username, "PASS": ispn.Password},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("11222/tcp"),
			wait.ForLog("Started connector Resp"),
		).WithDeadline(90 * time.Second),
	})

	// no RESP3 HELLO support
	client := goredis.NewClient(&goredis.Options{
		Addr:     ispn.Host,
		Username: ispn.Username,
		Password: ispn.Password,
		Protocol: 2,
	})
	defer client.Close()
	err := retry(context.Background(), 60*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		tb.Fatalf("infinispan RESP not ready: %v", err)
	}
	return ispn
}
