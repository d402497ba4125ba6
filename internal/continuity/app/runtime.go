package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mirrowen/afterglow/internal/continuity/storage"
	"github.com/mirrowen/afterglow/internal/continuity/storage/sqlite"
	"github.com/mirrowen/afterglow/internal/telemetry"
)

// RuntimeConfig controls continuity service startup.
type RuntimeConfig struct {
	Port   int
	DBPath string
}

const (
	defaultContinuityPort = 8093
	defaultContinuityDB   = "data/continuity.db"
)

// Run starts the continuity runtime: it opens the store, wires the service,
// and serves a gRPC health endpoint until the context is cancelled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultContinuityPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultContinuityDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create continuity storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open continuity sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close continuity sqlite store: %v", closeErr)
		}
	}()

	service, err := NewService(store, store, WithTelemetry(telemetry.NewEmitter(store)))
	if err != nil {
		return fmt.Errorf("build continuity service: %w", err)
	}

	blocked, err := service.ListQueues(ctx, storage.ListQueuesRequest{Filter: "pending_count > 0"})
	if err != nil {
		return fmt.Errorf("inspect moderation queues: %w", err)
	}
	log.Printf("continuity store ready, %d session(s) awaiting moderation", len(blocked.Queues))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on continuity port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("continuity.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("continuity server listening at %v", listener.Addr())
	<-ctx.Done()
	return ctx.Err()
}
