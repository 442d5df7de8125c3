package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/mtr002/render-queue/internal/logger"
)

// WorkerService is the name workers report their health under.
const WorkerService = "renderq.Worker"

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes the standard gRPC health service for a worker process.
// Status follows the checker: SERVING while it pings, NOT_SERVING otherwise.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	checker  Checker
	interval time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

func NewHealthServer(checker Checker, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &HealthServer{
		server:   srv,
		health:   hs,
		checker:  checker,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Check pings the checker once and updates the reported status.
func (h *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.checker != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := h.checker.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Logger.Warn().Err(err).Msg("Health check failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(WorkerService, status)
	return status
}

// Serve listens on port and blocks until Stop.
func (h *HealthServer) Serve(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return h.ServeListener(lis)
}

func (h *HealthServer) ServeListener(lis net.Listener) error {
	h.Check(context.Background())
	go h.watch()

	logger.Logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	if err := h.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (h *HealthServer) watch() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.Check(context.Background())
		}
	}
}

// Stop marks the worker NOT_SERVING and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.health.Shutdown()
		h.server.GracefulStop()
	})
}
