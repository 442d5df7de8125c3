package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtr002/render-queue/internal/app"
	"github.com/mtr002/render-queue/internal/config"
	"github.com/mtr002/render-queue/internal/grpc"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/nats"
)

func main() {
	cfg, err := config.Load(os.Getenv("RENDERQ_CONFIG"))
	if err != nil {
		logger.Init("worker-service", "", "")
		logger.Logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init("worker-service", cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Invalid config")
	}
	if cfg.Database.Driver == "memory" {
		logger.Logger.Fatal().Msg("The worker needs a shared job store; use the postgres driver or the API's embedded workers")
	}

	logger.Logger.Info().Int("workers", cfg.Queue.WorkerCount).Msg("Starting Worker Service")

	stores, err := app.OpenStores(cfg)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to open job store")
	}
	defer stores.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	objects, err := app.OpenObjectStore(ctx, cfg)
	cancel()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to open object store")
	}
	defer objects.Close()

	var opts []jobs.Option
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		natsClient, err = nats.NewClient(cfg.NATS.URL, "worker-service")
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create NATS client")
		}
		defer natsClient.Close()
		opts = append(opts, jobs.WithEvents(natsClient))
	}

	manager := app.NewManager(cfg, stores, opts...)

	dispatcher, err := app.NewDispatcher(cfg, stores.Content, objects)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to build job handlers")
	}
	pool := app.NewPool(cfg, manager, dispatcher)
	manager.SetNotifier(pool)

	var natsServer *nats.Server
	if cfg.NATS.Enabled {
		natsServer, err = nats.NewServer(cfg.NATS.URL, "worker-service-wake")
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create NATS subscriber")
		}
		defer natsServer.Close()
		if err := natsServer.SubscribeWake(pool.Wake); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to subscribe to wake hints")
		}
		logger.Logger.Info().Str("url", cfg.NATS.URL).Msg("NATS wake subscriber started")
	}

	pool.Start()

	health := grpc.NewHealthServer(manager, 10*time.Second)
	go func() {
		if err := health.Serve(cfg.GRPC.Port); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to serve gRPC health")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Queue.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Logger.Info().Msg("Shutting down gracefully...")
	health.Stop()
	pool.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Logger.Info().Msg("Worker Service stopped")
}
