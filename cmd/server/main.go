package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtr002/render-queue/internal/api"
	"github.com/mtr002/render-queue/internal/app"
	"github.com/mtr002/render-queue/internal/config"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/nats"
	"github.com/mtr002/render-queue/internal/websocket"
	"github.com/mtr002/render-queue/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("RENDERQ_CONFIG"))
	if err != nil {
		logger.Init("api-service", "", "")
		logger.Logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init("api-service", cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Invalid config")
	}

	logger.Logger.Info().Str("driver", cfg.Database.Driver).Msg("Starting render queue API")

	stores, err := app.OpenStores(cfg)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to open job store")
	}
	defer stores.Close()

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	sinks := jobs.MultiSink{hub}
	var waker jobs.Notifier

	var natsClient *nats.Client
	var natsServer *nats.Server
	if cfg.NATS.Enabled {
		natsClient, err = nats.NewClient(cfg.NATS.URL, "api-service")
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create NATS client")
		}
		defer natsClient.Close()
		waker = natsClient

		// Worker processes publish their transitions; relay them to the feed.
		natsServer, err = nats.NewServer(cfg.NATS.URL, "api-service-events")
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create NATS subscriber")
		}
		defer natsServer.Close()
		if err := natsServer.SubscribeEvents(hub); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to subscribe to job events")
		}
		logger.Logger.Info().Str("url", cfg.NATS.URL).Msg("NATS wake and events enabled")
	}

	manager := app.NewManager(cfg, stores, jobs.WithEvents(sinks))
	if waker != nil {
		manager.SetNotifier(waker)
	}

	var pool *worker.Pool
	if cfg.Queue.EmbeddedWorkers {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		objects, err := app.OpenObjectStore(ctx, cfg)
		cancel()
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to open object store")
		}
		defer objects.Close()

		dispatcher, err := app.NewDispatcher(cfg, stores.Content, objects)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to build job handlers")
		}

		pool = app.NewPool(cfg, manager, dispatcher)
		if waker == nil {
			waker = pool
			manager.SetNotifier(pool)
		} else {
			// Wake the local pool directly and the remote workers over NATS.
			notify := jobs.NotifierFunc(func() {
				pool.Wake()
				natsClient.Notify()
			})
			manager.SetNotifier(notify)
			waker = notify
		}
		pool.Start()
	}

	handler := api.NewRouter(api.Deps{
		Manager:          manager,
		Hub:              hub,
		Waker:            waker,
		Service:          "api-service",
		UrgentPriority:   cfg.Queue.UrgentPriority,
		StatsWindowHours: cfg.Queue.StatsWindowHours,
	})
	server := api.NewServer(handler, cfg.Server.Port, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	go func() {
		if err := server.Start(); err != nil {
			logger.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Logger.Info().Msg("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if pool != nil {
		pool.Stop()
	}
	logger.Logger.Info().Msg("Server stopped")
}
