// Package app builds the shared collaborators of the server, worker and
// queuectl processes from a loaded config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/mtr002/render-queue/internal/bundle"
	"github.com/mtr002/render-queue/internal/config"
	"github.com/mtr002/render-queue/internal/content"
	"github.com/mtr002/render-queue/internal/db"
	"github.com/mtr002/render-queue/internal/generation"
	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/memstore"
	"github.com/mtr002/render-queue/internal/objectstore"
	"github.com/mtr002/render-queue/internal/pipeline"
	"github.com/mtr002/render-queue/internal/render"
	"github.com/mtr002/render-queue/internal/worker"
)

// Stores holds the job store and the generation content store. Close
// releases the database connection, if any.
type Stores struct {
	Jobs    interfaces.JobStore
	Content content.Store
	DB      *sql.DB
}

func (s *Stores) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}

// OpenStores connects the configured job store driver and runs migrations
// when enabled. The memory driver keeps everything in process.
func OpenStores(cfg *config.Config) (*Stores, error) {
	if cfg.Database.Driver == "memory" {
		logger.Logger.Warn().Msg("Using in-memory job store; jobs are lost on exit")
		return &Stores{Jobs: memstore.New(), Content: content.NewMemory()}, nil
	}

	database, err := db.Connect(db.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnLifetime,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Database.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			database.Close()
			return nil, err
		}
	}

	return &Stores{
		Jobs:    db.NewStore(database),
		Content: db.NewContentStore(database),
		DB:      database,
	}, nil
}

// ManagerConfig maps the queue section onto the manager defaults.
func ManagerConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		DefaultPriority:   cfg.Queue.DefaultPriority,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		RetryBaseDelay:    cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
	}
}

// NewManager builds a manager with the content preflight attached.
func NewManager(cfg *config.Config, stores *Stores, opts ...jobs.Option) *jobs.Manager {
	opts = append([]jobs.Option{jobs.WithPreflight(content.NewPreflight(stores.Content))}, opts...)
	return jobs.NewManager(stores.Jobs, ManagerConfig(cfg), opts...)
}

// ObjectStore is an object store that may hold a connection.
type ObjectStore interface {
	objectstore.Store
	Close() error
}

type memoryObjects struct{ *objectstore.Memory }

func (memoryObjects) Close() error { return nil }

func OpenObjectStore(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.ObjectStore.Driver {
	case "memory":
		return memoryObjects{objectstore.NewMemory()}, nil
	case "redis":
		store, err := objectstore.NewRedis(ctx, objectstore.RedisConfig{
			Addr:     cfg.ObjectStore.RedisAddr,
			Password: cfg.ObjectStore.RedisPassword,
			DB:       cfg.ObjectStore.RedisDB,
			Prefix:   cfg.ObjectStore.Prefix,
			TTL:      cfg.ObjectStore.TTL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.ObjectStore.Driver)
	}
}

// NewDispatcher wires the render pipeline and the content handler.
func NewDispatcher(cfg *config.Config, contentStore content.Store, objects objectstore.Store) (*worker.Dispatcher, error) {
	httpClient := &http.Client{}

	renderer, err := render.NewClient(render.Config{
		BaseURL:           cfg.Render.BaseURL,
		Token:             cfg.Render.Token,
		RequestTimeout:    cfg.Render.RequestTimeout,
		DownloadTimeout:   cfg.Render.DownloadTimeout,
		PollInterval:      cfg.Render.PollInterval,
		PollTimeout:       cfg.Render.PollTimeout,
		RequestsPerSecond: cfg.Render.RequestsPerSecond,
	}, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create render client: %w", err)
	}

	backend, err := generation.New(generation.Config{
		Mock:    cfg.Generation.Mock,
		BaseURL: cfg.Generation.BaseURL,
		APIKey:  cfg.Generation.APIKey,
		ModelID: cfg.Generation.ModelID,
		Timeout: cfg.Generation.Timeout,
	}, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation backend: %w", err)
	}

	renders := pipeline.New(contentStore, bundle.NewBuilder(objects, cfg.Bundle.ImageConcurrency), renderer, objects)
	return &worker.Dispatcher{
		Print:   renders,
		Preview: renders,
		Content: content.NewHandler(contentStore, backend, objects, &http.Client{Timeout: cfg.Generation.Timeout}),
	}, nil
}

// NewPool builds a worker pool from the queue section.
func NewPool(cfg *config.Config, manager *jobs.Manager, processor worker.JobProcessor) *worker.Pool {
	return worker.NewPool(manager, processor, worker.Config{
		WorkerCount:  cfg.Queue.WorkerCount,
		PollInterval: cfg.Queue.PollInterval,
	})
}
