package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/metrics"
)

// Config tunes the pool.
type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	// OutcomeTimeout bounds the store update after a job finishes.
	OutcomeTimeout time.Duration
}

// Pool runs WorkerCount workers. Each worker claims one job at a time from
// the store, so jobs run concurrently across workers and serially within one.
type Pool struct {
	manager        *jobs.Manager
	processor      JobProcessor
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	workerCount    int
	pollInterval   time.Duration
	outcomeTimeout time.Duration
	instance       string

	mu      sync.Mutex
	wakeCh  chan struct{}
	started bool
}

var _ jobs.Notifier = (*Pool)(nil)

// NewPool creates a new worker pool with database polling
func NewPool(manager *jobs.Manager, processor JobProcessor, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.OutcomeTimeout <= 0 {
		cfg.OutcomeTimeout = 30 * time.Second
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		manager:        manager,
		processor:      processor,
		workerCount:    cfg.WorkerCount,
		pollInterval:   cfg.PollInterval,
		outcomeTimeout: cfg.OutcomeTimeout,
		instance:       fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		ctx:            ctx,
		cancel:         cancel,
		wakeCh:         make(chan struct{}),
	}
}

// Start begins processing jobs with the specified number of workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	logger.Logger.Info().
		Int("worker_count", p.workerCount).
		Str("instance", p.instance).
		Dur("poll_interval", p.pollInterval).
		Msg("Starting worker pool")
	metrics.ActiveWorkers.Set(float64(p.workerCount))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("%s/%d", p.instance, i))
	}
}

// Stop cancels running handlers and waits for the workers to record outcomes
func (p *Pool) Stop() {
	logger.Logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	metrics.ActiveWorkers.Set(0)
	logger.Logger.Info().Msg("Worker pool stopped")
}

// Wake makes idle workers poll now instead of at the next tick.
func (p *Pool) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.wakeCh)
	p.wakeCh = make(chan struct{})
}

// Notify implements jobs.Notifier
func (p *Pool) Notify() { p.Wake() }

func (p *Pool) wakeSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakeCh
}

// worker claims jobs until none is eligible, then waits for a tick or a wake
func (p *Pool) worker(workerID string) {
	defer p.wg.Done()

	log := logger.WithWorkerID(workerID)
	log.Info().Msg("Worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		wake := p.wakeSignal()

		for p.ctx.Err() == nil {
			job, err := p.manager.ClaimNext(p.ctx, workerID)
			if err != nil {
				if p.ctx.Err() == nil {
					log.Error().Err(err).Msg("Error claiming job")
				}
				break
			}
			if job == nil {
				break
			}
			p.processJob(workerID, job)
		}

		select {
		case <-p.ctx.Done():
			log.Info().Msg("Worker shutting down")
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// processJob runs the handler for a claimed job and records the outcome
func (p *Pool) processJob(workerID string, job *interfaces.Job) {
	startTime := time.Now()
	log := logger.WithJobID(job.ID)
	log.Info().
		Str("worker_id", workerID).
		Str("type", string(job.Type)).
		Int("retry_count", job.RetryCount).
		Int("max_retries", job.MaxRetries).
		Msg("Processing job")

	metrics.BusyWorkers.Inc()
	outcome, err := p.run(job)
	metrics.BusyWorkers.Dec()
	metrics.JobProcessingDuration.WithLabelValues(string(job.Type)).Observe(time.Since(startTime).Seconds())

	// Outcomes are recorded even while the pool is stopping.
	ctx, cancel := context.WithTimeout(context.Background(), p.outcomeTimeout)
	defer cancel()

	if err == nil {
		var result json.RawMessage
		if outcome != nil && outcome.Result != nil {
			result, err = json.Marshal(outcome.Result)
			if err != nil {
				err = fmt.Errorf("failed to encode result: %w", err)
			}
		}
		if err == nil {
			warning := ""
			if outcome != nil {
				warning = outcome.Warning
			}
			if updateErr := p.manager.UpdateJobCompleted(ctx, job, result, warning); updateErr != nil {
				logUpdateErr(log, workerID, updateErr, "Failed to update job as completed")
			}
			return
		}
	}

	if p.ctx.Err() != nil && !jobs.IsTransient(err) {
		err = jobs.Transient(fmt.Errorf("interrupted by worker shutdown: %w", err))
	}
	if updateErr := p.manager.UpdateJobFailed(ctx, job, err); updateErr != nil {
		logUpdateErr(log, workerID, updateErr, "Failed to update failed job")
	}
}

// logUpdateErr downgrades the expected case of a job that was force-cancelled
// while its handler was still running.
func logUpdateErr(log *zerolog.Logger, workerID string, err error, msg string) {
	if errors.Is(err, interfaces.ErrInvalidTransition) {
		log.Warn().Str("worker_id", workerID).Err(err).Msg("Job left processing before its outcome was recorded")
		return
	}
	log.Error().Str("worker_id", workerID).Err(err).Msg(msg)
}

// run calls the processor, turning a panic into an error
func (p *Pool) run(job *interfaces.Job) (outcome *jobs.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithJobID(job.ID).Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Job handler panicked")
			outcome, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.processor.Process(p.ctx, job)
}
