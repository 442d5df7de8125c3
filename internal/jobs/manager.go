package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/metrics"
)

// Preflight checks prerequisites that live outside the payload, such as every
// referenced book having finalized content. A non-nil error rejects the enqueue.
type Preflight interface {
	Check(ctx context.Context, p Payload) error
}

// PreflightFunc adapts a function to Preflight.
type PreflightFunc func(ctx context.Context, p Payload) error

func (f PreflightFunc) Check(ctx context.Context, p Payload) error { return f(ctx, p) }

// Config holds the queue defaults applied by the manager.
type Config struct {
	DefaultPriority   int
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

// EnqueueOptions tunes a single enqueue. Zero values take the manager defaults.
type EnqueueOptions struct {
	Priority           int
	MaxRetries         int
	ScheduledFor       time.Time
	SkipDuplicateCheck bool
}

// EnqueueResult is the outcome of an enqueue. IsDuplicate is set when an
// equivalent pending or processing job already existed.
type EnqueueResult struct {
	JobID       string `json:"jobId"`
	IsDuplicate bool   `json:"isDuplicate"`
}

// JobStats counts jobs per status created within a trailing window.
type JobStats struct {
	WindowHours int                          `json:"window_hours"`
	Counts      map[interfaces.JobStatus]int `json:"counts"`
	Total       int                          `json:"total"`
}

// Manager is the queue client: it owns enqueue, inspection and operator
// actions, and the outcome bookkeeping used by the worker pool.
type Manager struct {
	store     interfaces.JobStore
	cfg       Config
	preflight Preflight
	events    EventSink
	notifier  Notifier
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithPreflight(p Preflight) Option { return func(m *Manager) { m.preflight = p } }
func WithEvents(s EventSink) Option    { return func(m *Manager) { m.events = s } }
func WithNotifier(n Notifier) Option   { return func(m *Manager) { m.notifier = n } }
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new job manager over store
func NewManager(store interfaces.JobStore, cfg Config, opts ...Option) *Manager {
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = PriorityDefault
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Minute
	}

	m := &Manager{
		store:    store,
		cfg:      cfg,
		events:   nopSink{},
		notifier: nopNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNotifier replaces the wake notifier. Used when the pool is built after the manager.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Enqueue validates p and persists a pending job for it, unless an equivalent
// job is already pending or processing.
func (m *Manager) Enqueue(ctx context.Context, p Payload, opts EnqueueOptions) (*EnqueueResult, error) {
	if p == nil {
		return nil, &ValidationError{Field: "payload", Reason: "is required"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if m.preflight != nil {
		if err := m.preflight.Check(ctx, p); err != nil {
			return nil, err
		}
	}

	jobType := p.JobType()
	key := p.DedupKey()

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := m.now()
	job := &interfaces.Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Payload:      raw,
		DedupKey:     key,
		Status:       interfaces.StatusPending,
		Priority:     m.cfg.DefaultPriority,
		MaxRetries:   m.cfg.DefaultMaxRetries,
		ScheduledFor: now,
		CreatedAt:    now,
	}
	if opts.Priority > 0 {
		job.Priority = opts.Priority
	}
	if opts.MaxRetries > 0 {
		job.MaxRetries = opts.MaxRetries
	}
	if !opts.ScheduledFor.IsZero() {
		job.ScheduledFor = opts.ScheduledFor
	}

	if opts.SkipDuplicateCheck {
		if err := m.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		existing, err := m.store.CreateUniqueJob(ctx, job)
		switch {
		case err != nil:
			// Fail open: a store hiccup must not block new work.
			metrics.DedupLookupErrorsTotal.Inc()
			logger.Logger.Warn().
				Err(err).
				Str("type", string(jobType)).
				Str("dedup_key", key).
				Msg("Dedup insert failed, enqueueing without dedup")
			if err := m.store.CreateJob(ctx, job); err != nil {
				return nil, fmt.Errorf("failed to create job: %w", err)
			}
		case existing != nil:
			metrics.JobsDuplicateTotal.WithLabelValues(string(jobType)).Inc()
			logger.WithJobID(existing.ID).Info().
				Str("type", string(jobType)).
				Str("dedup_key", key).
				Str("status", string(existing.Status)).
				Msg("Duplicate enqueue, returning existing job")
			return &EnqueueResult{JobID: existing.ID, IsDuplicate: true}, nil
		}
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(jobType)).Inc()
	logger.WithJobID(job.ID).Info().
		Str("type", string(jobType)).
		Str("dedup_key", key).
		Int("priority", job.Priority).
		Msg("Job enqueued")

	m.events.Publish(eventFor(job, interfaces.StatusPending, "", now))
	if !job.ScheduledFor.After(now) {
		m.notifier.Notify()
	}
	return &EnqueueResult{JobID: job.ID}, nil
}

// EnqueueRaw decodes a JSON payload for jobType and enqueues it.
func (m *Manager) EnqueueRaw(ctx context.Context, jobType interfaces.JobType, raw json.RawMessage, opts EnqueueOptions) (*EnqueueResult, error) {
	p, err := DecodePayload(jobType, raw)
	if err != nil {
		return nil, err
	}
	return m.Enqueue(ctx, p, opts)
}

// GetStatus retrieves a job by ID
func (m *Manager) GetStatus(ctx context.Context, id string) (*interfaces.Job, error) {
	return m.store.GetJob(ctx, id)
}

// ListJobs returns jobs newest first and the total count matching filter.
func (m *Manager) ListJobs(ctx context.Context, filter interfaces.ListFilter) ([]*interfaces.Job, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return m.store.ListJobs(ctx, filter)
}

// CancelJob cancels a pending job. It returns interfaces.ErrInvalidTransition
// for any other status.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.CancelJob(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}

	metrics.JobsCancelledTotal.WithLabelValues("cancel").Inc()
	logger.WithJobID(id).Info().Str("type", string(job.Type)).Msg("Job cancelled")
	m.events.Publish(eventFor(job, interfaces.StatusCancelled, "", m.now()))
	return nil
}

// ForceCancelJob cancels a processing job and releases its lock. The render
// work already submitted for it is not stopped.
func (m *Manager) ForceCancelJob(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	reason := "force-cancelled by operator while processing"
	if job.LockedBy != "" {
		reason = fmt.Sprintf("force-cancelled by operator while processing (locked by %s)", job.LockedBy)
	}
	if err := m.store.ForceCancelJob(ctx, id, reason); err != nil {
		return fmt.Errorf("failed to force-cancel job %s: %w", id, err)
	}

	metrics.JobsCancelledTotal.WithLabelValues("force").Inc()
	logger.WithJobID(id).Warn().
		Str("type", string(job.Type)).
		Str("locked_by", job.LockedBy).
		Msg("Job force-cancelled")
	m.events.Publish(eventFor(job, interfaces.StatusCancelled, reason, m.now()))
	return nil
}

// RetriggerJob clones a failed or cancelled job into a new pending job and
// returns the new id. The original row is left as it is. It returns
// interfaces.ErrInvalidTransition when an equivalent job is already active.
func (m *Manager) RetriggerJob(ctx context.Context, id string) (string, error) {
	orig, err := m.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Status != interfaces.StatusFailed && orig.Status != interfaces.StatusCancelled {
		return "", fmt.Errorf("cannot retrigger job %s in status %s: %w", id, orig.Status, interfaces.ErrInvalidTransition)
	}

	now := m.now()
	job := &interfaces.Job{
		ID:           uuid.New().String(),
		Type:         orig.Type,
		Payload:      append(json.RawMessage(nil), orig.Payload...),
		DedupKey:     orig.DedupKey,
		Status:       interfaces.StatusPending,
		Priority:     orig.Priority,
		RetryCount:   0,
		MaxRetries:   orig.MaxRetries,
		ScheduledFor: now,
		CreatedAt:    now,
	}
	existing, err := m.store.CreateUniqueJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to create retriggered job: %w", err)
	}
	if existing != nil {
		return "", fmt.Errorf("cannot retrigger job %s: job %s for the same %s is %s: %w",
			id, existing.ID, orig.DedupKey, existing.Status, interfaces.ErrInvalidTransition)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(job.Type)).Inc()
	logger.WithJobID(job.ID).Info().
		Str("type", string(job.Type)).
		Str("retriggered_from", orig.ID).
		Msg("Job retriggered")

	m.events.Publish(eventFor(job, interfaces.StatusPending, "", now))
	m.notifier.Notify()
	return job.ID, nil
}

// GetJobStats counts jobs per status created in the last windowHours.
func (m *Manager) GetJobStats(ctx context.Context, windowHours int) (*JobStats, error) {
	if windowHours <= 0 {
		windowHours = DefaultStatsWindowHours
	}
	since := m.now().Add(-time.Duration(windowHours) * time.Hour)

	counts, err := m.store.CountByStatus(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &JobStats{WindowHours: windowHours, Counts: make(map[interfaces.JobStatus]int, len(interfaces.Statuses))}
	for _, s := range interfaces.Statuses {
		stats.Counts[s] = counts[s]
		stats.Total += counts[s]
	}
	return stats, nil
}

// ClaimNext claims the next eligible job for workerID, or returns nil.
func (m *Manager) ClaimNext(ctx context.Context, workerID string) (*interfaces.Job, error) {
	job, err := m.store.ClaimNext(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job != nil {
		m.events.Publish(eventFor(job, interfaces.StatusProcessing, "", m.now()))
	}
	return job, nil
}

// UpdateJobCompleted marks a job as completed with result. errText carries
// itemized partial failures and is empty for a clean run.
func (m *Manager) UpdateJobCompleted(ctx context.Context, job *interfaces.Job, result json.RawMessage, errText string) error {
	if err := m.store.CompleteJob(ctx, job.ID, result, errText); err != nil {
		return fmt.Errorf("failed to update job as completed: %w", err)
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(job.Type)).Inc()
	log := logger.WithJobID(job.ID)
	ev := log.Info()
	if errText != "" {
		ev = log.Warn().Str("partial_error", errText)
	}
	ev.Str("type", string(job.Type)).Msg("Job completed")

	m.events.Publish(eventFor(job, interfaces.StatusCompleted, errText, m.now()))
	return nil
}

// UpdateJobFailed records a handler failure. Transient errors put the job
// back to pending with exponential backoff while retry budget remains;
// everything else fails the job.
func (m *Manager) UpdateJobFailed(ctx context.Context, job *interfaces.Job, cause error) error {
	errText := cause.Error()
	log := logger.WithJobID(job.ID)

	if IsTransient(cause) && job.CanRetry() {
		retryAt := m.now().Add(m.RetryDelay(job.RetryCount + 1))
		if err := m.store.RequeueJob(ctx, job.ID, interfaces.Requeue{Error: errText, ScheduledFor: retryAt}); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}

		metrics.JobsRequeuedTotal.WithLabelValues(string(job.Type)).Inc()
		log.Info().
			Int("retry_count", job.RetryCount+1).
			Int("max_retries", job.MaxRetries).
			Time("retry_at", retryAt).
			Str("error", errText).
			Msg("Job failed, will retry")

		m.events.Publish(eventFor(job, interfaces.StatusPending, errText, m.now()))
		return nil
	}

	if err := m.store.FailJob(ctx, job.ID, errText); err != nil {
		return fmt.Errorf("failed to update failed job: %w", err)
	}

	metrics.JobsFailedTotal.WithLabelValues(string(job.Type)).Inc()
	log.Error().
		Int("retry_count", job.RetryCount).
		Bool("transient", IsTransient(cause)).
		Str("error", errText).
		Msg("Job failed")

	m.events.Publish(eventFor(job, interfaces.StatusFailed, errText, m.now()))
	return nil
}

// RetryDelay returns the backoff before retry attempt n (1-indexed):
// base * 2^(n-1), capped at the configured maximum.
func (m *Manager) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.RetryMaxDelay {
			return m.cfg.RetryMaxDelay
		}
	}
	if delay > m.cfg.RetryMaxDelay {
		return m.cfg.RetryMaxDelay
	}
	return delay
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, interfaces.ErrJobNotFound)
}

// Ping checks the store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
