package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []JobStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// Active reports whether the status still counts towards deduplication.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// JobType identifies the handler a job is dispatched to
type JobType string

const (
	TypePrintGeneration   JobType = "PRINT_GENERATION"
	TypePreviewGeneration JobType = "PREVIEW_GENERATION"
	TypeContentGeneration JobType = "CONTENT_GENERATION"
)

// JobTypes lists every job type the dispatcher knows about.
var JobTypes = []JobType{TypePrintGeneration, TypePreviewGeneration, TypeContentGeneration}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, v := range JobTypes {
		if t == v {
			return true
		}
	}
	return false
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Job represents a row in the jobs table. Payload is kept as raw JSON here;
// the jobs package decodes it into the typed payload for Type.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	DedupKey     string          `json:"dedup_key,omitempty"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// String returns a string representation of the job
func (j *Job) String() string {
	return fmt.Sprintf("Job{ID: %s, Type: %s, Status: %s, Retries: %d/%d}",
		j.ID, j.Type, j.Status, j.RetryCount, j.MaxRetries)
}

// CanRetry returns true if the job still has automatic retry budget
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	cp.LockedAt = copyTime(j.LockedAt)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ListFilter narrows ListJobs. Zero values mean "no filter".
type ListFilter struct {
	Status  JobStatus
	Type    JobType
	OrderID string
	Limit   int
	Offset  int
}

// Requeue describes an automatic retry of a processing job.
type Requeue struct {
	Error        string
	ScheduledFor time.Time
}

// JobStore defines the persistence operations needed by the manager and the worker pool.
// Every status-changing method is a conditional update on the current status and
// returns ErrInvalidTransition when the row is not in the expected state.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	// CreateUniqueJob inserts job unless a pending or processing job of the same
	// type and dedup key exists. It returns that job instead and inserts nothing.
	CreateUniqueJob(ctx context.Context, job *Job) (existing *Job, err error)
	GetJob(ctx context.Context, id string) (*Job, error)
	FindActiveByDedupKey(ctx context.Context, jobType JobType, key string) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, int, error)
	CountByStatus(ctx context.Context, since time.Time) (map[JobStatus]int, error)

	// ClaimNext atomically moves the most urgent eligible pending job to processing
	// and returns it, or returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage, errText string) error
	FailJob(ctx context.Context, id string, errText string) error
	RequeueJob(ctx context.Context, id string, r Requeue) error
	CancelJob(ctx context.Context, id string) error
	ForceCancelJob(ctx context.Context, id string, reason string) error

	Ping(ctx context.Context) error
}
