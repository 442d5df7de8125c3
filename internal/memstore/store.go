// Package memstore is an in-memory interfaces.JobStore with the same
// transition rules as the PostgreSQL store. Safe for concurrent use.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtr002/render-queue/internal/interfaces"
)

var _ interfaces.JobStore = (*Store)(nil)

// Store keeps jobs in a map guarded by a single mutex, which is what makes
// ClaimNext atomic.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*interfaces.Job
	now  func() time.Time

	// FailLookups makes the dedup lookups return an error, to exercise the
	// fail-open enqueue path.
	FailLookups bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*interfaces.Job), now: time.Now}
}

// SetClock overrides the time source used for eligibility and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateJob(_ context.Context, job *interfaces.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job with ID %s: %w", id, interfaces.ErrJobNotFound)
	}
	return job.Clone(), nil
}

func (s *Store) CreateUniqueJob(_ context.Context, job *interfaces.Job) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailLookups {
		return nil, fmt.Errorf("dedup lookup unavailable")
	}
	if found := s.findActive(job.Type, job.DedupKey); found != nil {
		return found.Clone(), nil
	}
	if _, ok := s.jobs[job.ID]; ok {
		return nil, fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil, nil
}

func (s *Store) FindActiveByDedupKey(_ context.Context, jobType interfaces.JobType, key string) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailLookups {
		return nil, fmt.Errorf("dedup lookup unavailable")
	}
	if found := s.findActive(jobType, key); found != nil {
		return found.Clone(), nil
	}
	return nil, nil
}

// findActive returns the oldest active job for key. s.mu must be held.
func (s *Store) findActive(jobType interfaces.JobType, key string) *interfaces.Job {
	var found *interfaces.Job
	for _, j := range s.jobs {
		if j.Type != jobType || j.DedupKey != key || !j.Status.Active() {
			continue
		}
		if found == nil || j.CreatedAt.Before(found.CreatedAt) {
			found = j
		}
	}
	return found
}

func (s *Store) ListJobs(_ context.Context, f interfaces.ListFilter) ([]*interfaces.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(f.OrderID))
	var matched []*interfaces.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(orderLabel(j.Payload)), needle) {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	total := len(matched)
	if f.Offset >= total {
		return []*interfaces.Job{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*interfaces.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, total, nil
}

// orderLabel returns the first present human-facing order identifier.
func orderLabel(raw json.RawMessage) string {
	var fields struct {
		WoocommerceOrderID string `json:"woocommerceOrderId"`
		WooOrderID         string `json:"wooOrderId"`
		OrderNumber        string `json:"orderNumber"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	switch {
	case fields.WoocommerceOrderID != "":
		return fields.WoocommerceOrderID
	case fields.WooOrderID != "":
		return fields.WooOrderID
	default:
		return fields.OrderNumber
	}
}

func (s *Store) CountByStatus(_ context.Context, since time.Time) (map[interfaces.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[interfaces.JobStatus]int)
	for _, j := range s.jobs {
		if j.CreatedAt.Before(since) {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}

func (s *Store) ClaimNext(_ context.Context, workerID string) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *interfaces.Job
	for _, j := range s.jobs {
		if j.Status != interfaces.StatusPending || j.ScheduledFor.After(now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = interfaces.StatusProcessing
	next.LockedBy = workerID
	next.LockedAt = &now
	started := now
	next.StartedAt = &started
	return next.Clone(), nil
}

// claimsBefore orders by priority, then scheduled_for, then created_at.
func claimsBefore(a, b *interfaces.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// transition applies fn to the job when it is in status from.
func (s *Store) transition(id string, from interfaces.JobStatus, fn func(j *interfaces.Job, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job with ID %s: %w", id, interfaces.ErrJobNotFound)
	}
	if j.Status != from {
		return fmt.Errorf("job %s is %s, expected %s: %w", id, j.Status, from, interfaces.ErrInvalidTransition)
	}
	fn(j, s.now())
	return nil
}

func (s *Store) CompleteJob(_ context.Context, id string, result json.RawMessage, errText string) error {
	return s.transition(id, interfaces.StatusProcessing, func(j *interfaces.Job, now time.Time) {
		j.Status = interfaces.StatusCompleted
		j.Result = append(json.RawMessage(nil), result...)
		j.Error = errText
		j.CompletedAt = &now
	})
}

func (s *Store) FailJob(_ context.Context, id string, errText string) error {
	return s.transition(id, interfaces.StatusProcessing, func(j *interfaces.Job, now time.Time) {
		j.Status = interfaces.StatusFailed
		j.Error = errText
		j.CompletedAt = &now
	})
}

func (s *Store) RequeueJob(_ context.Context, id string, r interfaces.Requeue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job with ID %s: %w", id, interfaces.ErrJobNotFound)
	}
	if j.Status != interfaces.StatusProcessing || !j.CanRetry() {
		return fmt.Errorf("job %s cannot be requeued (status %s, retries %d/%d): %w",
			id, j.Status, j.RetryCount, j.MaxRetries, interfaces.ErrInvalidTransition)
	}

	j.Status = interfaces.StatusPending
	j.RetryCount++
	j.Error = r.Error
	j.ScheduledFor = r.ScheduledFor
	j.LockedBy = ""
	j.LockedAt = nil
	return nil
}

func (s *Store) CancelJob(_ context.Context, id string) error {
	return s.transition(id, interfaces.StatusPending, func(j *interfaces.Job, now time.Time) {
		j.Status = interfaces.StatusCancelled
		j.CompletedAt = &now
	})
}

func (s *Store) ForceCancelJob(_ context.Context, id string, reason string) error {
	return s.transition(id, interfaces.StatusProcessing, func(j *interfaces.Job, now time.Time) {
		j.Status = interfaces.StatusCancelled
		j.LockedBy = ""
		j.LockedAt = nil
		j.Error = reason
		j.CompletedAt = &now
	})
}

func (s *Store) Ping(context.Context) error { return nil }
