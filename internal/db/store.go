package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtr002/render-queue/internal/interfaces"
)

var _ interfaces.JobStore = (*Store)(nil)

// Store handles database operations for jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new database store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, type, payload, dedup_key, status, priority, retry_count, max_retries,
	scheduled_for, COALESCE(locked_by, ''), locked_at, created_at, started_at, completed_at,
	result, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*interfaces.Job, error) {
	job := &interfaces.Job{}
	var (
		payload, result                  []byte
		lockedAt, startedAt, completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.Type, &payload, &job.DedupKey, &job.Status, &job.Priority,
		&job.RetryCount, &job.MaxRetries, &job.ScheduledFor, &job.LockedBy, &lockedAt,
		&job.CreatedAt, &startedAt, &completedAt, &result, &job.Error)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.LockedAt = nullTime(lockedAt)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	return job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *interfaces.Job) error {
	query := `
		INSERT INTO jobs (id, type, payload, dedup_key, status, priority, retry_count, max_retries,
			scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Type, []byte(job.Payload), job.DedupKey, job.Status, job.Priority,
		job.RetryCount, job.MaxRetries, job.ScheduledFor, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// CreateUniqueJob inserts job with dedup enforced. The partial unique index on
// active enforced rows makes concurrent inserts for one key race-free; the
// loser reads back the row that won.
func (s *Store) CreateUniqueJob(ctx context.Context, job *interfaces.Job) (*interfaces.Job, error) {
	query := `
		INSERT INTO jobs (id, type, payload, dedup_key, status, priority, retry_count, max_retries,
			scheduled_for, created_at, dedup_enforced)
		SELECT $1::text, $2::text, $3::jsonb, $4::text, $5::text, $6::integer, $7::integer,
			$8::integer, $9::timestamptz, $10::timestamptz, TRUE
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE type = $2::text AND dedup_key = $4::text AND status IN ('pending', 'processing')
		)
		ON CONFLICT DO NOTHING
		RETURNING id
	`

	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx, query,
			job.ID, job.Type, []byte(job.Payload), job.DedupKey, job.Status, job.Priority,
			job.RetryCount, job.MaxRetries, job.ScheduledFor, job.CreatedAt).Scan(&id)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}

		existing, err := s.FindActiveByDedupKey(ctx, job.Type, job.DedupKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		// the conflicting row left pending/processing in between
	}
	return nil, fmt.Errorf("failed to create job %s: dedup key %s kept conflicting", job.ID, job.DedupKey)
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*interfaces.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job with ID %s: %w", id, interfaces.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// FindActiveByDedupKey returns the oldest pending or processing job of jobType
// carrying key, or nil when there is none.
func (s *Store) FindActiveByDedupKey(ctx context.Context, jobType interfaces.JobType, key string) (*interfaces.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE type = $1 AND dedup_key = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT 1
	`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobType, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up active job: %w", err)
	}
	return job, nil
}

// orderLabelExpr picks whichever human-facing order id the payload carries.
const orderLabelExpr = `COALESCE(NULLIF(payload->>'woocommerceOrderId', ''), NULLIF(payload->>'wooOrderId', ''), payload->>'orderNumber', '')`

func listConditions(f interfaces.ListFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if needle := strings.TrimSpace(f.OrderID); needle != "" {
		args = append(args, "%"+escapeLike(needle)+"%")
		conds = append(conds, fmt.Sprintf("%s ILIKE $%d", orderLabelExpr, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListJobs returns jobs newest first with the total matching count
func (s *Store) ListJobs(ctx context.Context, f interfaces.ListFilter) ([]*interfaces.Job, int, error) {
	where, args := listConditions(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*interfaces.Job, 0, f.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, total, nil
}

// CountByStatus counts jobs created since the given time, per status
func (s *Store) CountByStatus(ctx context.Context, since time.Time) (map[interfaces.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[interfaces.JobStatus]int)
	for rows.Next() {
		var (
			status interfaces.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ClaimNext moves the most urgent eligible pending job to processing in a
// single statement. SKIP LOCKED keeps concurrent workers off the same row and
// the outer status check makes the update a compare-and-swap.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*interfaces.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing', locked_by = $1, locked_at = NOW(), started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY priority ASC, scheduled_for ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'pending'
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// transition runs a conditional update and maps "no row changed" to either
// ErrJobNotFound or ErrInvalidTransition.
func (s *Store) transition(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, current.Status, interfaces.ErrInvalidTransition)
}

// CompleteJob marks a processing job completed
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage, errText string) error {
	return s.transition(ctx, id, `
		UPDATE jobs SET status = 'completed', result = $2, error = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		nullJSON(result), errText)
}

// FailJob marks a processing job failed
func (s *Store) FailJob(ctx context.Context, id string, errText string) error {
	return s.transition(ctx, id, `
		UPDATE jobs SET status = 'failed', error = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		errText)
}

// RequeueJob returns a processing job to pending for an automatic retry
func (s *Store) RequeueJob(ctx context.Context, id string, r interfaces.Requeue) error {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = 'pending', retry_count = retry_count + 1, error = $2, scheduled_for = $3,
			locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'processing' AND retry_count < max_retries`,
		r.Error, r.ScheduledFor)
}

// CancelJob cancels a pending job
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE jobs SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status = 'pending'`)
}

// ForceCancelJob cancels a processing job and clears its lock
func (s *Store) ForceCancelJob(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = 'cancelled', locked_by = NULL, locked_at = NULL, error = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		reason)
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
