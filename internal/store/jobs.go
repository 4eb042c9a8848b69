package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueJob inserts a pending job row. runAt is the earliest eligible
// execution time; pass time.Now() for immediate work.
func (s *Store) EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType JobType, payload any, runAt time.Time) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	id := uuid.New()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, org_id, job_type, payload, status, run_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)`,
		id, orgID, jobType, body, runAt.UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return id, nil
}

// Claim atomically selects up to limit eligible pending jobs of the known
// types and marks them processing. FOR UPDATE SKIP LOCKED makes the
// select-and-mark a single atomic step across competing workers: a row
// claimed here is invisible to every other claimer.
func (s *Store) Claim(ctx context.Context, types []JobType, limit int) ([]Job, error) {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= now() AND job_type = ANY($1)
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, org_id, job_type, payload, status, retry_count, run_at,
		          COALESCE(last_error, ''), created_at, updated_at`,
		typeNames, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.OrgID, &job.JobType, &job.Payload, &job.Status,
			&job.RetryCount, &job.RunAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Complete marks a job done and clears its last error.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', last_error = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Retry returns a failed attempt to the pending state with a future run_at.
func (s *Store) Retry(ctx context.Context, id uuid.UUID, retryCount int, runAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', retry_count = $2, run_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1`, id, retryCount, runAt.UTC(), lastError)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// Fail marks a job terminally failed. It remains inspectable via last_error.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', retry_count = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, retryCount, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}
