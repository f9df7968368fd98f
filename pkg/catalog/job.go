package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/utils"
)

// A user-submitted transformation request.
type Job struct {
	ID               string
	Username         string
	Status           protocol.JobStatus
	Progress         int
	Request          string
	NumInputGranules int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Create a new job. The job identifier is generated when empty.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = protocol.JobAccepted
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, username, status, progress, request, num_input_granules, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Username, job.Status, job.Progress, job.Request,
		job.NumInputGranules, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryable, id string) (*Job, error) {
	var job Job
	var createdAt, updatedAt int64

	err := q.QueryRowContext(ctx, `
		SELECT id, username, status, progress, request, num_input_granules, created_at, updated_at
		FROM jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.Username, &job.Status, &job.Progress, &job.Request,
		&job.NumInputGranules, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status protocol.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.ErrNotFound
	}
	return nil
}

// Cancel a job: the job and all of its non-terminal work items are marked
// canceled and the job's fairness counter rows are removed so the selector
// no longer considers it. Items already staged on a queue are dropped by
// the delivery adapter's final status check.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return utils.ErrTerminalJob
	}

	now := toMillis(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		protocol.JobCanceled, now, id); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?
		WHERE job_id = ? AND status IN (?, ?, ?)`,
		protocol.WorkItemCanceled, id,
		protocol.WorkItemReady, protocol.WorkItemQueued, protocol.WorkItemRunning); err != nil {
		return fmt.Errorf("failed to cancel work items: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_work WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete fairness counters: %w", err)
	}

	return tx.Commit()
}

// Recompute job progress from workflow step completion and finalize the
// job when every step is complete. Runs inside the caller's transaction.
func updateJobProgressTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT work_item_count, completed_count, progress_weight
		FROM workflow_steps WHERE job_id = ? ORDER BY step_index ASC`, jobID)
	if err != nil {
		return fmt.Errorf("failed to query workflow steps: %w", err)
	}
	defer rows.Close()

	var totalWeight, doneWeight float64
	complete := true
	for rows.Next() {
		var itemCount, completedCount int
		var weight float64
		if err := rows.Scan(&itemCount, &completedCount, &weight); err != nil {
			return fmt.Errorf("failed to scan workflow step: %w", err)
		}
		totalWeight += weight
		if itemCount > 0 {
			doneWeight += weight * float64(completedCount) / float64(itemCount)
		}
		if completedCount < itemCount {
			complete = false
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate workflow steps: %w", err)
	}

	progress := 0
	if totalWeight > 0 {
		progress = int(100 * doneWeight / totalWeight)
	}
	if progress > 100 {
		progress = 100
	}

	now := toMillis(time.Now())
	if !complete {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
			progress, now, jobID,
			protocol.JobSuccessful, protocol.JobFailed, protocol.JobCanceled, protocol.JobCompleteWithErrors)
		if err != nil {
			return fmt.Errorf("failed to update job progress: %w", err)
		}
		return nil
	}

	// All steps complete. Any failed or canceled item downgrades the
	// final status to complete_with_errors.
	var failed int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items
		WHERE job_id = ? AND status IN (?, ?)`,
		jobID, protocol.WorkItemFailed, protocol.WorkItemCanceled).Scan(&failed)
	if err != nil {
		return fmt.Errorf("failed to count failed work items: %w", err)
	}

	final := protocol.JobSuccessful
	if failed > 0 {
		final = protocol.JobCompleteWithErrors
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		final, progress, now, jobID, protocol.JobFailed, protocol.JobCanceled)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	return nil
}
