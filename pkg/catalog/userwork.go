package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/utils"
)

// Denormalized fairness aggregate for one (job, service, user) triple.
// ready_count + running_count should equal the number of non-terminal
// work items for the pair; the invariant can drift after crashes and is
// restored on demand by RecalculateCounts.
type UserWork struct {
	ID           int64
	JobID        string
	ServiceID    string
	Username     string
	ReadyCount   int
	RunningCount int
	LastWorked   time.Time
	CreatedAt    time.Time
}

func (s *Store) GetUserWork(ctx context.Context, jobID, serviceID string) (*UserWork, error) {
	var uw UserWork
	var lastWorked, createdAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, service_id, username, ready_count, running_count, last_worked, created_at
		FROM user_work WHERE job_id = ? AND service_id = ?`, jobID, serviceID).Scan(
		&uw.ID, &uw.JobID, &uw.ServiceID, &uw.Username,
		&uw.ReadyCount, &uw.RunningCount, &lastWorked, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user work: %w", err)
	}

	uw.LastWorked = fromMillis(lastWorked)
	uw.CreatedAt = fromMillis(createdAt)
	return &uw, nil
}

// Restore the fairness counters for a (job, service) pair from the
// authoritative work item rows.
func (s *Store) RecalculateCounts(ctx context.Context, jobID, serviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := recalculateCountsTx(ctx, tx, jobID, serviceID); err != nil {
		return err
	}
	return tx.Commit()
}

func recalculateCountsTx(ctx context.Context, tx *sql.Tx, jobID, serviceID string) error {
	var ready, running int

	err := tx.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status IN (?, ?) THEN 1 END)
		FROM work_items WHERE job_id = ? AND service_id = ?`,
		protocol.WorkItemReady, protocol.WorkItemQueued, protocol.WorkItemRunning,
		jobID, serviceID).Scan(&ready, &running)
	if err != nil {
		return fmt.Errorf("failed to count work items: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_work SET ready_count = ?, running_count = ?
		WHERE job_id = ? AND service_id = ?`,
		ready, running, jobID, serviceID)
	if err != nil {
		return fmt.Errorf("failed to update fairness counters: %w", err)
	}
	return nil
}
