package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/utils"
)

// The unit of dispatch: one backend invocation.
type WorkItem struct {
	ID         int64
	JobID      string
	StepIndex  int
	ServiceID  string
	Status     protocol.WorkItemStatus
	Runner     string
	RetryCount int
	ResultPath string
	Message    string
	CreatedAt  time.Time
	StartedAt  *time.Time
}

func (w *WorkItem) View(operation string) *protocol.WorkItemView {
	return &protocol.WorkItemView{
		ID:         w.ID,
		JobID:      w.JobID,
		ServiceID:  w.ServiceID,
		StepIndex:  w.StepIndex,
		Status:     w.Status,
		Operation:  operation,
		ResultPath: w.ResultPath,
		CreatedAt:  w.CreatedAt,
		RetryCount: w.RetryCount,
	}
}

// Create work items in ready state and bump the owning user's fairness
// counters in the same transaction. After commit, a scheduling request is
// published for each distinct service so that queue-mode deployments can
// stage the new work without waiting for the next worker poll.
func (s *Store) CreateWorkItems(ctx context.Context, items ...*WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	type pair struct{ jobID, serviceID string }
	readyByPair := map[pair]int{}

	for _, item := range items {
		item.Status = protocol.WorkItemReady
		item.CreatedAt = now

		res, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (job_id, step_index, service_id, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			item.JobID, item.StepIndex, item.ServiceID, item.Status, toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("failed to create work item: %w", err)
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read work item id: %w", err)
		}

		readyByPair[pair{item.JobID, item.ServiceID}]++
	}

	for p, n := range readyByPair {
		job, err := getJob(ctx, tx, p.jobID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_work (job_id, service_id, username, ready_count, running_count, last_worked, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(job_id, service_id) DO UPDATE SET ready_count = ready_count + ?`,
			p.jobID, p.serviceID, job.Username, n, toMillis(now), toMillis(now), n,
		)
		if err != nil {
			return fmt.Errorf("failed to update fairness counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for p := range readyByPair {
		s.notifier.NotifyWorkAvailable(ctx, p.serviceID)
	}
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	return getWorkItem(ctx, s.db, id)
}

func getWorkItem(ctx context.Context, q queryable, id int64) (*WorkItem, error) {
	var item WorkItem
	var createdAt int64
	var startedAt sql.NullInt64

	err := q.QueryRowContext(ctx, `
		SELECT id, job_id, step_index, service_id, status, runner, retry_count, result_path, message, created_at, started_at
		FROM work_items WHERE id = ?`, id).Scan(
		&item.ID, &item.JobID, &item.StepIndex, &item.ServiceID, &item.Status,
		&item.Runner, &item.RetryCount, &item.ResultPath, &item.Message,
		&createdAt, &startedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}

	item.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		item.StartedAt = &t
	}
	return &item, nil
}

// Transition a staged work item to running as it is handed to a worker.
// Returns the item as read inside the transaction; when the item was
// canceled in the meantime, the status is left untouched and the caller
// is expected to drop the item.
func (s *Store) StartWorkItem(ctx context.Context, id int64, runner string) (*WorkItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := getWorkItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if !item.Status.CanTransitionTo(protocol.WorkItemRunning) {
		// Terminal items stay as they are. This is where late
		// cancellations staged on a queue get caught.
		return item, tx.Commit()
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status = ?, runner = ?, started_at = ? WHERE id = ?`,
		protocol.WorkItemRunning, runner, toMillis(now), id); err != nil {
		return nil, fmt.Errorf("failed to start work item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	item.Status = protocol.WorkItemRunning
	item.Runner = runner
	item.StartedAt = &now
	return item, nil
}

// Record a worker's result for a work item. The running counter for the
// (job, service) pair is released, step completion bookkeeping is updated
// and job progress is recomputed. A failed item fails the whole job and
// cancels its remaining work.
func (s *Store) CompleteWorkItem(ctx context.Context, id int64, result *protocol.WorkResult) error {
	if !result.Status.IsTerminal() {
		return utils.ErrInvalidTransition
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := getWorkItem(ctx, tx, id)
	if err != nil {
		return err
	}
	if !item.Status.CanTransitionTo(result.Status) {
		return utils.ErrInvalidTransition
	}

	now := toMillis(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status = ?, result_path = ?, message = ? WHERE id = ?`,
		result.Status, result.ResultPath, result.Message, id); err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_work SET running_count = MAX(running_count - 1, 0)
		WHERE job_id = ? AND service_id = ?`,
		item.JobID, item.ServiceID); err != nil {
		return fmt.Errorf("failed to update fairness counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_steps SET completed_count = completed_count + 1
		WHERE job_id = ? AND step_index = ?`,
		item.JobID, item.StepIndex); err != nil {
		return fmt.Errorf("failed to update workflow step: %w", err)
	}

	if result.Status == protocol.WorkItemFailed {
		log.Warnf("err - item - id: %d, job: %s, %s", id, item.JobID, result.Message)

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			protocol.JobFailed, now, item.JobID); err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET status = ?
			WHERE job_id = ? AND status IN (?, ?, ?)`,
			protocol.WorkItemCanceled, item.JobID,
			protocol.WorkItemReady, protocol.WorkItemQueued, protocol.WorkItemRunning); err != nil {
			return fmt.Errorf("failed to cancel remaining work items: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_work WHERE job_id = ?`, item.JobID); err != nil {
			return fmt.Errorf("failed to delete fairness counters: %w", err)
		}
		return tx.Commit()
	}

	if err := updateJobProgressTx(ctx, tx, item.JobID); err != nil {
		return err
	}

	return tx.Commit()
}

// Counts of work items per status for a service, used by the metrics
// endpoint.
func (s *Store) CountWorkItems(ctx context.Context, serviceID string) (map[protocol.WorkItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items
		WHERE service_id = ? GROUP BY status`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := map[protocol.WorkItemStatus]int{}
	for rows.Next() {
		var status protocol.WorkItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
