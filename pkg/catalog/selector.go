package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
)

// Services whose identifier matches this fragment page through an external
// catalog and are subject to a per-request granule limit.
const queryCmrFragment = "query-cmr"

func IsQueryCmrService(serviceID string) bool {
	return strings.Contains(serviceID, queryCmrFragment)
}

// CmrLimiter computes the per-request result-count limit for a catalog
// query service from the job's remaining granule budget. The catalog
// invokes the limiter during a claim but does not own its policy.
type CmrLimiter func(job *Job, step *WorkflowStep) int

// DefaultCmrLimiter bounds each catalog page by the job's granule budget:
// the requested input granule total minus pages already retrieved.
func DefaultCmrLimiter(pageSize int) CmrLimiter {
	return func(job *Job, step *WorkflowStep) int {
		remaining := job.NumInputGranules - step.CompletedCount*pageSize
		if remaining < 0 {
			remaining = 0
		}
		if remaining > pageSize {
			return pageSize
		}
		return remaining
	}
}

// A work item claimed by the selector, with the operation payload of its
// workflow step and any derived catalog query limit.
type ClaimedWorkItem struct {
	Item           *WorkItem
	Operation      string
	MaxCmrGranules int
}

// Selector picks the next eligible work item for a service fairly across
// users: the least recently serviced user first, that user's oldest
// counters row next, FIFO within the (job, service) pair last.
type Selector struct {
	store   *Store
	limiter CmrLimiter
}

func NewSelector(store *Store, limiter CmrLimiter) *Selector {
	return &Selector{store: store, limiter: limiter}
}

// Claim one ready work item for the service and transition it to the
// given status (running for direct delivery, queued for staging).
//
// Errors during selection are logged and reported as "no work item":
// absence of a result is a normal, retryable condition for callers.
func (s *Selector) Claim(ctx context.Context, serviceID string, to protocol.WorkItemStatus, runner string) *ClaimedWorkItem {
	claimed, err := s.claim(ctx, serviceID, to, runner)
	if err != nil {
		log.Errorf("err - claim - service: %s, %v", serviceID, err)
		return nil
	}
	return claimed
}

// Claim up to n work items for the service. Each claim runs in its own
// exclusive transaction; staging stops at the first empty claim.
func (s *Selector) ClaimBatch(ctx context.Context, serviceID string, n int, to protocol.WorkItemStatus) []*ClaimedWorkItem {
	claimed := []*ClaimedWorkItem{}
	for i := 0; i < n; i++ {
		next := s.Claim(ctx, serviceID, to, "")
		if next == nil {
			break
		}
		claimed = append(claimed, next)
	}
	return claimed
}

func (s *Selector) claim(ctx context.Context, serviceID string, to protocol.WorkItemStatus, runner string) (*ClaimedWorkItem, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The least recently serviced user with ready work.
	var username string
	err = tx.QueryRowContext(ctx, `
		SELECT username FROM user_work
		WHERE service_id = ? AND ready_count > 0
		ORDER BY last_worked ASC, username ASC LIMIT 1`,
		serviceID).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// That user's next job: the counters row least recently introduced
	// to this service.
	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT job_id FROM user_work
		WHERE service_id = ? AND username = ? AND ready_count > 0
		ORDER BY created_at ASC, job_id ASC LIMIT 1`,
		serviceID, username).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Oldest ready item within the job, FIFO by insertion order.
	item, err := selectReadyItemTx(ctx, tx, jobID, serviceID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		// The counters claimed ready work that the work item table does
		// not have: heal the counters and let the caller retry.
		log.Warnf("oos - counters - job: %s, service: %s, recalculating", jobID, serviceID)
		if err := recalculateCountsTx(ctx, tx, jobID, serviceID); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status = ?, runner = ?, started_at = ? WHERE id = ?`,
		to, runner, toMillis(now), item.ID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_work
		SET ready_count = ready_count - 1, running_count = running_count + 1, last_worked = ?
		WHERE job_id = ? AND service_id = ?`,
		toMillis(now), jobID, serviceID); err != nil {
		return nil, err
	}

	step, err := getWorkflowStep(ctx, tx, jobID, item.StepIndex)
	if err != nil {
		return nil, err
	}

	claimed := &ClaimedWorkItem{Item: item, Operation: step.Operation}
	if IsQueryCmrService(serviceID) && s.limiter != nil {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		claimed.MaxCmrGranules = s.limiter(job, step)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	item.Status = to
	item.Runner = runner
	item.StartedAt = &now

	log.Debugf("run - item - id: %d, job: %s, service: %s, user: %s", item.ID, jobID, serviceID, username)
	return claimed, nil
}

func selectReadyItemTx(ctx context.Context, tx *sql.Tx, jobID, serviceID string) (*WorkItem, error) {
	var item WorkItem
	var createdAt int64
	var startedAt sql.NullInt64

	err := tx.QueryRowContext(ctx, `
		SELECT id, job_id, step_index, service_id, status, runner, retry_count, result_path, message, created_at, started_at
		FROM work_items
		WHERE job_id = ? AND service_id = ? AND status = ?
		ORDER BY id ASC LIMIT 1`,
		jobID, serviceID, protocol.WorkItemReady).Scan(
		&item.ID, &item.JobID, &item.StepIndex, &item.ServiceID, &item.Status,
		&item.Runner, &item.RetryCount, &item.ResultPath, &item.Message,
		&createdAt, &startedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	item.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		item.StartedAt = &t
	}
	return &item, nil
}
