package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/terrapipe/broker/pkg/utils"
)

// An ordered stage within a job's processing pipeline, bound to one
// backend service. Immutable after creation except for the completion
// counter.
type WorkflowStep struct {
	ID                  int64
	JobID               string
	StepIndex           int
	ServiceID           string
	WorkItemCount       int
	CompletedCount      int
	Operation           string
	HasAggregatedOutput bool
	ProgressWeight      float64
}

func (s *Store) CreateWorkflowStep(ctx context.Context, step *WorkflowStep) error {
	if step.ProgressWeight <= 0 {
		step.ProgressWeight = 1.0
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (job_id, step_index, service_id, work_item_count, operation, has_aggregated_output, progress_weight)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.JobID, step.StepIndex, step.ServiceID, step.WorkItemCount,
		step.Operation, step.HasAggregatedOutput, step.ProgressWeight,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow step: %w", err)
	}

	step.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read workflow step id: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*WorkflowStep, error) {
	return getWorkflowStep(ctx, s.db, jobID, stepIndex)
}

func getWorkflowStep(ctx context.Context, q queryable, jobID string, stepIndex int) (*WorkflowStep, error) {
	var step WorkflowStep
	err := q.QueryRowContext(ctx, `
		SELECT id, job_id, step_index, service_id, work_item_count, completed_count, operation, has_aggregated_output, progress_weight
		FROM workflow_steps WHERE job_id = ? AND step_index = ?`, jobID, stepIndex).Scan(
		&step.ID, &step.JobID, &step.StepIndex, &step.ServiceID, &step.WorkItemCount,
		&step.CompletedCount, &step.Operation, &step.HasAggregatedOutput, &step.ProgressWeight,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow step: %w", err)
	}
	return &step, nil
}
