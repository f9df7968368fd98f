package protocol

// Lifecycle status of a job.
type JobStatus string

const (
	JobAccepted           JobStatus = "accepted"
	JobRunning            JobStatus = "running"
	JobPreviewing         JobStatus = "previewing"
	JobPaused             JobStatus = "paused"
	JobSuccessful         JobStatus = "successful"
	JobFailed             JobStatus = "failed"
	JobCanceled           JobStatus = "canceled"
	JobCompleteWithErrors JobStatus = "complete_with_errors"
)

// Should return true if the job is no longer in progress.
func (status JobStatus) IsTerminal() bool {
	switch status {
	case JobSuccessful, JobFailed, JobCanceled, JobCompleteWithErrors:
		return true
	default:
		return false
	}
}

// Status of a single work item.
type WorkItemStatus string

const (
	WorkItemReady      WorkItemStatus = "ready"
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemRunning    WorkItemStatus = "running"
	WorkItemSuccessful WorkItemStatus = "successful"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemCanceled   WorkItemStatus = "canceled"
	WorkItemNoData     WorkItemStatus = "no_data"
)

// Should return true if the work item is in a terminal state.
func (status WorkItemStatus) IsTerminal() bool {
	switch status {
	case WorkItemSuccessful, WorkItemFailed, WorkItemCanceled, WorkItemNoData:
		return true
	default:
		return false
	}
}

// Should return true if the work item may still be handed to a worker.
// Queued items have been staged on a service queue but not yet delivered.
func (status WorkItemStatus) IsDispatchable() bool {
	switch status {
	case WorkItemReady, WorkItemQueued:
		return true
	default:
		return false
	}
}

// Valid forward transitions for a work item. Transitions are monotonic:
// ready|queued -> running -> terminal. A terminal status never changes.
func (status WorkItemStatus) CanTransitionTo(next WorkItemStatus) bool {
	if status.IsTerminal() {
		return false
	}
	switch status {
	case WorkItemReady:
		return next == WorkItemQueued || next == WorkItemRunning || next.IsTerminal()
	case WorkItemQueued:
		return next == WorkItemRunning || next.IsTerminal()
	case WorkItemRunning:
		return next.IsTerminal()
	}
	return false
}
