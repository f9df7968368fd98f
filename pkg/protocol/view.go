package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire representation of a work item as handed to worker pods, both in
// polling responses and on service queues.
type WorkItemView struct {
	ID         int64          `json:"id"`
	JobID      string         `json:"jobID"`
	ServiceID  string         `json:"serviceID"`
	StepIndex  int            `json:"stepIndex"`
	Status     WorkItemStatus `json:"status"`
	Operation  string         `json:"operation,omitempty"`
	ResultPath string         `json:"resultPath,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	RetryCount int            `json:"retryCount"`
}

// Response body of the work polling endpoint.
type WorkResponse struct {
	WorkItem       *WorkItemView `json:"workItem"`
	MaxCmrGranules int           `json:"maxCmrGranules,omitempty"`
}

// Request body of the work completion endpoint.
type WorkResult struct {
	Status     WorkItemStatus `json:"status"`
	ResultPath string         `json:"resultPath,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Work responses are what travels on service queues, so a staged item
// carries its derived parameters with it.
func (r *WorkResponse) Marshal() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func UnmarshalWorkResponse(body string) (*WorkResponse, error) {
	var r WorkResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, err
	}
	if r.WorkItem == nil {
		return nil, fmt.Errorf("work response without work item")
	}
	return &r, nil
}
