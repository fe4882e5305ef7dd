package models

import (
	"encoding/json"
	"time"
)

// JobStatus is a provider job state normalized across vendors.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsFinal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// BackoffState tracks consecutive transient failures of a job.
type BackoffState struct {
	Attempts int           `json:"attempts"`
	NextWait time.Duration `json:"nextWait"`
}

// JobRecord is the Job Manager's persisted view of a remote job.
type JobRecord struct {
	JobID      string          `json:"jobId"`
	ProviderID string          `json:"providerId"`
	WorkflowID string          `json:"workflowId"`
	NodeID     string          `json:"nodeId"`
	RunID      string          `json:"runId"`
	Status     JobStatus       `json:"status"`
	NextPollAt time.Time       `json:"nextPollAt"`
	Backoff    BackoffState    `json:"backoff"`
	Cancelled  bool            `json:"cancelled"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
