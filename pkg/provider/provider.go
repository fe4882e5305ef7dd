// Package provider defines the vendor-neutral contract the job manager uses
// to run tools.
package provider

import (
	"context"
	"encoding/json"

	"github.com/dukex/nodeflow/pkg/models"
)

// InputAsset is a bound input handed to a tool.
type InputAsset struct {
	ID       string          `json:"id"`
	Type     models.PortType `json:"type"`
	Location string          `json:"location"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SubmitRequest describes one run. IdempotencyKey is the run id; a provider
// receiving the same key twice returns the job it already created.
type SubmitRequest struct {
	IdempotencyKey string                `json:"idempotencyKey"`
	WorkflowID     string                `json:"workflowId"`
	NodeID         string                `json:"nodeId"`
	RunID          string                `json:"runId"`
	Kind           string                `json:"kind"`
	Params         map[string]any        `json:"params,omitempty"`
	Inputs         map[string]InputAsset `json:"inputs,omitempty"`
}

// JobError is the failure reported by a provider for a finished job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// Status is a normalized job status.
type Status struct {
	State    models.JobStatus              `json:"state"`
	Progress *float64                      `json:"progress,omitempty"`
	Error    *JobError                     `json:"error,omitempty"`
	Outputs  map[string]models.OutputAsset `json:"outputs,omitempty"`
	Log      string                        `json:"log,omitempty"`
	Payload  json.RawMessage               `json:"payload,omitempty"`
}

// Provider runs remote jobs. Every call must be safe to repeat.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (Status, error)
	Cancel(ctx context.Context, jobID string) error
}

// Fetcher downloads the outputs of a succeeded job whose status did not
// carry them.
type Fetcher interface {
	Fetch(ctx context.Context, jobID string) (map[string]models.OutputAsset, error)
}

// LocalTask is the view a local tool gets of its run.
type LocalTask struct {
	SubmitRequest

	Progress    func(float64)
	Log         func(string)
	IsCancelled func() bool
}

// LocalTool runs in process on a worker bounded by the local queue. It must
// return promptly once ctx is done or IsCancelled reports true.
type LocalTool interface {
	Run(ctx context.Context, task LocalTask) (map[string]models.OutputAsset, error)
}

// LocalToolFunc adapts a function to LocalTool.
type LocalToolFunc func(ctx context.Context, task LocalTask) (map[string]models.OutputAsset, error)

func (f LocalToolFunc) Run(ctx context.Context, task LocalTask) (map[string]models.OutputAsset, error) {
	return f(ctx, task)
}
