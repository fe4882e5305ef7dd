// Package web exposes the runtime's commands over HTTP.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
)

// InstantiateRequest creates a workflow from a template document. Template is
// the raw JSON document, checked against the template schema.
type InstantiateRequest struct {
	Title    string          `json:"title,omitempty"`
	Template json.RawMessage `json:"template"        validate:"required"`
}

// ClaimRequest takes or renews a lease on an await.
type ClaimRequest struct {
	Claimant     string `json:"claimant"     validate:"required"`
	LeaseSeconds int    `json:"leaseSeconds" validate:"omitempty,min=1,max=86400"`
}

func (r ClaimRequest) Lease() time.Duration {
	if r.LeaseSeconds == 0 {
		return defaultLease
	}

	return time.Duration(r.LeaseSeconds) * time.Second
}

type ReleaseRequest struct {
	Claimant string `json:"claimant" validate:"required"`
}

// CompleteRequest hands a result back for an await.
type CompleteRequest struct {
	Claimant string                  `json:"claimant" validate:"required"`
	Result   models.CompletionResult `json:"result"`
}

type SnoozeRequest struct {
	Until time.Time `json:"until" validate:"required"`
}

type PinRequest struct {
	Pinned bool `json:"pinned"`
}

type ForegroundRequest struct {
	WorkflowID string `json:"workflowId"`
}

// WorkflowSummary is a list entry for a workflow instance.
type WorkflowSummary struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	Status    models.WorkflowStatus `json:"status"`
	States    map[string]int        `json:"states"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// SummarizeWorkflow counts the instance's nodes per state.
func SummarizeWorkflow(instance *models.WorkflowInstance) WorkflowSummary {
	states := make(map[string]int)
	for _, tool := range instance.Tools {
		states[string(tool.State)]++
	}

	return WorkflowSummary{
		ID:        instance.ID,
		Title:     instance.Title,
		Status:    instance.Status,
		States:    states,
		CreatedAt: instance.CreatedAt,
		UpdatedAt: instance.UpdatedAt,
	}
}
