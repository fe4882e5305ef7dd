package jobs

import (
	"context"
	"encoding/json"

	"github.com/dukex/nodeflow/pkg/models"
)

// EventKind is the kind of report a job goroutine sends to the runtime.
type EventKind string

const (
	EventSubmitted   EventKind = "submitted"
	EventProgress    EventKind = "progress"
	EventDownloading EventKind = "downloading"
	EventSucceeded   EventKind = "succeeded"
	EventFailed      EventKind = "failed"
	EventCancelled   EventKind = "cancelled"
)

// Event reports a change of one run. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	WorkflowID string
	NodeID     string
	RunID      string
	JobID      string

	// Status is the normalized provider state of progress events.
	Status   models.JobStatus
	Progress *float64
	Log      string
	Outputs  map[string]models.OutputAsset
	Failure  *models.FailureSummary
	Payload  json.RawMessage
}

// Final reports whether the event ends the run.
func (e Event) Final() bool {
	return e.Kind == EventSucceeded || e.Kind == EventFailed || e.Kind == EventCancelled
}

// Sink receives events. It must not block past ctx.
type Sink func(ctx context.Context, event Event)
