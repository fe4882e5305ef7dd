package models

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// CurrentSchemaVersion is the version written into every persisted workflow record.
const CurrentSchemaVersion = 3

// MaxLogTail bounds the log text kept on a run.
const MaxLogTail = 4096

// Blocked reasons.
const (
	ReasonToolNotInstalled        = "tool not installed"
	ReasonInputChanged            = "input changed"
	ReasonInputDeleted            = "input deleted"
	ReasonMissingOptionalProducer = "missing optional producer"
	ReasonInterrupted             = "interrupted"
	ReasonUnknownState            = "unknown persisted state"
	ReasonMissingInputPrefix      = "missing input: "
)

// WorkflowStatus is the lifecycle state of a whole instance.
type WorkflowStatus string

const (
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusHalted    WorkflowStatus = "halted"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// WorkflowInstance binds a template to mutable execution state. It is the
// root record of persistence; runs are stored flat, keyed by id.
type WorkflowInstance struct {
	ID            string              `json:"id"`
	TemplateID    string              `json:"templateId,omitempty"`
	Title         string              `json:"title"`
	SchemaVersion int                 `json:"schemaVersion"`
	Status        WorkflowStatus      `json:"status"`
	HaltedReason  string              `json:"haltedReason,omitempty"`
	Template      Template            `json:"template"`
	Tools         []*ToolInstance     `json:"tools"`
	Runs          map[string]*ToolRun `json:"runs"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Tool returns the tool instance of nodeID.
func (w *WorkflowInstance) Tool(nodeID string) *ToolInstance {
	for _, tool := range w.Tools {
		if tool.NodeID == nodeID {
			return tool
		}
	}

	return nil
}

// Run returns the run with the given id.
func (w *WorkflowInstance) Run(runID string) *ToolRun {
	if w.Runs == nil {
		return nil
	}

	return w.Runs[runID]
}

// LatestRun returns the most recent run of nodeID, or nil.
func (w *WorkflowInstance) LatestRun(nodeID string) *ToolRun {
	tool := w.Tool(nodeID)
	if tool == nil || len(tool.RunIDs) == 0 {
		return nil
	}

	return w.Run(tool.RunIDs[len(tool.RunIDs)-1])
}

// AddRun stores run in the arena and appends it to its tool's history.
func (w *WorkflowInstance) AddRun(run *ToolRun) {
	if w.Runs == nil {
		w.Runs = make(map[string]*ToolRun)
	}

	w.Runs[run.ID] = run

	if tool := w.Tool(run.NodeID); tool != nil {
		tool.RunIDs = append(tool.RunIDs, run.ID)
	}
}

// Done reports whether every node reached a terminal state.
func (w *WorkflowInstance) Done() bool {
	for _, tool := range w.Tools {
		if !tool.State.IsTerminal() {
			return false
		}
	}

	return true
}

// ToolInstance is the current state of one node within an instance.
type ToolInstance struct {
	NodeID       string            `json:"nodeId"`
	Kind         string            `json:"kind"`
	State        ToolState         `json:"state"`
	Reason       string            `json:"reason,omitempty"`
	Params       map[string]any    `json:"params,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Outputs      []PortSpec        `json:"outputs,omitempty"`
	RunIDs       []string          `json:"runIds,omitempty"`
	PendingRunID string            `json:"pendingRunId,omitempty"`
	Failure      *FailureSummary   `json:"failure,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// HasRun reports whether the node was ever dispatched.
func (t *ToolInstance) HasRun() bool {
	return len(t.RunIDs) > 0
}

// ToolRun is one execution attempt of a node.
type ToolRun struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflowId"`
	NodeID          string            `json:"nodeId"`
	JobID           string            `json:"jobId,omitempty"`
	Class           ResourceClass     `json:"class"`
	State           ToolState         `json:"state"`
	Progress        float64           `json:"progress"`
	Inputs          map[string]string `json:"inputs,omitempty"`
	Params          map[string]any    `json:"params,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	AwaitID         string            `json:"awaitId,omitempty"`
	LogTail         string            `json:"logTail,omitempty"`
	ProviderPayload json.RawMessage   `json:"providerPayload,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
}

// Finished reports whether the run reached a final state.
func (r *ToolRun) Finished() bool {
	return r.FinishedAt != nil
}

// AppendLog adds text to the log tail, keeping at most the last MaxLogTail
// bytes. The cut never splits a rune.
func (r *ToolRun) AppendLog(text string) {
	r.LogTail += text
	if len(r.LogTail) <= MaxLogTail {
		return
	}

	cut := len(r.LogTail) - MaxLogTail
	for cut < len(r.LogTail) && !utf8.RuneStart(r.LogTail[cut]) {
		cut++
	}

	r.LogTail = r.LogTail[cut:]
}

// NewID returns a prefixed random identifier.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
