package runtime

import (
	"errors"
	"fmt"

	"github.com/dukex/nodeflow/pkg/assets"
	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/persistence"
)

var (
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
	ErrAssetNotFound    = assets.ErrAssetNotFound
	ErrNodeNotFound     = errors.New("node not found")

	// Validation errors (400).
	ErrInvalidTemplate = errors.New("invalid template")

	// Conflicts with the current node or workflow state (409).
	ErrNodeBlocked     = errors.New("node is blocked")
	ErrInvalidState    = errors.New("command not allowed in the current state")
	ErrStaleInput      = errors.New("frozen input is no longer valid")
	ErrWorkflowStopped = errors.New("workflow is cancelled")

	ErrNotRunning = errors.New("runtime is not running")
)

// CommandError wraps a rejected command with the node it targeted.
type CommandError struct {
	Op         string
	WorkflowID string
	NodeID     string
	Message    string
	Err        error
}

func (e *CommandError) Error() string {
	target := e.WorkflowID
	if e.NodeID != "" {
		target += "/" + e.NodeID
	}

	if e.Message != "" {
		return fmt.Sprintf("%s %s: %v: %s", e.Op, target, e.Err, e.Message)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, target, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func commandError(op, workflowID, nodeID string, err error, message string) *CommandError {
	return &CommandError{Op: op, WorkflowID: workflowID, NodeID: nodeID, Message: message, Err: err}
}

// IsValidationError reports errors caused by a malformed request.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidTemplate) ||
		errors.Is(err, graph.ErrStructural) ||
		errors.Is(err, awaits.ErrInvalidPayload)
}

// IsConflictError reports errors caused by the current state of a node, an
// await or a lease.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNodeBlocked) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrStaleInput) ||
		errors.Is(err, ErrWorkflowStopped) ||
		errors.Is(err, awaits.ErrClaimConflict) ||
		errors.Is(err, awaits.ErrLeaseExpired) ||
		errors.Is(err, awaits.ErrAwaitResolved) ||
		errors.Is(err, awaits.ErrDuplicateAwait)
}

func IsNotFound(err error) bool {
	return persistence.IsNotFound(err) || errors.Is(err, ErrNodeNotFound)
}
