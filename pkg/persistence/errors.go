package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow instance was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrAssetNotFound indicates an asset was not found by the given identifier.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrAwaitNotFound indicates an await request was not found by the given identifier.
	ErrAwaitNotFound = errors.New("await not found")

	// ErrJobNotFound indicates no job record exists for the given run.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnsupportedSchema indicates a stored record is newer than this build understands.
	ErrUnsupportedSchema = errors.New("unsupported schema version")

	// ErrDuplicateRecord indicates a uniqueness constraint rejected the record.
	ErrDuplicateRecord = errors.New("duplicate record")
)

// RecordError wraps a repository failure with the operation and record it concerns.
type RecordError struct {
	Op   string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Kind string // Record kind: workflow, asset, await, job
	ID   string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewWorkflowError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "workflow", ID: id, Err: err}
}

func NewAssetError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "asset", ID: id, Err: err}
}

func NewAwaitError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "await", ID: id, Err: err}
}

func NewJobError(op, runID string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "job", ID: runID, Err: err}
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrAssetNotFound) ||
		errors.Is(err, ErrAwaitNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}
