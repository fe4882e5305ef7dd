package awaits

import (
	"errors"
	"fmt"

	"github.com/dukex/nodeflow/pkg/persistence"
)

var (
	// ErrDuplicateAwait indicates an await already exists for the (workflow, node, run) triple.
	ErrDuplicateAwait = errors.New("await already exists for run")

	// ErrClaimConflict indicates another actor holds a valid lease on the await.
	ErrClaimConflict = errors.New("await is claimed by another actor")

	// ErrLeaseExpired indicates the caller's lease ran out before the operation.
	ErrLeaseExpired = errors.New("await lease expired")

	// ErrInvalidPayload indicates a completion does not match the node's declared output.
	ErrInvalidPayload = errors.New("invalid completion payload")

	// ErrAwaitResolved indicates the await was already completed or expired.
	ErrAwaitResolved = errors.New("await already resolved")

	ErrAwaitNotFound = persistence.ErrAwaitNotFound
)

// AwaitError wraps await failures with the operation and await id.
type AwaitError struct {
	Op      string
	AwaitID string
	Detail  string
	Err     error
}

func (e *AwaitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s await %s: %v: %s", e.Op, e.AwaitID, e.Err, e.Detail)
	}

	return fmt.Sprintf("%s await %s: %v", e.Op, e.AwaitID, e.Err)
}

func (e *AwaitError) Unwrap() error {
	return e.Err
}

func (e *AwaitError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newAwaitError(op, awaitID string, err error) *AwaitError {
	return &AwaitError{Op: op, AwaitID: awaitID, Err: err}
}

func invalidPayload(awaitID, detail string) *AwaitError {
	return &AwaitError{Op: "Complete", AwaitID: awaitID, Detail: detail, Err: ErrInvalidPayload}
}
