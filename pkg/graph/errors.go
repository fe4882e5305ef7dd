package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/nodeflow/pkg/models"
)

// ErrStructural matches every StructuralError with errors.Is.
var ErrStructural = errors.New("structural error")

// ErrorCode identifies the structural check that rejected a template.
type ErrorCode string

const (
	CodeInvalidDocument   ErrorCode = "invalid_document"
	CodeDuplicateNode     ErrorCode = "duplicate_node"
	CodeDuplicatePort     ErrorCode = "duplicate_port"
	CodeUnknownNode       ErrorCode = "unknown_node"
	CodeUnknownPort       ErrorCode = "unknown_port"
	CodePortTypeMismatch  ErrorCode = "port_type_mismatch"
	CodeMultipleProducers ErrorCode = "multiple_producers"
	CodeCycle             ErrorCode = "cycle"
	CodeInvalidAwait      ErrorCode = "invalid_await"
)

// StructuralError is the single report returned when a template is rejected.
type StructuralError struct {
	Code    ErrorCode
	Message string
	NodeIDs []string
	Edge    *models.Edge
	Details []string
}

func (e *StructuralError) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	if len(e.NodeIDs) > 0 {
		fmt.Fprintf(&b, " (nodes %s)", strings.Join(e.NodeIDs, ", "))
	}

	if e.Edge != nil {
		fmt.Fprintf(&b, " (edge %s -> %s)", e.Edge.From.ID(), e.Edge.To.ID())
	}

	if len(e.Details) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Details, "; "))
	}

	return b.String()
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

// IsCode reports whether err is a StructuralError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var structural *StructuralError
	if errors.As(err, &structural) {
		return structural.Code == code
	}

	return false
}

func newError(code ErrorCode, message string, nodeIDs ...string) *StructuralError {
	return &StructuralError{Code: code, Message: message, NodeIDs: nodeIDs}
}

func edgeError(code ErrorCode, message string, edge models.Edge, nodeIDs ...string) *StructuralError {
	return &StructuralError{Code: code, Message: message, NodeIDs: nodeIDs, Edge: &edge}
}
