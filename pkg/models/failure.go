package models

// Recovery actions offered on a failed node.
const (
	ActionRetrySameInputs = "retrySameInputs"
	ActionRerunWithLatest = "rerunWithLatest"
)

// FailureSummary is the actionable description of a node failure.
type FailureSummary struct {
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
	Hint    string   `json:"hint,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// NewFailure builds a summary offering both recovery actions.
func NewFailure(message, code, hint string) *FailureSummary {
	return &FailureSummary{
		Message: message,
		Code:    code,
		Hint:    hint,
		Actions: []string{ActionRetrySameInputs, ActionRerunWithLatest},
	}
}
