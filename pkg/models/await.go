package models

import "time"

// DefaultLease is the claim lease applied when none is given.
const DefaultLease = 300 * time.Second

type AwaitStatus string

const (
	AwaitStatusPending   AwaitStatus = "pending"
	AwaitStatusClaimed   AwaitStatus = "claimed"
	AwaitStatusSnoozed   AwaitStatus = "snoozed"
	AwaitStatusCompleted AwaitStatus = "completed"
	AwaitStatusExpired   AwaitStatus = "expired"
)

// Open reports whether the await still waits for a resolution.
func (s AwaitStatus) Open() bool {
	return s == AwaitStatusPending || s == AwaitStatusClaimed || s == AwaitStatusSnoozed
}

// AwaitRequest is an out-of-band record of a node paused for human input.
type AwaitRequest struct {
	ID               string       `json:"id"`
	WorkflowID       string       `json:"workflowId"`
	NodeID           string       `json:"nodeId"`
	RunID            string       `json:"runId"`
	Type             AwaitType    `json:"type"`
	Urgency          Urgency      `json:"urgency"`
	Blocking         bool         `json:"blocking"`
	ResumePolicy     ResumePolicy `json:"resumePolicy"`
	NotificationHint string       `json:"notificationHint,omitempty"`
	Status           AwaitStatus  `json:"status"`
	Claim            *AwaitClaim  `json:"claim,omitempty"`
	SnoozedUntil     *time.Time   `json:"snoozedUntil,omitempty"`
	DeepLink         string       `json:"deepLink"`
	CreatedAt        time.Time    `json:"createdAt"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"`
	ResolvedAt       *time.Time   `json:"resolvedAt,omitempty"`
}

// Expired reports whether the request's expiry has passed at now.
func (a *AwaitRequest) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// AwaitClaim is an exclusive, time-boxed right to handle an await.
type AwaitClaim struct {
	AwaitID   string    `json:"awaitId"`
	Claimant  string    `json:"claimant"`
	ClaimedAt time.Time `json:"claimedAt"`
	Lease     Duration  `json:"lease"`
}

// ExpiresAt is the end of the lease.
func (c *AwaitClaim) ExpiresAt() time.Time {
	return c.ClaimedAt.Add(c.Lease.Std())
}

// CompletionKind is the kind of result handed back for an await.
type CompletionKind string

const (
	CompletionAsset  CompletionKind = "asset"
	CompletionChoice CompletionKind = "choice"
	CompletionParams CompletionKind = "params"
	CompletionCancel CompletionKind = "cancel"
)

// CompletionResult is the payload of completeAwait.
type CompletionResult struct {
	Kind   CompletionKind `json:"kind"             validate:"required,oneof=asset choice params cancel"`
	Asset  *OutputAsset   `json:"asset,omitempty"`
	Choice string         `json:"choice,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}
