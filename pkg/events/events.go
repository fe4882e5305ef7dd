// Package events defines the notifications the runtime publishes for
// collaborators after each persisted change.
package events

import (
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic is the single topic every runtime event is published on.
const Topic = "nodeflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	NodeStateChangedEvent  EventType = "node.state.changed"
	AwaitCreatedEvent      EventType = "await.created"
	AwaitResolvedEvent     EventType = "await.resolved"
	AssetInvalidatedEvent  EventType = "asset.invalidated"
	JobSubmittedEvent      EventType = "job.submitted"
	WorkflowCompletedEvent EventType = "workflow.completed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// NodeStateChanged is emitted once per persisted tool state transition.
type NodeStateChanged struct {
	BaseEvent

	NodeID string           `json:"node_id"`
	RunID  string           `json:"run_id,omitempty"`
	From   models.ToolState `json:"from"`
	To     models.ToolState `json:"to"`
	Reason string           `json:"reason,omitempty"`
}

func (e NodeStateChanged) GetType() EventType {
	return NodeStateChangedEvent
}

type AwaitCreated struct {
	BaseEvent

	AwaitID  string           `json:"await_id"`
	NodeID   string           `json:"node_id"`
	RunID    string           `json:"run_id"`
	Type     models.AwaitType `json:"await_type"`
	Urgency  models.Urgency   `json:"urgency"`
	Blocking bool             `json:"blocking"`
	DeepLink string           `json:"deep_link"`
	Hint     string           `json:"notification_hint,omitempty"`
}

func (e AwaitCreated) GetType() EventType {
	return AwaitCreatedEvent
}

type AwaitResolved struct {
	BaseEvent

	AwaitID string             `json:"await_id"`
	NodeID  string             `json:"node_id"`
	Status  models.AwaitStatus `json:"status"`
}

func (e AwaitResolved) GetType() EventType {
	return AwaitResolvedEvent
}

type AssetInvalidated struct {
	BaseEvent

	AssetID string `json:"asset_id"`
	NodeID  string `json:"node_id"`
	Port    string `json:"port"`
	Reason  string `json:"reason"`
}

func (e AssetInvalidated) GetType() EventType {
	return AssetInvalidatedEvent
}

type JobSubmitted struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	RunID      string `json:"run_id"`
	JobID      string `json:"job_id"`
	ProviderID string `json:"provider_id,omitempty"`
}

func (e JobSubmitted) GetType() EventType {
	return JobSubmittedEvent
}

// WorkflowCompleted is emitted when every tool reached a terminal state.
type WorkflowCompleted struct {
	BaseEvent

	Status models.WorkflowStatus `json:"status"`
}

func (e WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}
