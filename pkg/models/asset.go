package models

import (
	"encoding/json"
	"time"
)

// Provenance records which node, run and port produced an asset.
type Provenance struct {
	NodeID string `json:"nodeId"`
	RunID  string `json:"runId"`
	Port   string `json:"port"`
}

// AssetRef is a produced artifact shared by reference across bindings.
type AssetRef struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	Type          PortType        `json:"type"`
	Location      string          `json:"location"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Provenance    Provenance      `json:"provenance"`
	Invalidated   bool            `json:"invalidated,omitempty"`
	InvalidReason string          `json:"invalidReason,omitempty"`
	Deleted       bool            `json:"deleted,omitempty"`
	Pinned        bool            `json:"pinned,omitempty"`
}

// Valid reports whether the asset can satisfy a binding.
func (a *AssetRef) Valid() bool {
	return a != nil && !a.Deleted && !a.Invalidated
}

// Exists reports whether the asset has not been deleted.
func (a *AssetRef) Exists() bool {
	return a != nil && !a.Deleted
}

// OutputAsset is an asset description reported by a tool or a human, before it gets an id.
type OutputAsset struct {
	Type     PortType        `json:"type"`
	Location string          `json:"location"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}
