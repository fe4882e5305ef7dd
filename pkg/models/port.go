// Package models defines the typed graph, instance, run and asset records of the runtime.
package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// PortType is the type tag carried by ports and assets. Edges require equal tags.
type PortType string

const (
	PortTypeImage  PortType = "image"
	PortTypeMask   PortType = "mask"
	PortTypeText   PortType = "text"
	PortTypeChoice PortType = "choice"
	PortTypeParams PortType = "params"
)

// PortDirection represents the direction of data flow for a port.
type PortDirection string

const (
	PortDirectionInput  PortDirection = "input"
	PortDirectionOutput PortDirection = "output"
)

// PortSpec declares a typed input or output slot on a node.
type PortSpec struct {
	Name     string   `json:"name"               validate:"required" yaml:"name"`
	Type     PortType `json:"type"               validate:"required" yaml:"type"`
	Optional bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// PortRef addresses one port of one node. It is encoded as [node, port].
type PortRef struct {
	Node string
	Port string
}

// ID returns the "{node}:{port}" form of the reference.
func (r PortRef) ID() string {
	return MakePortID(r.Node, r.Port)
}

func (r PortRef) String() string {
	return r.ID()
}

func (r PortRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{r.Node, r.Port})
}

func (r *PortRef) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		return r.fromPair(pair)
	}

	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return errors.New("port reference must be [node, port] or \"node:port\"")
	}

	return r.fromID(id)
}

func (r *PortRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var pair []string
		if err := value.Decode(&pair); err != nil {
			return err
		}

		return r.fromPair(pair)
	case yaml.ScalarNode:
		return r.fromID(value.Value)
	default:
		return errors.New("port reference must be [node, port] or \"node:port\"")
	}
}

func (r *PortRef) fromPair(pair []string) error {
	if len(pair) != 2 {
		return fmt.Errorf("port reference must have 2 elements, got %d", len(pair))
	}

	r.Node, r.Port = pair[0], pair[1]

	return nil
}

func (r *PortRef) fromID(id string) error {
	node, port, ok := ParsePortID(id)
	if !ok {
		return fmt.Errorf("invalid port reference %q", id)
	}

	r.Node, r.Port = node, port

	return nil
}

// ParsePortID parses a port ID in format "{node_id}:{port_name}" into components.
func ParsePortID(portID string) (string, string, bool) {
	for i := range len(portID) {
		if portID[i] == ':' {
			return portID[:i], portID[i+1:], true
		}
	}

	return "", "", false
}

// MakePortID creates a port ID from node ID and port name.
func MakePortID(nodeID, portName string) string {
	return nodeID + ":" + portName
}
