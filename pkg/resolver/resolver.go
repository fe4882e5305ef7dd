// Package resolver computes which nodes of an instance are enabled.
package resolver

import (
	"maps"

	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/models"
)

// Assets is the read side of the asset store used for gating.
type Assets interface {
	Get(id string) (*models.AssetRef, bool)
	// Current returns the newest valid asset produced on a node's output port.
	Current(workflowID, nodeID, port string) (*models.AssetRef, bool)
}

// Decision is the state a node should be in given its bindings.
type Decision struct {
	NodeID string
	State  models.ToolState
	Reason string
	Inputs map[string]string
}

type Resolver struct {
	graph  *graph.Graph
	assets Assets
}

func New(g *graph.Graph, assets Assets) *Resolver {
	return &Resolver{graph: g, assets: assets}
}

// Resolve evaluates the nodes reachable from changed, or the whole instance
// when changed is empty, and returns the decisions that differ from the
// current tool state. Running and terminal nodes are left alone.
func (r *Resolver) Resolve(instance *models.WorkflowInstance, changed ...string) []Decision {
	scope := r.graph.Order()
	if len(changed) > 0 {
		scope = r.graph.Downstream(changed...)
	}

	var decisions []Decision

	for _, nodeID := range scope {
		tool := instance.Tool(nodeID)
		if tool == nil || !evaluable(tool.State) {
			continue
		}

		decision, ok := r.Evaluate(instance, nodeID)
		if !ok {
			continue
		}

		if decision.State != tool.State || decision.Reason != tool.Reason || !maps.Equal(decision.Inputs, tool.Inputs) {
			decisions = append(decisions, decision)
		}
	}

	return decisions
}

func evaluable(state models.ToolState) bool {
	switch state {
	case models.StateBlocked, models.StateReady, models.StateAwaitingUser:
		return true
	default:
		return false
	}
}

// Evaluate computes the decision for one node. Nodes that never ran are bound
// to their producers' current outputs; nodes that already ran keep their
// bindings.
func (r *Resolver) Evaluate(instance *models.WorkflowInstance, nodeID string) (Decision, bool) {
	node, ok := r.graph.Node(nodeID)
	if !ok {
		return Decision{}, false
	}

	tool := instance.Tool(nodeID)
	if tool == nil {
		return Decision{}, false
	}

	decision := Decision{NodeID: nodeID, Inputs: maps.Clone(tool.Inputs)}

	if !tool.HasRun() {
		decision.Inputs = r.Bindings(instance, nodeID)
		for _, port := range node.Inputs {
			id, bound := decision.Inputs[port.Name]
			if bound && port.Optional {
				if asset, ok := r.assets.Get(id); !ok || !asset.Valid() {
					delete(decision.Inputs, port.Name)
				}
			}
		}
	}

	if decision.Inputs == nil {
		decision.Inputs = map[string]string{}
	}

	if !r.graph.Installed(nodeID) {
		decision.State = models.StateBlocked
		decision.Reason = models.ReasonToolNotInstalled

		return decision, true
	}

	if reason := r.gate(instance, node, decision.Inputs); reason != "" {
		decision.State = models.StateBlocked
		decision.Reason = reason

		return decision, true
	}

	decision.State = models.StateReady
	if node.IsInteractive() {
		decision.State = models.StateAwaitingUser
	}

	return decision, true
}

// gate returns the blocked reason of the first unsatisfied port, or "".
func (r *Resolver) gate(instance *models.WorkflowInstance, node *models.NodeTemplate, inputs map[string]string) string {
	for _, port := range node.Inputs {
		id, bound := inputs[port.Name]
		if bound {
			asset, ok := r.assets.Get(id)

			switch {
			case !ok || !asset.Exists():
				return models.ReasonInputDeleted
			case !asset.Valid():
				return models.ReasonInputChanged
			}

			continue
		}

		if port.Optional {
			continue
		}

		if edge, ok := r.graph.Producer(node.ID, port.Name); ok {
			if producer := instance.Tool(edge.From.Node); producer != nil && producer.State == models.StateSkipped {
				return models.ReasonMissingOptionalProducer
			}
		}

		return models.ReasonMissingInputPrefix + port.Name
	}

	return ""
}

// Bindings re-resolves every input port that has a producing edge to the
// producer's current output. Ports without a producer keep their binding.
func (r *Resolver) Bindings(instance *models.WorkflowInstance, nodeID string) map[string]string {
	bindings := map[string]string{}

	node, ok := r.graph.Node(nodeID)
	if !ok {
		return bindings
	}

	var existing map[string]string
	if tool := instance.Tool(nodeID); tool != nil {
		existing = tool.Inputs
	}

	for _, port := range node.Inputs {
		edge, ok := r.graph.Producer(nodeID, port.Name)
		if !ok {
			if id, bound := existing[port.Name]; bound {
				bindings[port.Name] = id
			}

			continue
		}

		if asset, ok := r.assets.Current(instance.ID, edge.From.Node, edge.From.Port); ok {
			bindings[port.Name] = asset.ID
		}
	}

	return bindings
}

// Enabled reports whether every required port of node has a valid binding.
func Enabled(node *models.NodeTemplate, inputs map[string]string, assets Assets) bool {
	for _, port := range node.Inputs {
		id, bound := inputs[port.Name]
		if !bound {
			if port.Optional {
				continue
			}

			return false
		}

		asset, ok := assets.Get(id)
		if !ok || !asset.Valid() {
			return false
		}
	}

	return true
}
