// Package graph loads template documents into validated, typed DAGs.
package graph

import (
	"slices"

	"github.com/dukex/nodeflow/pkg/models"
)

// Catalog reports whether a tool kind is installed.
type Catalog interface {
	Has(kind string) bool
}

// Graph is a validated template with lookup indexes. It is immutable.
type Graph struct {
	template    models.Template
	nodes       map[string]*models.NodeTemplate
	order       []string
	producers   map[string]models.Edge
	consumers   map[string][]models.Edge
	uninstalled map[string]bool
}

// Template returns the template the graph was built from.
func (g *Graph) Template() models.Template {
	return g.template
}

func (g *Graph) Node(id string) (*models.NodeTemplate, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// Nodes returns the nodes in template order.
func (g *Graph) Nodes() []*models.NodeTemplate {
	nodes := make([]*models.NodeTemplate, 0, len(g.template.Nodes))
	for i := range g.template.Nodes {
		nodes = append(nodes, g.nodes[g.template.Nodes[i].ID])
	}

	return nodes
}

// Order returns node ids in topological order, producers before consumers.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Producer returns the edge feeding the given input port.
func (g *Graph) Producer(nodeID, port string) (models.Edge, bool) {
	edge, ok := g.producers[models.MakePortID(nodeID, port)]

	return edge, ok
}

// Consumers returns every edge leaving nodeID.
func (g *Graph) Consumers(nodeID string) []models.Edge {
	return slices.Clone(g.consumers[nodeID])
}

// ConsumersOf returns the edges leaving one output port.
func (g *Graph) ConsumersOf(nodeID, port string) []models.Edge {
	var edges []models.Edge

	for _, edge := range g.consumers[nodeID] {
		if edge.From.Port == port {
			edges = append(edges, edge)
		}
	}

	return edges
}

// Installed reports whether the node's tool kind was found in the catalog.
func (g *Graph) Installed(nodeID string) bool {
	return !g.uninstalled[nodeID]
}

// Downstream returns the given nodes and everything reachable from them, in
// topological order.
func (g *Graph) Downstream(nodeIDs ...string) []string {
	seen := make(map[string]bool, len(nodeIDs))
	queue := make([]string, 0, len(nodeIDs))

	for _, id := range nodeIDs {
		if _, ok := g.nodes[id]; ok && !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, edge := range g.consumers[id] {
			if !seen[edge.To.Node] {
				seen[edge.To.Node] = true
				queue = append(queue, edge.To.Node)
			}
		}
	}

	result := make([]string, 0, len(seen))
	for _, id := range g.order {
		if seen[id] {
			result = append(result, id)
		}
	}

	return result
}
