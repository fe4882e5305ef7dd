package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Loader parses and validates template documents. It is safe for concurrent use.
type Loader struct {
	logger   *slog.Logger
	catalog  Catalog
	validate *validator.Validate
	schema   *gojsonschema.Schema
}

// NewLoader returns a loader checking kinds against catalog. A nil catalog
// treats every kind as installed.
func NewLoader(logger *slog.Logger, catalog Catalog) *Loader {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(templateSchema))
	if err != nil {
		panic(fmt.Sprintf("graph: invalid embedded template schema: %v", err))
	}

	return &Loader{
		logger:   logger.With("module", "graph"),
		catalog:  catalog,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		schema:   schema,
	}
}

// Load decodes a JSON or YAML document and validates it. YAML is assumed
// unless the document starts with '{'.
func (l *Loader) Load(data []byte) (*Graph, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, newError(CodeInvalidDocument, "empty template document")
	}

	var (
		template models.Template
		document any
	)

	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &document); err != nil {
			return nil, newError(CodeInvalidDocument, "malformed JSON: "+err.Error())
		}

		if err := l.checkSchema(document); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(trimmed, &template); err != nil {
			return nil, newError(CodeInvalidDocument, err.Error())
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &document); err != nil {
			return nil, newError(CodeInvalidDocument, "malformed YAML: "+err.Error())
		}

		if err := l.checkSchema(document); err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(trimmed, &template); err != nil {
			return nil, newError(CodeInvalidDocument, err.Error())
		}
	}

	return l.Build(template)
}

func (l *Loader) checkSchema(document any) error {
	result, err := l.schema.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return newError(CodeInvalidDocument, err.Error())
	}

	if result.Valid() {
		return nil
	}

	structural := newError(CodeInvalidDocument, "template does not match schema")
	for _, desc := range result.Errors() {
		structural.Details = append(structural.Details, desc.String())
	}

	return structural
}

// Build validates an already decoded template, such as the copy stored on a
// workflow instance.
func (l *Loader) Build(template models.Template) (*Graph, error) {
	if err := l.validate.Struct(template); err != nil {
		structural := newError(CodeInvalidDocument, "template fields are invalid")

		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldErr := range validationErrors {
				structural.Details = append(structural.Details,
					fmt.Sprintf("%s failed on %s", fieldErr.Namespace(), fieldErr.Tag()))
			}
		} else {
			structural.Details = []string{err.Error()}
		}

		return nil, structural
	}

	g := &Graph{
		template:    template,
		nodes:       make(map[string]*models.NodeTemplate, len(template.Nodes)),
		producers:   make(map[string]models.Edge),
		consumers:   make(map[string][]models.Edge),
		uninstalled: make(map[string]bool),
	}

	for i := range g.template.Nodes {
		node := &g.template.Nodes[i]
		if _, exists := g.nodes[node.ID]; exists {
			return nil, newError(CodeDuplicateNode, fmt.Sprintf("node %q is declared twice", node.ID), node.ID)
		}

		if err := checkPorts(node); err != nil {
			return nil, err
		}

		g.nodes[node.ID] = node
	}

	if err := g.indexEdges(); err != nil {
		return nil, err
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}

	g.order = order

	for _, node := range g.nodes {
		if l.catalog != nil && !l.catalog.Has(node.Kind) {
			g.uninstalled[node.ID] = true
			l.logger.Warn("tool kind not installed", "node_id", node.ID, "kind", node.Kind)
		}
	}

	return g, nil
}

func checkPorts(node *models.NodeTemplate) error {
	for _, ports := range [][]models.PortSpec{node.Inputs, node.Outputs} {
		seen := make(map[string]bool, len(ports))
		for _, port := range ports {
			if seen[port.Name] {
				return newError(CodeDuplicatePort,
					fmt.Sprintf("port %q is declared twice on node %q", port.Name, node.ID), node.ID)
			}

			seen[port.Name] = true
		}
	}

	if node.Await == nil {
		return nil
	}

	if len(node.Outputs) == 0 {
		return newError(CodeInvalidAwait, fmt.Sprintf("await node %q declares no output port", node.ID), node.ID)
	}

	if _, ok := node.Output(node.AwaitOutputPort()); !ok {
		return newError(CodeInvalidAwait,
			fmt.Sprintf("await output port %q is not declared on node %q", node.AwaitOutputPort(), node.ID), node.ID)
	}

	if node.Await.Type == models.AwaitTypeChoice && len(node.Await.Choices) == 0 {
		return newError(CodeInvalidAwait, fmt.Sprintf("choice await on node %q lists no choices", node.ID), node.ID)
	}

	return nil
}

func (g *Graph) indexEdges() error {
	for _, edge := range g.template.Edges {
		from, ok := g.nodes[edge.From.Node]
		if !ok {
			return edgeError(CodeUnknownNode, fmt.Sprintf("edge source node %q is not declared", edge.From.Node), edge)
		}

		to, ok := g.nodes[edge.To.Node]
		if !ok {
			return edgeError(CodeUnknownNode, fmt.Sprintf("edge destination node %q is not declared", edge.To.Node), edge)
		}

		output, ok := from.Output(edge.From.Port)
		if !ok {
			return edgeError(CodeUnknownPort,
				fmt.Sprintf("node %q has no output port %q", from.ID, edge.From.Port), edge, from.ID)
		}

		input, ok := to.Input(edge.To.Port)
		if !ok {
			return edgeError(CodeUnknownPort,
				fmt.Sprintf("node %q has no input port %q", to.ID, edge.To.Port), edge, to.ID)
		}

		if output.Type != input.Type {
			return edgeError(CodePortTypeMismatch,
				fmt.Sprintf("output %s is %s but input %s is %s",
					edge.From.ID(), output.Type, edge.To.ID(), input.Type),
				edge, from.ID, to.ID)
		}

		key := edge.To.ID()
		if existing, dup := g.producers[key]; dup {
			return edgeError(CodeMultipleProducers,
				fmt.Sprintf("input %s is fed by both %s and %s", key, existing.From.ID(), edge.From.ID()),
				edge, existing.From.Node, edge.From.Node, to.ID)
		}

		g.producers[key] = edge
		g.consumers[from.ID] = append(g.consumers[from.ID], edge)
	}

	return nil
}

// sort runs Kahn's algorithm. Ties keep template order.
func (g *Graph) sort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, edge := range g.template.Edges {
		inDegree[edge.To.Node]++
	}

	queue := make([]string, 0, len(g.nodes))
	for _, node := range g.template.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, edge := range g.consumers[id] {
			inDegree[edge.To.Node]--
			if inDegree[edge.To.Node] == 0 {
				queue = append(queue, edge.To.Node)
			}
		}
	}

	if len(order) == len(g.nodes) {
		return order, nil
	}

	return nil, g.cycleError(inDegree)
}

// cycleError walks predecessors among the nodes Kahn could not peel until a
// node repeats; the repeated stretch is a cycle.
func (g *Graph) cycleError(inDegree map[string]int) error {
	remaining := make(map[string]bool)
	predecessor := make(map[string]models.Edge)

	for _, edge := range g.template.Edges {
		if inDegree[edge.To.Node] > 0 && inDegree[edge.From.Node] > 0 {
			remaining[edge.To.Node] = true
			if _, ok := predecessor[edge.To.Node]; !ok {
				predecessor[edge.To.Node] = edge
			}
		}
	}

	start := ""
	for _, node := range g.template.Nodes {
		if remaining[node.ID] {
			start = node.ID

			break
		}
	}

	visitedAt := make(map[string]int)
	path := []string{}

	current := start
	for {
		if at, ok := visitedAt[current]; ok {
			path = path[at:]

			break
		}

		visitedAt[current] = len(path)
		path = append(path, current)
		current = predecessor[current].From.Node
	}

	slices.Reverse(path)
	edge := predecessor[path[0]]

	return edgeError(CodeCycle, "template contains a cycle", edge, path...)
}
