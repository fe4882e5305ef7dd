package models

// TemplateSchemaV1 is the schema tag of template documents understood by the loader.
const TemplateSchemaV1 = "nodeflow.template/v1"

// ResourceClass selects the execution queue of a node.
type ResourceClass string

const (
	ResourceClassRemote ResourceClass = "remote"
	ResourceClassLocal  ResourceClass = "local"
)

// ErrorPolicy controls what a node failure does to the rest of the instance.
type ErrorPolicy string

const (
	ErrorPolicyFailFast    ErrorPolicy = "fail-fast"
	ErrorPolicyIsolateNode ErrorPolicy = "isolate-node"
)

// AwaitType is the kind of human input an interactive node asks for.
type AwaitType string

const (
	AwaitTypeAsset  AwaitType = "asset"
	AwaitTypeChoice AwaitType = "choice"
	AwaitTypeParams AwaitType = "params"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ResumePolicy is applied once when an await expires or is cancelled.
type ResumePolicy string

const (
	ResumePolicyCancel      ResumePolicy = "cancel"
	ResumePolicyAutoDefault ResumePolicy = "autoDefault"
	ResumePolicySkip        ResumePolicy = "skip"
)

// AwaitSpec turns a node into an out-of-band human interaction.
type AwaitSpec struct {
	Type             AwaitType      `json:"type"                       validate:"required,oneof=asset choice params" yaml:"type"`
	Blocking         bool           `json:"blocking,omitempty"         yaml:"blocking,omitempty"`
	Urgency          Urgency        `json:"urgency,omitempty"          validate:"omitempty,oneof=low normal high"    yaml:"urgency,omitempty"`
	ExpiresIn        Duration       `json:"expiresIn,omitempty"        yaml:"expiresIn,omitempty"`
	ResumePolicy     ResumePolicy   `json:"resumePolicy,omitempty"     validate:"omitempty,oneof=cancel autoDefault skip" yaml:"resumePolicy,omitempty"`
	NotificationHint string         `json:"notificationHint,omitempty" yaml:"notificationHint,omitempty"`
	OutputPort       string         `json:"outputPort,omitempty"       yaml:"outputPort,omitempty"`
	Choices          []string       `json:"choices,omitempty"          yaml:"choices,omitempty"`
	Default          any            `json:"default,omitempty"          yaml:"default,omitempty"`
	ParamsSchema     map[string]any `json:"paramsSchema,omitempty"     yaml:"paramsSchema,omitempty"`
}

// Resources describes where a node executes.
type Resources struct {
	Class ResourceClass `json:"class,omitempty" validate:"omitempty,oneof=remote local" yaml:"class,omitempty"`
}

// NodeTemplate is the immutable definition of one node.
type NodeTemplate struct {
	ID        string         `json:"id"                  validate:"required" yaml:"id"`
	Kind      string         `json:"kind"                validate:"required" yaml:"kind"`
	Params    map[string]any `json:"params,omitempty"    yaml:"params,omitempty"`
	Inputs    []PortSpec     `json:"inputs,omitempty"    validate:"dive"     yaml:"inputs,omitempty"`
	Outputs   []PortSpec     `json:"outputs,omitempty"   validate:"dive"     yaml:"outputs,omitempty"`
	Resources Resources      `json:"resources,omitempty" yaml:"resources,omitempty"`
	Await     *AwaitSpec     `json:"await,omitempty"     yaml:"await,omitempty"`
}

func (n *NodeTemplate) Input(name string) (PortSpec, bool) {
	return findPort(n.Inputs, name)
}

func (n *NodeTemplate) Output(name string) (PortSpec, bool) {
	return findPort(n.Outputs, name)
}

// IsInteractive reports whether the node is resolved by a human through an await.
func (n *NodeTemplate) IsInteractive() bool {
	return n.Await != nil
}

// Class returns the node's resource class, remote when unset.
func (n *NodeTemplate) Class() ResourceClass {
	if n.Resources.Class == "" {
		return ResourceClassRemote
	}

	return n.Resources.Class
}

// AwaitOutputPort is the output port receiving the await result.
func (n *NodeTemplate) AwaitOutputPort() string {
	if n.Await != nil && n.Await.OutputPort != "" {
		return n.Await.OutputPort
	}

	if len(n.Outputs) > 0 {
		return n.Outputs[0].Name
	}

	return ""
}

func findPort(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}

	return PortSpec{}, false
}

// Edge connects an output port to an input port.
type Edge struct {
	From PortRef `json:"from" yaml:"from"`
	To   PortRef `json:"to"   yaml:"to"`
}

type Concurrency struct {
	Remote int `json:"remote,omitempty" validate:"omitempty,min=1" yaml:"remote,omitempty"`
	Local  int `json:"local,omitempty"  validate:"omitempty,min=1" yaml:"local,omitempty"`
}

type Options struct {
	Concurrency Concurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	ErrorPolicy ErrorPolicy `json:"errorPolicy,omitempty" validate:"omitempty,oneof=fail-fast isolate-node" yaml:"errorPolicy,omitempty"`
}

// EffectiveErrorPolicy returns the error policy, isolate-node when unset.
func (o Options) EffectiveErrorPolicy() ErrorPolicy {
	if o.ErrorPolicy == "" {
		return ErrorPolicyIsolateNode
	}

	return o.ErrorPolicy
}

// Template is a declarative DAG of typed tool nodes.
type Template struct {
	Schema  string         `json:"schema"            validate:"required" yaml:"schema"`
	ID      string         `json:"id,omitempty"      yaml:"id,omitempty"`
	Title   string         `json:"title,omitempty"   yaml:"title,omitempty"`
	Nodes   []NodeTemplate `json:"nodes"             validate:"required,min=1,dive" yaml:"nodes"`
	Edges   []Edge         `json:"edges,omitempty"   yaml:"edges,omitempty"`
	Options Options        `json:"options,omitempty" yaml:"options,omitempty"`
}

// Node returns the node with the given id.
func (t *Template) Node(id string) (*NodeTemplate, bool) {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id {
			return &t.Nodes[i], true
		}
	}

	return nil, false
}
