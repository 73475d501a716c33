package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
)

// Port names. Every node has one input port and three output ports, and each
// output is published to the run context under "<node>.<port>".
const (
	PortDesiredState = "desired_state"
	PortCurrentState = "current_state"
	PortDiff         = "diff"
	PortApplyResult  = "apply_result"

	// PortUnresolved holds the fields a node could not settle: missing
	// inputs while waiting, or failed fields after a partial apply.
	PortUnresolved = "unresolved"
)

// Definition is a workflow template: a DAG of plugin nodes.
type Definition struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`

	// Source is where the template was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Node wraps one plugin.
type Node struct {
	ID          string   `json:"id" yaml:"id" validate:"required,excludesall=. "`
	Plugin      string   `json:"plugin" yaml:"plugin" validate:"required"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Desired holds defaults for the node's desired state. Caller inputs
	// override them.
	Desired engine.Document `json:"desired,omitempty" yaml:"desired,omitempty"`

	// Bindings copy values from the run context into the desired state. Keys
	// are desired-state paths, values are context paths such as
	// "bridge.current_state.links.br0.mtu".
	Bindings map[string]string `json:"bindings,omitempty" yaml:"bindings,omitempty" validate:"dive,keys,required,endkeys,required"`

	// Required lists desired-state paths that must be present before diff.
	Required []string `json:"required,omitempty" yaml:"required,omitempty" validate:"dive,required"`

	// Transform is a Starlark script defining transform(desired, context).
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

var validate = validator.New()

// Validate checks field constraints, the dependency graph and that every
// binding reads from an upstream node.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("workflow %s: %v", d.Name, err), err).
			WithCode(engine.ErrCodeValidation)
	}
	graph, err := d.Graph()
	if err != nil {
		return err
	}
	for _, n := range d.Nodes {
		upstream := ancestors(graph, n.ID)
		for target, source := range n.Bindings {
			from, _, _ := strings.Cut(source, ".")
			if !upstream[from] {
				return engine.NewPermanentError(
					fmt.Sprintf("workflow %s: node %s binds %s from %s, which is not upstream", d.Name, n.ID, target, from),
					nil,
				).WithCode(engine.ErrCodeValidation).WithResource(n.ID)
			}
		}
	}
	return nil
}

// Graph builds the node dependency graph.
func (d *Definition) Graph() (*engine.ExecutionGraph, error) {
	return engine.NewDAGBuilder().BuildGraph(d.dagNodes())
}

func ancestors(g *engine.ExecutionGraph, id string) map[string]bool {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.Nodes[n].Dependencies {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return seen
}

func (d *Definition) dagNodes() []engine.DAGNode {
	nodes := make([]engine.DAGNode, len(d.Nodes))
	for i, n := range d.Nodes {
		nodes[i] = engine.DAGNode{ID: n.ID, Label: n.Plugin, DependsOn: n.DependsOn}
	}
	return nodes
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Port describes a node input or output.
type Port struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

// Inputs describes the node's input port. Fields lists the paths that must
// be present, from Required and from bindings.
func (n Node) Inputs() []Port {
	fields := append([]string(nil), n.Required...)
	for target := range n.Bindings {
		fields = append(fields, target)
	}
	return []Port{{
		Name:     PortDesiredState,
		Type:     "object",
		Required: len(n.Desired) == 0 || len(fields) > 0,
		Fields:   sortedUnique(fields),
	}}
}

// Outputs describes the node's output ports.
func (n Node) Outputs() []Port {
	return []Port{
		{Name: PortCurrentState, Type: "object"},
		{Name: PortDiff, Type: "object"},
		{Name: PortApplyResult, Type: "object"},
	}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Request starts a run.
type Request struct {
	// Workflow names a loaded template. Ignored when Definition is set.
	Workflow string `json:"workflow"`

	// Definition runs an ad-hoc workflow instead of a template.
	Definition *Definition `json:"definition,omitempty"`

	// Inputs are desired-state values keyed by node id.
	Inputs map[string]engine.Document `json:"inputs,omitempty"`

	// RunID is optional; a UUID is generated when empty.
	RunID string `json:"run_id,omitempty"`

	// Caller overrides the engine's default caller for policy decisions.
	Caller *policy.Caller `json:"-"`

	// Approved confirms destructive applies for this run.
	Approved bool `json:"approved,omitempty"`
}

// NodeReport is the state of one node.
type NodeReport struct {
	ID         string            `json:"id"`
	Plugin     string            `json:"plugin"`
	State      engine.NodeState  `json:"state"`
	Error      *engine.ErrorBody `json:"error,omitempty"`
	Unresolved []string          `json:"unresolved,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID    string           `json:"run_id"`
	Workflow string           `json:"workflow"`
	Status   engine.RunStatus `json:"status"`

	// Nodes are listed in topological order.
	Nodes []NodeReport `json:"nodes"`

	// Blocked lists nodes waiting for input, Failed and Intervention list
	// nodes in those states, and NotRun lists nodes an unsatisfied upstream
	// kept from starting.
	Blocked      []string `json:"blocked,omitempty"`
	Failed       []string `json:"failed,omitempty"`
	Intervention []string `json:"intervention,omitempty"`
	NotRun       []string `json:"not_run,omitempty"`

	// Outputs is the run context: node id to port to value.
	Outputs map[string]map[string]any `json:"outputs"`

	Warnings   []string      `json:"warnings,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Node returns the report for one node.
func (r *Report) Node(id string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeReport{}, false
}
