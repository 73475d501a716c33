package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaWorkflow is the name of the built-in workflow template schema.
const SchemaWorkflow = "workflow"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaWorkflow, "#Workflow", builtinWorkflowSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Context returns the CUE context schemas were compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

const builtinWorkflowSchema = `
#Workflow: {
	// Name is the template name callers use to start a run.
	name: string & =~"^[a-z0-9_]+$"

	description?: string

	nodes: [#Node, ...#Node]
}

#Node: {
	// ID is unique within the workflow. Dots are reserved for context paths.
	id: string & =~"^[a-zA-Z0-9_-]+$"

	// Plugin names the registered plugin the node drives.
	plugin: string & !=""

	description?: string

	depends_on?: [...string]

	// Desired holds literal defaults for the node's desired state.
	desired?: {...}

	// Bindings map a desired-state path to a run context path.
	bindings?: {[string]: string}

	// Required lists desired-state paths that must be present before diff.
	required?: [...string]

	// Transform is a Starlark script defining transform(desired, context).
	transform?: string
}
`
