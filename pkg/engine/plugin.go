package engine

import (
	"context"
	"fmt"
)

// Operation names one of the three plugin operations.
type Operation string

const (
	OperationQuery Operation = "query"
	OperationDiff  Operation = "diff"
	OperationApply Operation = "apply"
)

// Operations lists the plugin operations in their canonical order.
var Operations = []Operation{OperationQuery, OperationDiff, OperationApply}

// ParseOperation converts a string into an Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationQuery, OperationDiff, OperationApply:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("invalid operation: %s", s)
	}
}

// IsMutating reports whether the operation changes host state.
func (o Operation) IsMutating() bool {
	return o == OperationApply
}

// PluginKind distinguishes hand-written plugins from IPC-discovered ones.
type PluginKind string

const (
	PluginKindStatic  PluginKind = "static"
	PluginKindDynamic PluginKind = "dynamic"
)

// PluginMetadata describes a registered plugin.
type PluginMetadata struct {
	Name              string     `json:"name"`
	Version           string     `json:"version"`
	Description       string     `json:"description"`
	Kind              PluginKind `json:"kind"`
	Available         bool       `json:"available"`
	UnavailableReason string     `json:"unavailable_reason,omitempty"`
	ManagedResources  []string   `json:"managed_resources,omitempty"`

	// DesiredStateSchema is a JSON-schema-shaped description of the fields
	// accepted by Diff and Apply. Nil means "any object".
	DesiredStateSchema Document `json:"desired_state_schema,omitempty"`
}

// Plugin is the uniform query/diff/apply contract over one subsystem.
//
// Implementations must keep Diff free of side effects, and Apply must be
// idempotent: once Apply succeeds, Diff with the same desired state is empty
// and a second Apply reports Success with no applied fields.
type Plugin interface {
	// Name returns the unique, stable plugin name.
	Name() string

	// Metadata describes the plugin for catalogues.
	Metadata() PluginMetadata

	// Query reads live state.
	Query(ctx context.Context) (Document, error)

	// Diff compares desired against the live state without mutating anything.
	Diff(ctx context.Context, desired Document) (*Diff, error)

	// Apply performs the minimal changes needed to reach desired.
	Apply(ctx context.Context, desired Document) (*ApplyResult, error)
}

// DiffAgainst calls query and diffs the result against desired. Plugins whose
// state document is directly comparable use it to implement Diff.
func DiffAgainst(ctx context.Context, query func(context.Context) (Document, error), desired Document) (*Diff, error) {
	current, err := query(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeDiff(current, desired), nil
}

// ValidateFields rejects desired-state fields that are not in allowed.
func ValidateFields(plugin string, desired Document, allowed ...string) error {
	known := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		known[f] = true
	}
	for _, k := range desired.Keys() {
		if !known[k] {
			return NewInvalidStateError(fmt.Sprintf("unknown field %q", k)).
				WithResource(plugin).
				WithOperation(string(OperationDiff))
		}
	}
	return nil
}
