// Package plugins holds the shared scaffolding for the built-in state plugins.
// Each subsystem lives in its own subpackage and embeds Base.
package plugins

import (
	"fmt"
	"sync"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// Base carries the metadata every built-in plugin reports.
type Base struct {
	name        string
	version     string
	description string
	resources   []string
	schema      engine.Document

	mu          sync.RWMutex
	unavailable string
}

// NewBase creates plugin metadata. schema describes the desired-state document
// in JSON-schema form and is shown to tool callers.
func NewBase(name, version, description string, resources []string, schema engine.Document) *Base {
	return &Base{
		name:        name,
		version:     version,
		description: description,
		resources:   resources,
		schema:      schema,
	}
}

// Name returns the plugin name.
func (b *Base) Name() string {
	return b.name
}

// Metadata returns the plugin metadata.
func (b *Base) Metadata() engine.PluginMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return engine.PluginMetadata{
		Name:               b.name,
		Version:            b.version,
		Description:        b.description,
		Kind:               engine.PluginKindStatic,
		Available:          b.unavailable == "",
		UnavailableReason:  b.unavailable,
		ManagedResources:   append([]string(nil), b.resources...),
		DesiredStateSchema: b.schema.Clone(),
	}
}

// SetUnavailable marks the plugin's backend as absent. The plugin stays
// registered and its calls fail as unreachable.
func (b *Base) SetUnavailable(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = reason
}

// SetAvailable clears a previous SetUnavailable.
func (b *Base) SetAvailable() {
	b.SetUnavailable("")
}

// Section extracts the named top-level map from a desired document and
// validates it is the only field present.
func Section(plugin string, desired engine.Document, key string) (engine.Document, error) {
	if err := engine.ValidateFields(plugin, desired, key); err != nil {
		return nil, err
	}
	raw, ok := desired[key]
	if !ok || raw == nil {
		return engine.Document{}, nil
	}
	section, ok := engine.AsDocument(raw)
	if !ok {
		return nil, engine.NewInvalidStateError(fmt.Sprintf("%s: %s must be an object", plugin, key)).
			WithResource(plugin)
	}
	return section, nil
}

// Entry validates one keyed entry of a section. A nil value is returned as
// (nil, true, nil) and means the entry should be removed.
func Entry(plugin, key string, value any, allowed ...string) (engine.Document, bool, error) {
	if value == nil {
		return nil, true, nil
	}
	doc, ok := engine.AsDocument(value)
	if !ok {
		return nil, false, engine.NewInvalidStateError(fmt.Sprintf("%s: %s must be an object", plugin, key)).
			WithResource(plugin)
	}
	if err := engine.ValidateFields(plugin+": "+key, doc, allowed...); err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

// ObjectSchema builds a JSON-schema object node.
func ObjectSchema(properties engine.Document, required ...string) engine.Document {
	s := engine.Document{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// MapSchema builds a JSON-schema object whose values all follow item.
func MapSchema(item engine.Document) engine.Document {
	return engine.Document{"type": "object", "additionalProperties": item}
}

// TypeSchema builds a JSON-schema leaf.
func TypeSchema(typ string, extra ...any) engine.Document {
	s := engine.Document{"type": typ}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			s[k] = extra[i+1]
		}
	}
	return s
}
