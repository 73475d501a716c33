package discovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins"
)

// DynamicPlugin exposes the properties of one IPC service interface through
// the plugin contract. It is built from a descriptor alone.
type DynamicPlugin struct {
	*plugins.Base
	desc   *ServiceDescriptor
	source Source
	logger zerolog.Logger
}

// NewDynamicPlugin wraps a described service.
func NewDynamicPlugin(desc *ServiceDescriptor, source Source, logger zerolog.Logger) *DynamicPlugin {
	name := PluginName(desc.Target.Service)
	var writable []string
	for _, p := range desc.Properties {
		if p.Writable() && settable(p.Signature) {
			writable = append(writable, p.Name)
		}
	}
	return &DynamicPlugin{
		Base: plugins.NewBase(name, "0.1.0",
			fmt.Sprintf("Auto-generated plugin for %s", desc.Target.Service),
			writable, PropertiesSchema(desc)),
		desc:   desc,
		source: source,
		logger: logger.With().Str("component", "plugin.dynamic").Str("service", desc.Target.Service).Logger(),
	}
}

// Metadata reports the plugin as dynamic.
func (p *DynamicPlugin) Metadata() engine.PluginMetadata {
	md := p.Base.Metadata()
	md.Kind = engine.PluginKindDynamic
	return md
}

// Descriptor returns the descriptor the plugin was built from.
func (p *DynamicPlugin) Descriptor() *ServiceDescriptor {
	return p.desc
}

// Query reads every property of the service.
func (p *DynamicPlugin) Query(ctx context.Context) (engine.Document, error) {
	props, err := p.source.Properties(ctx, p.desc.Target)
	if err != nil {
		return nil, engine.NewUnreachableError(fmt.Sprintf("failed to read %s", p.desc.Target.Service), err).
			WithResource(p.Name())
	}
	doc, err := engine.Normalize(props)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Diff compares requested property values against the service.
func (p *DynamicPlugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	if err := p.validate(desired); err != nil {
		return nil, err
	}
	return engine.DiffAgainst(ctx, p.Query, desired)
}

// Apply sets every property whose value differs, one Set call per property.
func (p *DynamicPlugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	if err := p.validate(desired); err != nil {
		return nil, err
	}
	current, err := p.Query(ctx)
	if err != nil {
		return nil, err
	}

	var outcome engine.FieldOutcome
	for _, field := range engine.ComputeDiff(current, desired).TopLevelFields() {
		prop, _ := p.desc.Property(field)
		if err := p.source.SetProperty(ctx, p.desc.Target, prop, desired[field]); err != nil {
			p.logger.Warn().Err(err).Str("property", field).Msg("Property update failed")
			outcome.Failed(field, err)
			continue
		}
		outcome.Applied(field)
	}
	return outcome.Result(), nil
}

func (p *DynamicPlugin) validate(desired engine.Document) error {
	for _, k := range desired.Keys() {
		prop, ok := p.desc.Property(k)
		switch {
		case !ok:
			return p.invalid("unknown property %q", k)
		case !prop.Writable():
			return p.invalid("property %s is read-only", k)
		case !settable(prop.Signature):
			return p.invalid("property %s has signature %s, which cannot be set", k, prop.Signature)
		case desired[k] == nil:
			return p.invalid("property %s cannot be removed", k)
		}
		if err := CheckValue(prop.Signature, desired[k]); err != nil {
			return p.invalid("property %s: %v", k, err)
		}
		if _, err := coerce(prop.Signature, desired[k]); err != nil {
			return p.invalid("property %s: %v", k, err)
		}
	}
	return nil
}

func (p *DynamicPlugin) invalid(format string, args ...any) error {
	return engine.NewInvalidStateError(fmt.Sprintf(format, args...)).WithResource(p.Name())
}
