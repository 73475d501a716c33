// Package systemd implements the service-manager plugin.
//
// State document:
//
//	{"units": {"sshd.service": {"active_state": "active", "sub_state": "running",
//	                            "load_state": "loaded", "enabled": true}}}
//
// Only active_state ("active" or "inactive") and enabled are writable.
package systemd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins"
)

// PluginName is the registry name of the systemd plugin.
const PluginName = "systemd"

// UnitStatus is a unit's observed state.
type UnitStatus struct {
	Name        string
	ActiveState string
	SubState    string
	LoadState   string
	Enabled     bool
}

// UnitManager is the backend the plugin drives.
type UnitManager interface {
	UnitStatus(ctx context.Context, name string) (UnitStatus, error)
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	EnableUnit(ctx context.Context, name string) error
	DisableUnit(ctx context.Context, name string) error
}

// Options configures the plugin.
type Options struct {
	// ManagedUnits are reported by Query.
	ManagedUnits []string
	Logger       zerolog.Logger
}

// Plugin is the systemd state plugin.
type Plugin struct {
	*plugins.Base
	units   UnitManager
	managed []string
	logger  zerolog.Logger
}

// New creates the systemd plugin.
func New(units UnitManager, opts Options) *Plugin {
	return &Plugin{
		Base: plugins.NewBase(PluginName, "1.0.0", "systemd service units (run state and enablement)",
			append([]string(nil), opts.ManagedUnits...), schema()),
		units:   units,
		managed: append([]string(nil), opts.ManagedUnits...),
		logger:  opts.Logger.With().Str("component", "plugin.systemd").Logger(),
	}
}

func schema() engine.Document {
	unit := plugins.ObjectSchema(engine.Document{
		"active_state": plugins.TypeSchema("string", "enum", []string{"active", "inactive"}),
		"enabled":      plugins.TypeSchema("boolean"),
	})
	return plugins.ObjectSchema(engine.Document{"units": plugins.MapSchema(unit)})
}

// Query returns the managed units.
func (p *Plugin) Query(ctx context.Context) (engine.Document, error) {
	return p.state(ctx, nil)
}

func (p *Plugin) state(ctx context.Context, extra engine.Document) (engine.Document, error) {
	names := append([]string(nil), p.managed...)
	for _, n := range extra.Keys() {
		names = append(names, n)
	}

	units := engine.Document{}
	for _, name := range names {
		if _, done := units[name]; done {
			continue
		}
		status, err := p.units.UnitStatus(ctx, name)
		if err != nil {
			return nil, engine.NewUnreachableError(fmt.Sprintf("failed to read unit %s", name), err)
		}
		units[name] = unitDocument(status)
	}
	return engine.Document{"units": units}, nil
}

func unitDocument(s UnitStatus) engine.Document {
	return engine.Document{
		"active_state": s.ActiveState,
		"sub_state":    s.SubState,
		"load_state":   s.LoadState,
		"enabled":      s.Enabled,
	}
}

// Diff compares the desired units against systemd.
func (p *Plugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	section, err := validate(desired)
	if err != nil {
		return nil, err
	}
	current, err := p.state(ctx, section)
	if err != nil {
		return nil, err
	}
	return engine.ComputeDiff(current, engine.Document{"units": section}), nil
}

// Apply enables or disables each unit, then starts or stops it.
func (p *Plugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	section, err := validate(desired)
	if err != nil {
		return nil, err
	}

	var outcome engine.FieldOutcome
	for _, name := range section.Keys() {
		want, _ := section.Map(name)
		field := "units." + name

		status, err := p.units.UnitStatus(ctx, name)
		if err != nil {
			outcome.Failed(field, err)
			continue
		}
		if status.LoadState == "not-found" {
			outcome.Failed(field, fmt.Errorf("unit %s not found", name))
			continue
		}

		changed, err := p.reconcile(ctx, status, want)
		if err != nil {
			p.logger.Warn().Err(err).Str("unit", name).Msg("Unit reconciliation failed")
			outcome.Failed(field, err)
			continue
		}
		if changed {
			p.logger.Info().Str("unit", name).Msg("Unit reconciled")
			outcome.Applied(field)
		}
	}

	return outcome.Result(), nil
}

func (p *Plugin) reconcile(ctx context.Context, status UnitStatus, want engine.Document) (bool, error) {
	changed := false

	if enabled, ok := want.Bool("enabled"); ok && enabled != status.Enabled {
		var err error
		if enabled {
			err = p.units.EnableUnit(ctx, status.Name)
		} else {
			err = p.units.DisableUnit(ctx, status.Name)
		}
		if err != nil {
			return changed, err
		}
		changed = true
	}

	if active, ok := want.String("active_state"); ok && active != status.ActiveState {
		var err error
		if active == "active" {
			err = p.units.StartUnit(ctx, status.Name)
		} else {
			err = p.units.StopUnit(ctx, status.Name)
		}
		if err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

func validate(desired engine.Document) (engine.Document, error) {
	section, err := plugins.Section(PluginName, desired, "units")
	if err != nil {
		return nil, err
	}
	for _, name := range section.Keys() {
		want, remove, err := plugins.Entry(PluginName, name, section[name], "active_state", "enabled")
		if err != nil {
			return nil, err
		}
		if remove {
			return nil, invalid("unit %s cannot be removed; set active_state to inactive instead", name)
		}
		if v, ok := want["active_state"]; ok {
			if s, _ := v.(string); s != "active" && s != "inactive" {
				return nil, invalid("unit %s: active_state must be \"active\" or \"inactive\"", name)
			}
		}
		if v, ok := want["enabled"]; ok {
			if _, isBool := v.(bool); !isBool {
				return nil, invalid("unit %s: enabled must be a boolean", name)
			}
		}
	}
	return section, nil
}

func invalid(format string, args ...any) error {
	return engine.NewInvalidStateError(fmt.Sprintf(format, args...)).WithResource(PluginName)
}
