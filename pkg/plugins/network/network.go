// Package network implements the network plugin: links, bridges, MTU and
// admin state.
//
// State document:
//
//	{"links": {"br0": {"kind": "bridge", "mtu": 1500, "up": true, "master": "", "mac": "..."}}}
//
// Desired documents name the links they care about. A null link deletes it;
// an unknown link is created when its kind is bridge or dummy.
package network

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins"
)

// PluginName is the registry name of the network plugin.
const PluginName = "network"

// Link is one network interface as seen by the LinkManager.
type Link struct {
	Index  uint32
	Name   string
	Kind   string
	MTU    int
	Up     bool
	Master string
	MAC    string
}

// LinkManager is the backend the plugin drives.
type LinkManager interface {
	Links(ctx context.Context) ([]Link, error)
	CreateLink(ctx context.Context, name, kind string) error
	DeleteLink(ctx context.Context, name string) error
	SetMTU(ctx context.Context, name string, mtu int) error
	SetUp(ctx context.Context, name string, up bool) error
	SetMaster(ctx context.Context, name, master string) error
}

// Options configures the plugin.
type Options struct {
	// ManagedLinks limits Query to these links. Empty means every link but lo.
	ManagedLinks []string
	Logger       zerolog.Logger
}

var creatableKinds = map[string]bool{"bridge": true, "dummy": true}

// Plugin is the network state plugin.
type Plugin struct {
	*plugins.Base
	links   LinkManager
	managed map[string]bool
	logger  zerolog.Logger
}

// New creates the network plugin.
func New(links LinkManager, opts Options) *Plugin {
	managed := make(map[string]bool, len(opts.ManagedLinks))
	for _, l := range opts.ManagedLinks {
		managed[l] = true
	}
	return &Plugin{
		Base: plugins.NewBase(PluginName, "1.0.0",
			"Network links and bridges (MTU, admin state, bridge membership)",
			append([]string(nil), opts.ManagedLinks...), schema()),
		links:   links,
		managed: managed,
		logger:  opts.Logger.With().Str("component", "plugin.network").Logger(),
	}
}

func schema() engine.Document {
	link := plugins.ObjectSchema(engine.Document{
		"kind":   plugins.TypeSchema("string", "enum", []string{"bridge", "dummy", "device"}),
		"mtu":    plugins.TypeSchema("integer", "minimum", 68, "maximum", 65535),
		"up":     plugins.TypeSchema("boolean"),
		"master": plugins.TypeSchema("string"),
	})
	return plugins.ObjectSchema(engine.Document{"links": plugins.MapSchema(link)})
}

// Query returns the managed links.
func (p *Plugin) Query(ctx context.Context) (engine.Document, error) {
	return p.state(ctx, nil)
}

func (p *Plugin) state(ctx context.Context, extra map[string]bool) (engine.Document, error) {
	links, err := p.links.Links(ctx)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to list links", err)
	}

	out := engine.Document{}
	for _, l := range links {
		if !p.inScope(l.Name) && !extra[l.Name] {
			continue
		}
		out[l.Name] = linkDocument(l)
	}
	return engine.Document{"links": out}, nil
}

func (p *Plugin) inScope(name string) bool {
	if len(p.managed) == 0 {
		return name != "lo"
	}
	return p.managed[name]
}

func linkDocument(l Link) engine.Document {
	return engine.Document{
		"kind":   l.Kind,
		"mtu":    l.MTU,
		"up":     l.Up,
		"master": l.Master,
		"mac":    l.MAC,
	}
}

// Diff compares the desired links against the host.
func (p *Plugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	section, err := p.validate(desired)
	if err != nil {
		return nil, err
	}
	current, err := p.state(ctx, nameSet(section))
	if err != nil {
		return nil, err
	}
	return engine.ComputeDiff(current, engine.Document{"links": section}), nil
}

// Apply reconciles each named link independently; one failing link does not
// stop the others.
func (p *Plugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	section, err := p.validate(desired)
	if err != nil {
		return nil, err
	}

	all, err := p.links.Links(ctx)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to list links", err)
	}
	current := make(map[string]Link, len(all))
	for _, l := range all {
		current[l.Name] = l
	}

	var outcome engine.FieldOutcome
	for _, name := range section.Keys() {
		field := "links." + name
		cur, exists := current[name]
		want, remove, _ := plugins.Entry(PluginName, name, section[name], "kind", "mtu", "up", "master")

		switch {
		case remove && !exists:
			continue
		case remove:
			err = p.links.DeleteLink(ctx, name)
		case !exists:
			err = p.create(ctx, name, want)
		default:
			if engine.ComputeDiff(linkDocument(cur), want).IsEmpty() {
				continue
			}
			err = p.update(ctx, cur, want)
		}

		if err != nil {
			p.logger.Warn().Err(err).Str("link", name).Msg("Link reconciliation failed")
			outcome.Failed(field, err)
			continue
		}
		p.logger.Info().Str("link", name).Bool("removed", remove).Msg("Link reconciled")
		outcome.Applied(field)
	}

	return outcome.Result(), nil
}

func (p *Plugin) create(ctx context.Context, name string, want engine.Document) error {
	kind, _ := want.String("kind")
	if !creatableKinds[kind] {
		return fmt.Errorf("link %s does not exist and kind %q cannot be created", name, kind)
	}
	if err := p.links.CreateLink(ctx, name, kind); err != nil {
		return err
	}
	return p.update(ctx, Link{Name: name, Kind: kind}, want)
}

func (p *Plugin) update(ctx context.Context, cur Link, want engine.Document) error {
	if kind, ok := want.String("kind"); ok && kind != cur.Kind {
		return fmt.Errorf("link %s is a %s, kind cannot change to %s", cur.Name, cur.Kind, kind)
	}
	if mtu, ok := want.Int("mtu"); ok && int(mtu) != cur.MTU {
		if err := p.links.SetMTU(ctx, cur.Name, int(mtu)); err != nil {
			return err
		}
	}
	if master, ok := want.String("master"); ok && master != cur.Master {
		if err := p.links.SetMaster(ctx, cur.Name, master); err != nil {
			return err
		}
	}
	if up, ok := want.Bool("up"); ok && up != cur.Up {
		if err := p.links.SetUp(ctx, cur.Name, up); err != nil {
			return err
		}
	}
	return nil
}

// validate checks the desired document and returns its links section.
func (p *Plugin) validate(desired engine.Document) (engine.Document, error) {
	section, err := plugins.Section(PluginName, desired, "links")
	if err != nil {
		return nil, err
	}
	for _, name := range section.Keys() {
		want, remove, err := plugins.Entry(PluginName, name, section[name], "kind", "mtu", "up", "master")
		if err != nil {
			return nil, err
		}
		if remove {
			continue
		}
		if v, ok := want["mtu"]; ok {
			mtu, isInt := engine.AsInt(v)
			if !isInt || mtu < 68 || mtu > 65535 {
				return nil, invalid("link %s: mtu must be an integer between 68 and 65535", name)
			}
		}
		if v, ok := want["up"]; ok {
			if _, isBool := v.(bool); !isBool {
				return nil, invalid("link %s: up must be a boolean", name)
			}
		}
		for _, key := range []string{"kind", "master"} {
			if v, ok := want[key]; ok {
				if _, isString := v.(string); !isString {
					return nil, invalid("link %s: %s must be a string", name, key)
				}
			}
		}
	}
	return section, nil
}

func invalid(format string, args ...any) error {
	return engine.NewInvalidStateError(fmt.Sprintf(format, args...)).WithResource(PluginName)
}

func nameSet(section engine.Document) map[string]bool {
	names := make(map[string]bool, len(section))
	for k := range section {
		names[k] = true
	}
	return names
}
