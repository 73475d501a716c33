// Package container implements the container plugin on top of the lxc CLI.
//
// State document:
//
//	{"containers": {"web": {"status": "running", "type": "container", "ipv4": ["10.10.0.5"]}}}
//
// Desired entries may set status (running, stopped or frozen) and, for
// containers that do not exist yet, image. A null entry deletes the container.
package container

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins"
	"github.com/openfroyo/hostkeeper/pkg/plugins/execrunner"
)

// PluginName is the registry name of the container plugin.
const PluginName = "container"

var statuses = map[string]bool{"running": true, "stopped": true, "frozen": true}

// Options configures the plugin.
type Options struct {
	// Binary is the lxc client to run. Defaults to "lxc".
	Binary string
	Logger zerolog.Logger
}

// Plugin is the container state plugin.
type Plugin struct {
	*plugins.Base
	runner execrunner.Runner
	binary string
	logger zerolog.Logger
}

// New creates the container plugin.
func New(runner execrunner.Runner, opts Options) *Plugin {
	binary := opts.Binary
	if binary == "" {
		binary = "lxc"
	}
	return &Plugin{
		Base: plugins.NewBase(PluginName, "1.0.0", "LXC containers (lifecycle and run state)",
			nil, schema()),
		runner: runner,
		binary: binary,
		logger: opts.Logger.With().Str("component", "plugin.container").Logger(),
	}
}

func schema() engine.Document {
	c := plugins.ObjectSchema(engine.Document{
		"status": plugins.TypeSchema("string", "enum", []string{"running", "stopped", "frozen"}),
		"image":  plugins.TypeSchema("string", "description", "image used when the container is created"),
	})
	return plugins.ObjectSchema(engine.Document{"containers": plugins.MapSchema(c)})
}

// Probe checks the lxc client can reach its daemon.
func (p *Plugin) Probe(ctx context.Context) error {
	_, err := p.list(ctx)
	return err
}

// Query lists every container.
func (p *Plugin) Query(ctx context.Context) (engine.Document, error) {
	containers, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Document{"containers": containers}, nil
}

func (p *Plugin) list(ctx context.Context) (engine.Document, error) {
	out, err := execrunner.Output(ctx, p.runner, p.binary, "list", "--format", "json")
	if err != nil {
		return nil, engine.NewUnreachableError("failed to list containers", err)
	}
	if !gjson.Valid(out) {
		return nil, engine.NewUnreachableError("lxc returned invalid JSON", nil)
	}

	containers := engine.Document{}
	gjson.Parse(out).ForEach(func(_, c gjson.Result) bool {
		name := c.Get("name").String()
		if name == "" {
			return true
		}
		containers[name] = engine.Document{
			"status": strings.ToLower(c.Get("status").String()),
			"type":   c.Get("type").String(),
			"ipv4":   addresses(c),
		}
		return true
	})
	return containers, nil
}

// addresses collects global IPv4 addresses from every interface.
func addresses(c gjson.Result) []any {
	var ips []string
	c.Get("state.network").ForEach(func(iface, n gjson.Result) bool {
		if iface.String() == "lo" {
			return true
		}
		n.Get("addresses").ForEach(func(_, a gjson.Result) bool {
			if a.Get("family").String() == "inet" && a.Get("scope").String() != "local" {
				ips = append(ips, a.Get("address").String())
			}
			return true
		})
		return true
	})
	sort.Strings(ips)
	out := make([]any, len(ips))
	for i, ip := range ips {
		out[i] = ip
	}
	return out
}

// Diff compares desired containers against lxc. image only counts for
// containers that do not exist yet.
func (p *Plugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	section, err := validate(desired)
	if err != nil {
		return nil, err
	}
	current, err := p.list(ctx)
	if err != nil {
		return nil, err
	}

	scoped := engine.Document{}
	for name, v := range section {
		if want, ok := engine.AsDocument(v); ok {
			if _, exists := current[name]; exists {
				want = want.Clone()
				delete(want, "image")
			}
			v = want
		}
		scoped[name] = v
	}
	return engine.ComputeDiff(engine.Document{"containers": current}, engine.Document{"containers": scoped}), nil
}

// Apply creates, deletes and changes the run state of containers.
func (p *Plugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	section, err := validate(desired)
	if err != nil {
		return nil, err
	}
	current, err := p.list(ctx)
	if err != nil {
		return nil, err
	}

	var outcome engine.FieldOutcome
	for _, name := range section.Keys() {
		field := "containers." + name
		cur, exists := current.Map(name)
		want, _ := engine.AsDocument(section[name])

		var changed bool
		switch {
		case want == nil && !exists:
			continue
		case want == nil:
			err = p.run(ctx, "delete", "--force", name)
			changed = true
		case !exists:
			err = p.create(ctx, name, want)
			changed = true
		default:
			changed, err = p.setStatus(ctx, name, cur, want)
		}

		if err != nil {
			p.logger.Warn().Err(err).Str("container", name).Msg("Container reconciliation failed")
			outcome.Failed(field, err)
			continue
		}
		if changed {
			p.logger.Info().Str("container", name).Msg("Container reconciled")
			outcome.Applied(field)
		}
	}
	return outcome.Result(), nil
}

func (p *Plugin) create(ctx context.Context, name string, want engine.Document) error {
	image, _ := want.String("image")
	if image == "" {
		return fmt.Errorf("container %s does not exist and no image was given", name)
	}
	status, _ := want.String("status")

	if status == "stopped" {
		return p.run(ctx, "init", image, name)
	}
	if err := p.run(ctx, "launch", image, name); err != nil {
		return err
	}
	if status == "frozen" {
		return p.run(ctx, "pause", name)
	}
	return nil
}

func (p *Plugin) setStatus(ctx context.Context, name string, cur, want engine.Document) (bool, error) {
	status, ok := want.String("status")
	if !ok {
		return false, nil
	}
	have, _ := cur.String("status")
	if status == have {
		return false, nil
	}

	var err error
	switch status {
	case "running":
		err = p.run(ctx, "start", name)
	case "stopped":
		err = p.run(ctx, "stop", name)
	case "frozen":
		err = p.run(ctx, "pause", name)
	}
	return err == nil, err
}

func (p *Plugin) run(ctx context.Context, args ...string) error {
	_, err := execrunner.Output(ctx, p.runner, p.binary, args...)
	return err
}

func validate(desired engine.Document) (engine.Document, error) {
	section, err := plugins.Section(PluginName, desired, "containers")
	if err != nil {
		return nil, err
	}
	for _, name := range section.Keys() {
		want, remove, err := plugins.Entry(PluginName, name, section[name], "status", "image")
		if err != nil {
			return nil, err
		}
		if remove {
			continue
		}
		if v, ok := want["status"]; ok {
			if s, _ := v.(string); !statuses[s] {
				return nil, invalid("container %s: status must be running, stopped or frozen", name)
			}
		}
		if v, ok := want["image"]; ok {
			if _, isString := v.(string); !isString {
				return nil, invalid("container %s: image must be a string", name)
			}
		}
	}
	return section, nil
}

func invalid(format string, args ...any) error {
	return engine.NewInvalidStateError(fmt.Sprintf(format, args...)).WithResource(PluginName)
}
