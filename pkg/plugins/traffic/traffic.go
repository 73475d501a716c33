// Package traffic implements the traffic-policy plugin: policy-routing rules
// managed through iproute2.
//
// State document, keyed by rule priority:
//
//	{"rules": {"1000": {"from": "10.0.0.0/24", "to": "", "table": "100", "fwmark": "", "iif": ""}}}
//
// Only priorities inside the managed range are reported or changed. A null
// entry deletes the rule.
package traffic

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins"
	"github.com/openfroyo/hostkeeper/pkg/plugins/execrunner"
)

// PluginName is the registry name of the traffic-policy plugin.
const PluginName = "traffic"

const (
	DefaultMinPriority = 1000
	DefaultMaxPriority = 9999
)

var ruleFields = []string{"from", "to", "table", "fwmark", "iif"}

// Options configures the plugin.
type Options struct {
	// Binary is the iproute2 client. Defaults to "ip".
	Binary      string
	MinPriority int
	MaxPriority int
	Logger      zerolog.Logger
}

// Plugin is the traffic-policy state plugin.
type Plugin struct {
	*plugins.Base
	runner   execrunner.Runner
	binary   string
	min, max int
	logger   zerolog.Logger
}

// New creates the traffic-policy plugin.
func New(runner execrunner.Runner, opts Options) *Plugin {
	if opts.Binary == "" {
		opts.Binary = "ip"
	}
	if opts.MinPriority <= 0 {
		opts.MinPriority = DefaultMinPriority
	}
	if opts.MaxPriority < opts.MinPriority {
		opts.MaxPriority = DefaultMaxPriority
	}
	resources := []string{fmt.Sprintf("priority %d-%d", opts.MinPriority, opts.MaxPriority)}
	return &Plugin{
		Base: plugins.NewBase(PluginName, "1.0.0", "Policy routing rules (ip rule)",
			resources, schema()),
		runner: runner,
		binary: opts.Binary,
		min:    opts.MinPriority,
		max:    opts.MaxPriority,
		logger: opts.Logger.With().Str("component", "plugin.traffic").Logger(),
	}
}

func schema() engine.Document {
	rule := plugins.ObjectSchema(engine.Document{
		"from":   plugins.TypeSchema("string", "description", "source prefix or \"all\""),
		"to":     plugins.TypeSchema("string", "description", "destination prefix, empty for any"),
		"table":  plugins.TypeSchema("string"),
		"fwmark": plugins.TypeSchema("string"),
		"iif":    plugins.TypeSchema("string"),
	})
	return plugins.ObjectSchema(engine.Document{"rules": plugins.MapSchema(rule)})
}

// Probe checks iproute2 can list rules.
func (p *Plugin) Probe(ctx context.Context) error {
	_, err := p.rules(ctx)
	return err
}

// Query lists the rules in the managed priority range.
func (p *Plugin) Query(ctx context.Context) (engine.Document, error) {
	rules, err := p.rules(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Document{"rules": rules}, nil
}

func (p *Plugin) rules(ctx context.Context) (engine.Document, error) {
	out, err := execrunner.Output(ctx, p.runner, p.binary, "-j", "rule", "show")
	if err != nil {
		return nil, engine.NewUnreachableError("failed to list routing rules", err)
	}
	if !gjson.Valid(out) {
		return nil, engine.NewUnreachableError("ip returned invalid JSON", nil)
	}

	rules := engine.Document{}
	gjson.Parse(out).ForEach(func(_, r gjson.Result) bool {
		prio := int(r.Get("priority").Int())
		if prio < p.min || prio > p.max {
			return true
		}
		rules[strconv.Itoa(prio)] = engine.Document{
			"from":   prefix(r, "src", "all"),
			"to":     prefix(r, "dst", ""),
			"table":  r.Get("table").String(),
			"fwmark": r.Get("fwmark").String(),
			"iif":    r.Get("iif").String(),
		}
		return true
	})
	return rules, nil
}

// prefix joins ip's split address/length fields back into CIDR form.
func prefix(r gjson.Result, key, fallback string) string {
	addr := r.Get(key).String()
	if addr == "" {
		return fallback
	}
	if l := r.Get(key + "len"); l.Exists() {
		return addr + "/" + l.String()
	}
	return addr
}

// Diff compares desired rules against the kernel.
func (p *Plugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	section, err := p.validate(desired)
	if err != nil {
		return nil, err
	}
	current, err := p.rules(ctx)
	if err != nil {
		return nil, err
	}
	return engine.ComputeDiff(engine.Document{"rules": current}, engine.Document{"rules": section}), nil
}

// Apply adds, deletes and replaces rules. A changed rule is deleted and added
// again with the merged fields, since iproute2 cannot edit rules in place.
func (p *Plugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	section, err := p.validate(desired)
	if err != nil {
		return nil, err
	}
	current, err := p.rules(ctx)
	if err != nil {
		return nil, err
	}

	var outcome engine.FieldOutcome
	for _, prio := range section.Keys() {
		field := "rules." + prio
		cur, exists := current.Map(prio)
		want, _ := engine.AsDocument(section[prio])

		switch {
		case want == nil && !exists:
			continue
		case want == nil:
			err = p.del(ctx, prio)
		case !exists:
			err = p.add(ctx, prio, want)
		default:
			if engine.ComputeDiff(cur, want).IsEmpty() {
				continue
			}
			merged := cur.Clone()
			for k, v := range want {
				merged[k] = v
			}
			if err = p.del(ctx, prio); err == nil {
				err = p.add(ctx, prio, merged)
			}
		}

		if err != nil {
			p.logger.Warn().Err(err).Str("priority", prio).Msg("Rule reconciliation failed")
			outcome.Failed(field, err)
			continue
		}
		p.logger.Info().Str("priority", prio).Msg("Rule reconciled")
		outcome.Applied(field)
	}
	return outcome.Result(), nil
}

func (p *Plugin) del(ctx context.Context, prio string) error {
	_, err := execrunner.Output(ctx, p.runner, p.binary, "rule", "del", "priority", prio)
	return err
}

func (p *Plugin) add(ctx context.Context, prio string, rule engine.Document) error {
	args := []string{"rule", "add", "priority", prio}
	from, _ := rule.String("from")
	if from == "" {
		from = "all"
	}
	args = append(args, "from", from)
	if to, _ := rule.String("to"); to != "" {
		args = append(args, "to", to)
	}
	if mark, _ := rule.String("fwmark"); mark != "" {
		args = append(args, "fwmark", mark)
	}
	if iif, _ := rule.String("iif"); iif != "" {
		args = append(args, "iif", iif)
	}
	table, _ := rule.String("table")
	if table == "" {
		table = "main"
	}
	args = append(args, "table", table)

	_, err := execrunner.Output(ctx, p.runner, p.binary, args...)
	return err
}

func (p *Plugin) validate(desired engine.Document) (engine.Document, error) {
	section, err := plugins.Section(PluginName, desired, "rules")
	if err != nil {
		return nil, err
	}
	for _, key := range section.Keys() {
		prio, err := strconv.Atoi(key)
		if err != nil || prio < p.min || prio > p.max {
			return nil, invalid("rule key %q must be a priority between %d and %d", key, p.min, p.max)
		}
		want, remove, err := plugins.Entry(PluginName, key, section[key], ruleFields...)
		if err != nil {
			return nil, err
		}
		if remove {
			continue
		}
		for k, v := range want {
			if _, ok := v.(string); !ok {
				return nil, invalid("rule %s: %s must be a string", key, k)
			}
		}
	}
	return section, nil
}

func invalid(format string, args ...any) error {
	return engine.NewInvalidStateError(fmt.Sprintf(format, args...)).WithResource(PluginName)
}
