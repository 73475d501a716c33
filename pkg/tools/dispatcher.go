package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/registry"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

// Call is one tool invocation.
type Call struct {
	Name      string          `json:"name"`
	Arguments engine.Document `json:"arguments,omitempty"`

	// Caller overrides the dispatcher's default caller.
	Caller *policy.Caller `json:"-"`
}

// Response is the result of a tool invocation. Plugin tool results are the
// plugin's raw state, diff or apply result document.
type Response struct {
	Tool      string            `json:"tool"`
	Plugin    string            `json:"plugin,omitempty"`
	Operation engine.Operation  `json:"operation,omitempty"`
	Result    any               `json:"result,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	Error     *engine.ErrorBody `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`

	err error
}

// Err returns the invocation error, if any.
func (r *Response) Err() error {
	return r.err
}

// Options configures a Dispatcher.
type Options struct {
	// Gate authorizes every call. Nil allows everything.
	Gate policy.Gate

	// Caller is used for calls that do not name one.
	Caller policy.Caller

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Dispatcher routes tool calls to native tools or to plugins through the
// registry.
type Dispatcher struct {
	registry *registry.Registry
	bridge   *Bridge
	gate     policy.Gate
	caller   policy.Caller

	mu      sync.RWMutex
	natives map[string]NativeTool

	logger  zerolog.Logger
	audit   zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *registry.Registry, opts Options) *Dispatcher {
	gate := opts.Gate
	if gate == nil {
		gate = policy.AllowAll{}
	}
	caller := opts.Caller
	if caller.ID == "" {
		caller.ID = "local"
	}
	if caller.Clearance == "" {
		caller.Clearance = policy.SecurityLow
	}
	logger := opts.Logger.With().Str("component", "tools").Logger()
	return &Dispatcher{
		registry: reg,
		bridge:   NewBridge(reg),
		gate:     gate,
		caller:   caller,
		natives:  make(map[string]NativeTool),
		logger:   logger,
		audit:    logger.With().Bool("audit", true).Logger(),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		events:   opts.Events,
	}
}

// RegisterNative adds a native tool. Names are unique and may not use the
// plugin tool prefix.
func (d *Dispatcher) RegisterNative(t NativeTool) error {
	if t.Name == "" || t.Handler == nil {
		return engine.NewInvalidStateError("native tool needs a name and a handler")
	}
	if strings.HasPrefix(t.Name, pluginPrefix) {
		return engine.NewInvalidStateError(fmt.Sprintf("native tool %s uses the reserved %s prefix", t.Name, pluginPrefix))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.natives[t.Name]; exists {
		return engine.NewConflictError(fmt.Sprintf("tool %s already registered", t.Name), nil).WithResource(t.Name)
	}
	d.natives[t.Name] = t
	return nil
}

// NativeTools lists native tool descriptors by name.
func (d *Dispatcher) NativeTools() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Descriptor, 0, len(d.natives))
	for _, t := range d.natives {
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PluginTools lists the tools generated from the registry.
func (d *Dispatcher) PluginTools() []Descriptor {
	return d.bridge.Tools()
}

// Tools lists native tools followed by plugin tools.
func (d *Dispatcher) Tools() []Descriptor {
	return append(d.NativeTools(), d.PluginTools()...)
}

// Invoke runs a tool call. Failures are reported in the response, which always
// carries a machine-readable error kind when the call did not succeed.
func (d *Dispatcher) Invoke(ctx context.Context, call Call) *Response {
	start := time.Now()
	ctx, span := d.tracer.StartToolSpan(ctx, call.Name)
	defer span.End()

	caller := d.caller
	if call.Caller != nil {
		caller = *call.Caller
	}
	args := call.Arguments
	if args == nil {
		args = engine.Document{}
	}

	resp := &Response{Tool: call.Name}
	var level policy.SecurityLevel

	d.mu.RLock()
	nt, isNative := d.natives[call.Name]
	d.mu.RUnlock()

	switch {
	case isNative:
		level = nt.SecurityLevel
		resp.err = d.invokeNative(ctx, nt, caller, args, resp)
	default:
		plugin, op, ok := ParseToolName(call.Name)
		if !ok {
			resp.err = engine.NewNotFoundError("tool", call.Name)
			break
		}
		resp.Plugin, resp.Operation = plugin, op
		level, resp.err = d.invokePlugin(ctx, plugin, op, caller, args, resp)
	}

	resp.Duration = time.Since(start)
	resp.Error = engine.NewErrorBody(resp.err)
	kind := engine.KindOf(resp.err)

	d.metrics.RecordToolInvocation(call.Name, kind)
	_ = d.events.PublishToolInvoked(call.Name, resp.Plugin, kind)
	if resp.err != nil {
		telemetry.RecordError(span, resp.err)
	} else {
		telemetry.RecordSuccess(span)
	}

	ev := d.logger.Debug()
	if level.Rank() >= policy.SecurityHigh.Rank() {
		ev = d.audit.Info()
	}
	ev.Str("tool", call.Name).
		Str("caller", caller.ID).
		Str("security_level", string(level)).
		Str("kind", kind).
		Dur("duration", resp.Duration).
		Msg("Tool invoked")
	return resp
}

func (d *Dispatcher) invokeNative(ctx context.Context, nt NativeTool, caller policy.Caller, args engine.Document, resp *Response) error {
	input := &policy.Input{
		Caller:        caller,
		Source:        "tool",
		Operation:     nt.Name,
		SecurityLevel: nt.SecurityLevel,
	}
	if err := d.authorize(ctx, input, resp); err != nil {
		return err
	}
	result, err := nt.Handler(ctx, args)
	if err != nil {
		return err
	}
	resp.Result = result
	return nil
}

func (d *Dispatcher) invokePlugin(ctx context.Context, plugin string, op engine.Operation, caller policy.Caller, args engine.Document, resp *Response) (policy.SecurityLevel, error) {
	h, err := d.registry.Acquire(plugin)
	if err != nil {
		return "", err
	}
	defer h.Release()

	md := h.Metadata()
	level := policy.OperationLevel(md.Kind, op)
	input := &policy.Input{
		Caller:        caller,
		Source:        "tool",
		Plugin:        plugin,
		PluginKind:    string(md.Kind),
		Operation:     string(op),
		SecurityLevel: level,
	}

	if op == engine.OperationQuery {
		if err := d.authorize(ctx, input, resp); err != nil {
			return level, err
		}
		state, err := h.Query(ctx)
		if err != nil {
			return level, err
		}
		resp.Result = state
		return level, nil
	}

	desired, err := desiredState(args)
	if err != nil {
		return level, err
	}
	input.DesiredState = desired

	if op == engine.OperationDiff {
		if err := d.authorize(ctx, input, resp); err != nil {
			return level, err
		}
		diff, err := h.Diff(ctx, desired)
		if err != nil {
			return level, err
		}
		resp.Result = diff.ToDocument()
		return level, nil
	}

	// Policies see the pending diff of an apply, so removals can be held.
	diff, err := h.Diff(ctx, desired)
	if err != nil {
		return level, err
	}
	input.Diff = diff.ToDocument()
	input.Approved, _ = args.Bool("approved")
	if err := d.authorize(ctx, input, resp); err != nil {
		return level, err
	}

	result, err := h.Apply(ctx, desired)
	if result != nil {
		resp.Result = result.ToDocument()
	}
	return level, err
}

func (d *Dispatcher) authorize(ctx context.Context, input *policy.Input, resp *Response) error {
	decision, err := d.gate.Evaluate(ctx, input)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).WithCode(engine.ErrCodeInternal)
	}
	for _, w := range decision.Warnings {
		resp.Warnings = append(resp.Warnings, w.Message)
	}
	if err := decision.Err(); err != nil {
		if decision.Allowed && decision.Intervention {
			_ = d.events.PublishPolicyIntervention(input.Plugin, strings.Join(decision.Reasons, "; "))
		}
		return err
	}
	return nil
}

func desiredState(args engine.Document) (engine.Document, error) {
	raw, ok := args["desired_state"]
	if !ok || raw == nil {
		return nil, validation("desired_state is required")
	}
	desired, ok := engine.AsDocument(raw)
	if !ok {
		return nil, validation("desired_state must be an object")
	}
	return desired, nil
}
