package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/config"
	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/registry"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

// Registry lends plugins to the engine.
type Registry interface {
	Acquire(name string) (*registry.Handle, error)
}

// Options configures an Engine.
type Options struct {
	// MaxParallel bounds how many nodes of one run execute at once.
	MaxParallel int

	// Gate authorizes node applies. Nil allows everything.
	Gate policy.Gate

	// Caller is used for runs that do not name one.
	Caller policy.Caller

	// TransformTimeout bounds a node's Starlark transform.
	TransformTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Engine executes workflow runs. Runs that stop waiting for input are kept
// so they can be resumed; terminal runs are dropped.
type Engine struct {
	registry    Registry
	library     *Library
	gate        policy.Gate
	caller      policy.Caller
	transformer *config.StarlarkEvaluator
	maxParallel int

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an engine over reg with the templates in library.
func New(reg Registry, library *Library, opts Options) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	gate := opts.Gate
	if gate == nil {
		gate = policy.AllowAll{}
	}
	caller := opts.Caller
	if caller.ID == "" {
		caller.ID = "local"
	}
	if caller.Clearance == "" {
		caller.Clearance = policy.SecurityHigh
	}
	return &Engine{
		registry:    reg,
		library:     library,
		gate:        gate,
		caller:      caller,
		transformer: config.NewStarlarkEvaluator(opts.TransformTimeout),
		maxParallel: opts.MaxParallel,
		logger:      opts.Logger.With().Str("component", "workflow").Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		runs:        make(map[string]*run),
	}
}

// Execute starts a run and drives it until every reachable node has settled.
// The report's status is in_progress when a node is waiting for input.
func (e *Engine) Execute(ctx context.Context, req Request) (*Report, error) {
	def := req.Definition
	if def == nil {
		var ok bool
		if def, ok = e.library.Get(req.Workflow); !ok {
			return nil, engine.NewNotFoundError("workflow", req.Workflow)
		}
	} else if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := checkInputs(def, req.Inputs); err != nil {
		return nil, err
	}

	graph, err := def.Graph()
	if err != nil {
		return nil, err
	}

	id := req.RunID
	if id == "" {
		id = uuid.New().String()
	}
	caller := e.caller
	if req.Caller != nil {
		caller = *req.Caller
	}

	r := newRun(id, def, graph, caller, req.Approved)
	r.addInputs(req.Inputs)
	r.active = true

	e.mu.Lock()
	if _, exists := e.runs[id]; exists {
		e.mu.Unlock()
		return nil, engine.NewConflictError(fmt.Sprintf("run %s already exists", id), nil).WithResource(id)
	}
	e.runs[id] = r
	e.mu.Unlock()

	return e.pass(ctx, r, false), nil
}

// Resume feeds inputs to a run that is waiting and re-enters the scheduler.
func (e *Engine) Resume(ctx context.Context, runID string, inputs map[string]engine.Document) (*Report, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, engine.NewNotFoundError("run", runID)
	}
	if err := checkInputs(r.def, inputs); err != nil {
		return nil, err
	}

	if err := r.begin(); err != nil {
		return nil, err
	}

	r.addInputs(inputs)
	return e.pass(ctx, r, true), nil
}

// Cancel stops a run. Nodes already applying finish and record their result;
// no new apply starts. A run that is not executing is cancelled at once.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return engine.NewNotFoundError("run", runID)
	}

	ids, idle := r.stop()
	if !idle {
		return nil
	}
	for _, id := range ids {
		node, _ := r.def.Node(id)
		e.recordTransition(r, node, engine.NodeStateCancelled)
	}
	rep := r.report()
	e.finishRun(r, rep, 0)
	return nil
}

// Runs lists the runs that are still held by the engine.
func (e *Engine) Runs() []*Report {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]*Report, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.report())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Templates lists the loaded workflow templates.
func (e *Engine) Templates() []*Definition {
	return e.library.List()
}

// Template returns one workflow template.
func (e *Engine) Template(name string) (*Definition, error) {
	def, ok := e.library.Get(name)
	if !ok {
		return nil, engine.NewNotFoundError("workflow", name)
	}
	return def, nil
}

// DOT renders a template's graph in Graphviz format.
func (e *Engine) DOT(name string) (string, error) {
	def, err := e.Template(name)
	if err != nil {
		return "", err
	}
	b := engine.NewDAGBuilder()
	if _, err := b.BuildGraph(def.dagNodes()); err != nil {
		return "", err
	}
	return b.ToDOT(def.Name), nil
}

func (e *Engine) pass(ctx context.Context, r *run, resumed bool) *Report {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()

	start := time.Now()
	passCtx, span := e.tracer.StartRunSpan(passCtx, r.def.Name, r.id)
	defer span.End()

	e.metrics.RecordRunStarted(r.def.Name)
	_ = e.events.PublishWorkflowStarted(r.id, r.def.Name, resumed)
	e.logger.Info().
		Str("run_id", r.id).
		Str("workflow", r.def.Name).
		Bool("resumed", resumed).
		Msg("Run pass started")

	e.schedule(passCtx, r)

	rep := r.report()
	if rep.Status == engine.RunStatusCompleted {
		telemetry.RecordSuccess(span)
	}
	e.finishRun(r, rep, time.Since(start))
	return rep
}

func (e *Engine) finishRun(r *run, rep *Report, elapsed time.Duration) {
	r.mu.Lock()
	r.active = false
	r.cancel = nil
	r.mu.Unlock()

	if rep.Status.IsTerminal() {
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
	}

	e.metrics.RecordRunFinished(r.def.Name, string(rep.Status), elapsed)
	_ = e.events.PublishWorkflowFinished(r.id, r.def.Name, string(rep.Status), elapsed)

	ev := e.logger.Info()
	if rep.Status != engine.RunStatusCompleted {
		ev = e.logger.Warn()
	}
	ev.Str("run_id", r.id).
		Str("workflow", r.def.Name).
		Str("status", string(rep.Status)).
		Strs("blocked", rep.Blocked).
		Strs("failed", rep.Failed).
		Strs("intervention", rep.Intervention).
		Dur("duration", elapsed).
		Msg("Run pass finished")
}

// runNode drives one node from resolution through apply.
func (e *Engine) runNode(ctx context.Context, r *run, n Node) {
	ctx, span := e.tracer.StartNodeSpan(ctx, r.id, n.ID, n.Plugin)
	defer span.End()

	// A node whose inputs are still missing goes back to waiting without
	// being reported as started.
	r.rc.Delete(n.ID, PortUnresolved)
	desired, missing, err := resolveDesired(n, r.input(n.ID), r.rc)
	if err == nil && len(missing) > 0 {
		e.wait(r, n, missing)
		return
	}

	if !e.transition(r, n.ID, engine.NodeStateStarted, nil, nil) {
		return
	}
	if err != nil {
		e.fail(r, n, err)
		return
	}

	if n.Transform != "" {
		desired, err = e.transformer.Transform(ctx, n.Transform, desired, r.rc.snapshotAny())
		if err != nil {
			if engine.HasCode(err, engine.ErrCodeCancelled) {
				e.transition(r, n.ID, engine.NodeStateCancelled, err, nil)
				return
			}
			e.fail(r, n, err)
			return
		}
	}
	r.rc.Set(n.ID, PortDesiredState, desired)

	h, err := e.registry.Acquire(n.Plugin)
	if err != nil {
		e.fail(r, n, err)
		return
	}
	defer h.Release()

	diff, err := h.Diff(ctx, desired)
	if err != nil {
		if fields := engine.MissingFields(err); len(fields) > 0 {
			e.wait(r, n, fields)
			return
		}
		e.fail(r, n, err)
		return
	}
	r.rc.Set(n.ID, PortDiff, diff.ToDocument())

	if diff.IsEmpty() {
		e.publishCurrent(ctx, r, n, h)
		e.transition(r, n.ID, engine.NodeStateSkipped, nil, nil)
		return
	}

	md := h.Metadata()
	decision, err := e.gate.Evaluate(ctx, &policy.Input{
		Caller:        r.caller,
		Source:        "workflow",
		Plugin:        n.Plugin,
		PluginKind:    string(md.Kind),
		Operation:     string(engine.OperationApply),
		SecurityLevel: policy.OperationLevel(md.Kind, engine.OperationApply),
		DesiredState:  desired,
		Diff:          diff.ToDocument(),
		Approved:      r.approved,
		Workflow:      r.def.Name,
		Node:          n.ID,
	})
	if err != nil {
		e.fail(r, n, err)
		return
	}
	for _, w := range decision.Warnings {
		r.warn(fmt.Sprintf("%s: %s", n.ID, w.Message))
	}
	switch {
	case !decision.Allowed:
		e.fail(r, n, decision.Err())
		return
	case decision.Intervention:
		derr := decision.Err()
		_ = e.events.PublishPolicyIntervention(n.Plugin, derr.Error())
		e.transition(r, n.ID, engine.NodeStateNeedsIntervention, derr, nil)
		return
	}

	if ctx.Err() != nil {
		e.transition(r, n.ID, engine.NodeStateCancelled, nil, nil)
		return
	}

	// An apply that has started runs to completion so its outcome is recorded.
	result, err := h.Apply(context.WithoutCancel(ctx), desired)
	r.rc.Set(n.ID, PortApplyResult, result.ToDocument())

	switch {
	case err != nil:
		e.fail(r, n, err)
	case result.Status == engine.ApplySuccess:
		e.publishCurrent(ctx, r, n, h)
		telemetry.RecordSuccess(span)
		e.transition(r, n.ID, engine.NodeStateCompleted, nil, nil)
	case result.Status == engine.ApplyPartialSuccess:
		e.publishCurrent(ctx, r, n, h)
		r.rc.Set(n.ID, PortUnresolved, result.Failed)
		perr := engine.NewPermanentError(
			fmt.Sprintf("partial apply on %s: %s", n.Plugin, result.Reason), nil,
		).WithCode(engine.ErrCodePartialFailure).WithResource(n.ID).WithDetail("failed", result.Failed)
		e.transition(r, n.ID, engine.NodeStateNeedsIntervention, perr, result.Failed)
	default:
		e.fail(r, n, engine.NewInvalidStateError(fmt.Sprintf("apply on %s failed: %s", n.Plugin, result.Reason)).
			WithResource(n.ID))
	}
}

func (e *Engine) publishCurrent(ctx context.Context, r *run, n Node, h *registry.Handle) {
	current, err := h.Query(ctx)
	if err != nil {
		r.warn(fmt.Sprintf("%s: could not read current state: %v", n.ID, err))
		return
	}
	r.rc.Set(n.ID, PortCurrentState, current)
}

func (e *Engine) wait(r *run, n Node, missing []string) {
	r.rc.Set(n.ID, PortUnresolved, missing)
	e.transition(r, n.ID, engine.NodeStateWaitingForInput, engine.NewMissingInputError(missing), missing)
}

func (e *Engine) fail(r *run, n Node, err error) {
	e.transition(r, n.ID, engine.NodeStateFailed, err, nil)
}

// transition records a node state change and reports it.
func (e *Engine) transition(r *run, id string, next engine.NodeState, err error, unresolved []string) bool {
	if !r.transition(id, next, err, unresolved) {
		e.logger.Error().
			Str("run_id", r.id).
			Str("node", id).
			Str("to", string(next)).
			Msg("Invalid node transition")
		return false
	}
	node, _ := r.def.Node(id)
	e.recordTransition(r, node, next)
	if err != nil {
		e.logger.Warn().Err(err).Str("run_id", r.id).Str("node", id).Str("state", string(next)).Msg("Node stopped")
	}
	return true
}

func (e *Engine) recordTransition(r *run, n Node, state engine.NodeState) {
	e.metrics.RecordNodeTransition(n.Plugin, string(state))
	_ = e.events.PublishNodeTransition(r.id, n.ID, n.Plugin, string(state))
	e.logger.Debug().
		Str("run_id", r.id).
		Str("node", n.ID).
		Str("plugin", n.Plugin).
		Str("state", string(state)).
		Msg("Node transition")
}

func checkInputs(def *Definition, inputs map[string]engine.Document) error {
	for _, id := range sortedIDs(inputs) {
		if _, ok := def.Node(id); !ok {
			return engine.NewNotFoundError("node", id).WithDetail("workflow", def.Name)
		}
	}
	return nil
}
