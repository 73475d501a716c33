package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
)

// run is the state of one workflow execution. It lives in the engine until
// it reaches a terminal status.
type run struct {
	id       string
	def      *Definition
	graph    *engine.ExecutionGraph
	caller   policy.Caller
	approved bool
	rc       *RunContext
	started  time.Time

	mu        sync.Mutex
	inputs    map[string]engine.Document
	nodes     map[string]*NodeReport
	warnings  []string
	cancelled bool
	cancel    context.CancelFunc
	active    bool
	finished  *time.Time
}

func newRun(id string, def *Definition, graph *engine.ExecutionGraph, caller policy.Caller, approved bool) *run {
	r := &run{
		id:       id,
		def:      def,
		graph:    graph,
		caller:   caller,
		approved: approved,
		rc:       newRunContext(),
		started:  time.Now(),
		inputs:   make(map[string]engine.Document),
		nodes:    make(map[string]*NodeReport, len(def.Nodes)),
	}
	for _, n := range def.Nodes {
		r.nodes[n.ID] = &NodeReport{ID: n.ID, Plugin: n.Plugin, State: engine.NodeStatePending}
	}
	return r
}

// addInputs merges caller inputs into the per-node inputs.
func (r *run) addInputs(inputs map[string]engine.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, doc := range inputs {
		cur, ok := r.inputs[id]
		if !ok {
			cur = engine.Document{}
		}
		mergeInto(cur, doc.Clone())
		r.inputs[id] = cur
	}
}

func (r *run) input(id string) engine.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[id].Clone()
}

// transition moves a node to next. It reports false when the state machine
// does not allow the move.
func (r *run) transition(id string, next engine.NodeState, err error, unresolved []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	nr := r.nodes[id]
	if !nr.State.CanTransitionTo(next) {
		return false
	}
	now := time.Now()
	nr.State = next
	switch next {
	case engine.NodeStateStarted:
		nr.StartedAt = &now
		nr.FinishedAt = nil
		nr.Error = nil
		nr.Unresolved = nil
	default:
		nr.Error = engine.NewErrorBody(err)
		nr.Unresolved = unresolved
		if next.IsTerminal() {
			nr.FinishedAt = &now
		}
	}
	return true
}

func (r *run) state(id string) engine.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[id].State
}

func (r *run) states() map[string]engine.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statesLocked()
}

func (r *run) statesLocked() map[string]engine.NodeState {
	out := make(map[string]engine.NodeState, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.State
	}
	return out
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// begin claims the run for a resumed pass.
func (r *run) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.active:
		return engine.NewConflictError(fmt.Sprintf("run %s is executing", r.id), nil).WithResource(r.id)
	case r.cancelled:
		return engine.NewConflictError(fmt.Sprintf("run %s is cancelled", r.id), nil).WithResource(r.id)
	}
	r.active = true
	return nil
}

// stop marks the run cancelled. An executing run has its pass context
// cancelled and stop returns idle false. An idle run is claimed as active,
// its unfinished nodes move to cancelled, and their IDs are returned; the
// caller must finish the run.
func (r *run) stop() (ids []string, idle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.active {
		if r.cancel != nil {
			r.cancel()
		}
		return nil, false
	}

	r.active = true
	now := time.Now()
	for _, id := range r.graph.Order {
		nr := r.nodes[id]
		if nr.State.CanTransitionTo(engine.NodeStateCancelled) {
			nr.State = engine.NodeStateCancelled
			nr.FinishedAt = &now
			ids = append(ids, id)
		}
	}
	return ids, true
}

func (r *run) report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		RunID:     r.id,
		Workflow:  r.def.Name,
		Status:    engine.DeriveRunStatus(r.statesLocked(), r.cancelled),
		Nodes:     make([]NodeReport, 0, len(r.nodes)),
		Outputs:   r.rc.Snapshot(),
		Warnings:  append([]string(nil), r.warnings...),
		StartedAt: r.started,
	}
	for _, id := range r.graph.Order {
		nr := *r.nodes[id]
		nr.Unresolved = append([]string(nil), nr.Unresolved...)
		rep.Nodes = append(rep.Nodes, nr)
		switch nr.State {
		case engine.NodeStateWaitingForInput:
			rep.Blocked = append(rep.Blocked, id)
		case engine.NodeStateFailed:
			rep.Failed = append(rep.Failed, id)
		case engine.NodeStateNeedsIntervention:
			rep.Intervention = append(rep.Intervention, id)
		case engine.NodeStatePending:
			rep.NotRun = append(rep.NotRun, id)
		}
	}

	if rep.Status.IsTerminal() {
		if r.finished == nil {
			now := time.Now()
			r.finished = &now
		}
		rep.FinishedAt = r.finished
		rep.Duration = r.finished.Sub(r.started)
	} else {
		rep.Duration = time.Since(r.started)
	}
	return rep
}

// readyNodes returns the nodes a pass may start with: pending or waiting, with
// every dependency satisfied.
func (r *run) readyNodes() []string {
	states := r.states()
	var ready []string
	for _, id := range r.graph.Order {
		if !runnable(states[id]) {
			continue
		}
		if r.depsSatisfied(id, states) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (r *run) depsSatisfied(id string, states map[string]engine.NodeState) bool {
	for _, dep := range r.graph.Nodes[id].Dependencies {
		if !states[dep].SatisfiesDependents() {
			return false
		}
	}
	return true
}

func runnable(s engine.NodeState) bool {
	return s == engine.NodeStatePending || s == engine.NodeStateWaitingForInput
}

func sortedIDs(m map[string]engine.Document) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
