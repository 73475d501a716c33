package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/engine/enginetest"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/registry"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

func newTestEngine(t *testing.T, opts Options, plugins ...engine.Plugin) *Engine {
	t.Helper()
	reg := registry.New(registry.Options{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	for _, p := range plugins {
		require.NoError(t, reg.Register(p))
	}
	lib, err := NewLibrary("", zerolog.Nop())
	require.NoError(t, err)
	if opts.MaxParallel == 0 {
		opts.MaxParallel = 4
	}
	opts.Logger = zerolog.Nop()
	return New(reg, lib, opts)
}

func chain(name string, nodes ...Node) *Definition {
	return &Definition{Name: name, Nodes: nodes}
}

func nodeState(t *testing.T, rep *Report, id string) engine.NodeState {
	t.Helper()
	n, ok := rep.Node(id)
	require.True(t, ok, "node %s missing from report", id)
	return n.State
}

func TestExecute_IndependentChainsAreIsolated(t *testing.T) {
	a := enginetest.New("a", nil)
	b := enginetest.New("b", nil)
	b.ApplyErr = engine.NewUnreachableError("bus timeout", nil)
	c := enginetest.New("c", nil)
	d := enginetest.New("d", nil)
	eng := newTestEngine(t, Options{}, a, b, c, d)

	def := chain("isolation",
		Node{ID: "A", Plugin: "a"},
		Node{ID: "B", Plugin: "b", DependsOn: []string{"A"}},
		Node{ID: "C", Plugin: "c"},
		Node{ID: "D", Plugin: "d", DependsOn: []string{"C"}},
	)
	inputs := map[string]engine.Document{
		"A": {"x": 1}, "B": {"x": 1}, "C": {"x": 1}, "D": {"x": 1},
	}

	rep, err := eng.Execute(context.Background(), Request{Definition: def, Inputs: inputs})
	require.NoError(t, err)

	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "A"))
	assert.Equal(t, engine.NodeStateFailed, nodeState(t, rep, "B"))
	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "C"))
	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "D"))
	assert.Equal(t, engine.RunStatusFailed, rep.Status)
	assert.Equal(t, []string{"B"}, rep.Failed)

	bn, _ := rep.Node("B")
	require.NotNil(t, bn.Error)
	assert.Equal(t, "unreachable", bn.Error.Kind)
	assert.Equal(t, 1, d.Applies())
}

func TestExecute_FailureStopsDependents(t *testing.T) {
	a := enginetest.New("a", nil)
	a.DiffErr = engine.NewInvalidStateError("mtu out of range")
	b := enginetest.New("b", nil)
	eng := newTestEngine(t, Options{}, a, b)

	def := chain("stop",
		Node{ID: "first", Plugin: "a"},
		Node{ID: "second", Plugin: "b", DependsOn: []string{"first"}},
	)
	rep, err := eng.Execute(context.Background(), Request{
		Definition: def,
		Inputs:     map[string]engine.Document{"first": {"mtu": 1}, "second": {"x": 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, engine.NodeStateFailed, nodeState(t, rep, "first"))
	assert.Equal(t, engine.NodeStatePending, nodeState(t, rep, "second"))
	assert.Equal(t, []string{"second"}, rep.NotRun)
	assert.Equal(t, engine.RunStatusFailed, rep.Status)
	assert.Zero(t, b.Applies())
	assert.Empty(t, eng.Runs(), "terminal runs are dropped")
}

func TestExecute_PartialApplyNeedsIntervention(t *testing.T) {
	p := enginetest.New("p", engine.Document{"a": 1, "b": 2})
	p.Reject = map[string]error{"b": errors.New("device busy")}
	eng := newTestEngine(t, Options{}, p)

	rep, err := eng.Execute(context.Background(), Request{
		Definition: chain("partial", Node{ID: "n", Plugin: "p"}),
		Inputs:     map[string]engine.Document{"n": {"a": 5, "b": 9}},
	})
	require.NoError(t, err)

	n, _ := rep.Node("n")
	assert.Equal(t, engine.NodeStateNeedsIntervention, n.State)
	assert.Equal(t, []string{"b"}, n.Unresolved)
	require.NotNil(t, n.Error)
	assert.Equal(t, "partial_failure", n.Error.Kind)
	assert.Equal(t, engine.RunStatusNeedsIntervention, rep.Status)
	assert.Equal(t, []string{"n"}, rep.Intervention)

	result := rep.Outputs["n"][PortApplyResult].(map[string]any)
	assert.Equal(t, "partial_success", result["status"])
	assert.Equal(t, []any{"a"}, result["applied"])
	assert.Equal(t, []any{"b"}, result["failed"])

	current := rep.Outputs["n"][PortCurrentState].(map[string]any)
	assert.EqualValues(t, 5, current["a"])
	assert.EqualValues(t, 2, current["b"])
}

func TestExecute_MissingInputWaitsAndResumes(t *testing.T) {
	up := enginetest.New("up", nil)
	mid := enginetest.New("mid", nil)
	down := enginetest.New("down", nil)
	eng := newTestEngine(t, Options{}, up, mid, down)

	def := chain("waiting",
		Node{ID: "up", Plugin: "up"},
		Node{ID: "mid", Plugin: "mid", DependsOn: []string{"up"}, Required: []string{"peer"}},
		Node{ID: "down", Plugin: "down", DependsOn: []string{"mid"}},
	)
	rep, err := eng.Execute(context.Background(), Request{
		Definition: def,
		RunID:      "run-1",
		Inputs: map[string]engine.Document{
			"up":   {"x": 1},
			"mid":  {"mtu": 1400},
			"down": {"x": 2},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, engine.RunStatusInProgress, rep.Status)
	assert.Equal(t, []string{"mid"}, rep.Blocked)
	assert.Equal(t, []string{"down"}, rep.NotRun)
	assert.Nil(t, rep.FinishedAt)
	midReport, _ := rep.Node("mid")
	assert.Equal(t, []string{"peer"}, midReport.Unresolved)
	assert.Equal(t, "missing_input", midReport.Error.Kind)
	assert.Zero(t, mid.Applies())
	assert.Zero(t, down.Applies())

	require.Len(t, eng.Runs(), 1)

	rep, err = eng.Resume(context.Background(), "run-1", map[string]engine.Document{
		"mid": {"peer": "10.0.0.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCompleted, rep.Status)
	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "mid"))
	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "down"))
	assert.Equal(t, 1, up.Applies(), "completed nodes do not run again")
	assert.Equal(t, engine.Document{"mtu": 1400, "peer": "10.0.0.2"}, mid.State())
	assert.NotNil(t, rep.FinishedAt)
	assert.Empty(t, eng.Runs())

	_, err = eng.Resume(context.Background(), "run-1", nil)
	assert.Equal(t, "not_found", engine.KindOf(err))
}

func TestExecute_WaitingNodeIsNotStarted(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	var mu sync.Mutex
	var states []string
	events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.Data["state"].(string))
	}, func(ev telemetry.Event) bool {
		return ev.Type == telemetry.EventTypeNodeTransition && ev.NodeID == "mid"
	})

	mid := enginetest.New("mid", nil)
	eng := newTestEngine(t, Options{Events: events}, mid)
	def := chain("gated", Node{ID: "mid", Plugin: "mid", Required: []string{"peer"}})

	_, err = eng.Execute(context.Background(), Request{
		Definition: def,
		RunID:      "gated",
		Inputs:     map[string]engine.Document{"mid": {"mtu": 1400}},
	})
	require.NoError(t, err)
	_, err = eng.Resume(context.Background(), "gated", nil)
	require.NoError(t, err)
	rep, err := eng.Resume(context.Background(), "gated", map[string]engine.Document{"mid": {"peer": "10.0.0.2"}})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCompleted, rep.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"waiting_for_input", "waiting_for_input", "started", "completed"}, states)
}

func TestExecute_PluginReportsMissingInput(t *testing.T) {
	p := enginetest.New("p", nil)
	p.Required = []string{"token"}
	eng := newTestEngine(t, Options{}, p)

	rep, err := eng.Execute(context.Background(), Request{
		Definition: chain("plugin_missing", Node{ID: "n", Plugin: "p"}),
		Inputs:     map[string]engine.Document{"n": {"x": 1}},
	})
	require.NoError(t, err)
	n, _ := rep.Node("n")
	assert.Equal(t, engine.NodeStateWaitingForInput, n.State)
	assert.Equal(t, []string{"token"}, n.Unresolved)
	assert.Equal(t, []any{"token"}, rep.Outputs["n"][PortUnresolved])
}

func TestExecute_NoDesiredStateWaits(t *testing.T) {
	p := enginetest.New("p", nil)
	eng := newTestEngine(t, Options{}, p)

	rep, err := eng.Execute(context.Background(), Request{
		Definition: chain("empty", Node{ID: "n", Plugin: "p"}),
	})
	require.NoError(t, err)
	n, _ := rep.Node("n")
	assert.Equal(t, engine.NodeStateWaitingForInput, n.State)
	assert.Equal(t, []string{PortDesiredState}, n.Unresolved)
}

func TestExecute_NoDivergenceSkips(t *testing.T) {
	p := enginetest.New("p", engine.Document{"mtu": 1500, "up": true})
	eng := newTestEngine(t, Options{}, p)

	rep, err := eng.Execute(context.Background(), Request{
		Definition: chain("skip", Node{ID: "n", Plugin: "p", Desired: engine.Document{"mtu": 1500}}),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.NodeStateSkipped, nodeState(t, rep, "n"))
	assert.Equal(t, engine.RunStatusCompleted, rep.Status)
	assert.Zero(t, p.Applies())

	current := rep.Outputs["n"][PortCurrentState].(map[string]any)
	assert.Equal(t, true, current["up"])
}

func TestExecute_BindingsAndTransform(t *testing.T) {
	src := enginetest.New("src", nil)
	dst := enginetest.New("dst", nil)
	eng := newTestEngine(t, Options{}, src, dst)

	def := chain("bound",
		Node{ID: "bridge", Plugin: "src", Desired: engine.Document{"mtu": 9000}},
		Node{
			ID:        "tunnel",
			Plugin:    "dst",
			DependsOn: []string{"bridge"},
			Desired:   engine.Document{"name": "wg0"},
			Bindings:  map[string]string{"peer_mtu": "bridge.current_state.mtu"},
			Transform: `
def transform(desired, context):
    desired["mtu"] = desired["peer_mtu"] - 80
    return desired
`,
		},
	)
	rep, err := eng.Execute(context.Background(), Request{Definition: def})
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, rep.Status)

	state := dst.State()
	mtu, ok := state.Int("mtu")
	require.True(t, ok)
	assert.EqualValues(t, 8920, mtu)
	assert.Equal(t, "wg0", state["name"])

	desired := rep.Outputs["tunnel"][PortDesiredState].(map[string]any)
	assert.EqualValues(t, 9000, desired["peer_mtu"])
}

func TestExecute_InputOverridesDefaults(t *testing.T) {
	p := enginetest.New("p", nil)
	eng := newTestEngine(t, Options{}, p)

	def := chain("override", Node{
		ID:      "n",
		Plugin:  "p",
		Desired: engine.Document{"links": map[string]any{"br0": map[string]any{"mtu": 1500, "up": true}}},
	})
	_, err := eng.Execute(context.Background(), Request{
		Definition: def,
		Inputs: map[string]engine.Document{
			"n": {"links": map[string]any{"br0": map[string]any{"mtu": 9000}}},
		},
	})
	require.NoError(t, err)

	links, _ := p.State().Map("links")
	br0, _ := links.Map("br0")
	mtu, _ := br0.Int("mtu")
	assert.EqualValues(t, 9000, mtu)
	assert.Equal(t, true, br0["up"])
}

type stubGate struct {
	decision *policy.Decision
	inputs   []*policy.Input
	mu       sync.Mutex
}

func (g *stubGate) Evaluate(_ context.Context, in *policy.Input) (*policy.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, in)
	return g.decision, nil
}

func TestExecute_PolicyGate(t *testing.T) {
	tests := []struct {
		name      string
		decision  *policy.Decision
		wantState engine.NodeState
		wantKind  string
		wantRun   engine.RunStatus
	}{
		{
			name:      "intervention",
			decision:  &policy.Decision{Allowed: true, Intervention: true, Reasons: []string{"destructive apply"}},
			wantState: engine.NodeStateNeedsIntervention,
			wantKind:  "needs_human_decision",
			wantRun:   engine.RunStatusNeedsIntervention,
		},
		{
			name: "deny",
			decision: &policy.Decision{Violations: []policy.PolicyViolation{
				{Policy: "frozen", Message: "containers are frozen", Severity: policy.SeverityError},
			}},
			wantState: engine.NodeStateFailed,
			wantKind:  "permission_denied",
			wantRun:   engine.RunStatusFailed,
		},
		{
			name: "allow with warning",
			decision: &policy.Decision{Allowed: true, Warnings: []policy.PolicyViolation{
				{Policy: "audit", Message: "apply is audited", Severity: policy.SeverityWarning},
			}},
			wantState: engine.NodeStateCompleted,
			wantRun:   engine.RunStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := enginetest.New("container", nil)
			gate := &stubGate{decision: tt.decision}
			eng := newTestEngine(t, Options{Gate: gate}, p)

			rep, err := eng.Execute(context.Background(), Request{
				Definition: chain("gated", Node{ID: "n", Plugin: "container", Desired: engine.Document{"status": "running"}}),
				Approved:   true,
			})
			require.NoError(t, err)

			n, _ := rep.Node("n")
			assert.Equal(t, tt.wantState, n.State)
			assert.Equal(t, tt.wantRun, rep.Status)
			if tt.wantKind != "" {
				require.NotNil(t, n.Error)
				assert.Equal(t, tt.wantKind, n.Error.Kind)
				assert.Zero(t, p.Applies())
			} else {
				assert.Equal(t, 1, p.Applies())
				assert.Equal(t, []string{"n: apply is audited"}, rep.Warnings)
			}

			require.Len(t, gate.inputs, 1)
			in := gate.inputs[0]
			assert.Equal(t, "workflow", in.Source)
			assert.Equal(t, "apply", in.Operation)
			assert.Equal(t, policy.SecurityHigh, in.SecurityLevel)
			assert.Equal(t, "gated", in.Workflow)
			assert.Equal(t, "n", in.Node)
			assert.True(t, in.Approved)
			assert.Equal(t, "local", in.Caller.ID)
		})
	}
}

func TestExecute_CancelStopsNewApplies(t *testing.T) {
	a := enginetest.New("a", nil)
	b := enginetest.New("b", nil)
	eng := newTestEngine(t, Options{}, a, b)
	a.OnApply = func() {
		assert.NoError(t, eng.Cancel("cancel-me"))
	}

	def := chain("cancel",
		Node{ID: "first", Plugin: "a", Desired: engine.Document{"x": 1}},
		Node{ID: "second", Plugin: "b", DependsOn: []string{"first"}, Desired: engine.Document{"x": 1}},
	)
	rep, err := eng.Execute(context.Background(), Request{Definition: def, RunID: "cancel-me"})
	require.NoError(t, err)

	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "first"), "an apply in flight finishes")
	assert.Equal(t, engine.NodeStateCancelled, nodeState(t, rep, "second"))
	assert.Equal(t, engine.RunStatusCancelled, rep.Status)
	assert.Equal(t, 1, a.Applies())
	assert.Zero(t, b.Applies())
}

func TestCancel_WaitingRun(t *testing.T) {
	p := enginetest.New("p", nil)
	q := enginetest.New("q", nil)
	eng := newTestEngine(t, Options{}, p, q)

	def := chain("idle",
		Node{ID: "n", Plugin: "p"},
		Node{ID: "m", Plugin: "q", DependsOn: []string{"n"}, Desired: engine.Document{"x": 1}},
	)
	rep, err := eng.Execute(context.Background(), Request{Definition: def, RunID: "idle"})
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusInProgress, rep.Status)

	require.NoError(t, eng.Cancel("idle"))
	assert.Empty(t, eng.Runs())
	assert.Equal(t, "not_found", engine.KindOf(eng.Cancel("idle")))
}

func TestRun_StopClaimsIdleRun(t *testing.T) {
	def := chain("stop", Node{ID: "n", Plugin: "p"}, Node{ID: "m", Plugin: "q", DependsOn: []string{"n"}})
	graph, err := def.Graph()
	require.NoError(t, err)

	idle := newRun("idle", def, graph, policy.Caller{}, false)
	ids, ok := idle.stop()
	require.True(t, ok)
	assert.Equal(t, []string{"n", "m"}, ids)
	assert.Equal(t, "conflict", engine.KindOf(idle.begin()), "a stopped run cannot be resumed")

	busy := newRun("busy", def, graph, policy.Caller{}, false)
	require.NoError(t, busy.begin())
	cancelled := false
	busy.cancel = func() { cancelled = true }
	ids, ok = busy.stop()
	assert.False(t, ok)
	assert.Empty(t, ids)
	assert.True(t, cancelled)
	assert.Equal(t, engine.NodeStatePending, busy.state("m"), "the pass cancels its own nodes")
}

func TestCancel_ConcurrentResume(t *testing.T) {
	p := enginetest.New("p", nil)
	q := enginetest.New("q", nil)
	eng := newTestEngine(t, Options{}, p, q)

	def := chain("racy",
		Node{ID: "n", Plugin: "p"},
		Node{ID: "m", Plugin: "q", DependsOn: []string{"n"}, Desired: engine.Document{"x": 1}},
	)
	rep, err := eng.Execute(context.Background(), Request{Definition: def, RunID: "racy"})
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusInProgress, rep.Status)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, eng.Cancel("racy"))
	}()
	go func() {
		defer wg.Done()
		rep, err := eng.Resume(context.Background(), "racy", nil)
		if err != nil {
			kind := engine.KindOf(err)
			assert.True(t, kind == "conflict" || kind == "not_found", "unexpected resume error %v", err)
			return
		}
		assert.NotEqual(t, engine.NodeStateCompleted, nodeState(t, rep, "m"))
	}()
	wg.Wait()

	assert.Empty(t, eng.Runs())
	assert.Zero(t, q.Applies())
}

func TestExecute_RequestErrors(t *testing.T) {
	p := enginetest.New("p", nil)
	eng := newTestEngine(t, Options{}, p)
	ctx := context.Background()

	_, err := eng.Execute(ctx, Request{Workflow: "absent"})
	assert.Equal(t, "not_found", engine.KindOf(err))

	def := chain("errs", Node{ID: "n", Plugin: "p"})
	_, err = eng.Execute(ctx, Request{Definition: def, Inputs: map[string]engine.Document{"ghost": {"x": 1}}})
	assert.Equal(t, "not_found", engine.KindOf(err))

	_, err = eng.Execute(ctx, Request{Definition: chain("errs", Node{ID: "a", Plugin: "p", DependsOn: []string{"a"}})})
	assert.Error(t, err)

	rep, err := eng.Execute(ctx, Request{Definition: def, RunID: "dup"})
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusInProgress, rep.Status)
	_, err = eng.Execute(ctx, Request{Definition: def, RunID: "dup"})
	assert.Equal(t, "conflict", engine.KindOf(err))
}

func TestExecute_UnknownPluginFailsNode(t *testing.T) {
	eng := newTestEngine(t, Options{})
	rep, err := eng.Execute(context.Background(), Request{
		Definition: chain("ghost", Node{ID: "n", Plugin: "ghost", Desired: engine.Document{"x": 1}}),
	})
	require.NoError(t, err)
	n, _ := rep.Node("n")
	assert.Equal(t, engine.NodeStateFailed, n.State)
	assert.Equal(t, "not_found", n.Error.Kind)
}

func TestExecute_ConcurrentRunsSerializeApplies(t *testing.T) {
	p := enginetest.New("shared", nil)
	p.ApplyDelay = 20 * time.Millisecond
	eng := newTestEngine(t, Options{}, p)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := eng.Execute(context.Background(), Request{
				Definition: chain("shared", Node{ID: "n", Plugin: "shared"}),
				Inputs:     map[string]engine.Document{"n": {"run": i}},
			})
			assert.NoError(t, err)
			assert.Equal(t, engine.RunStatusCompleted, rep.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, p.Applies())
	assert.Equal(t, 1, p.MaxConcurrentApplies())
}

func TestExecute_MaxParallel(t *testing.T) {
	var plugins []engine.Plugin
	var nodes []Node
	var mu sync.Mutex
	inFlight, peak := 0, 0
	for _, name := range []string{"p1", "p2", "p3", "p4"} {
		p := enginetest.New(name, nil)
		p.OnApply = func() {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
		}
		plugins = append(plugins, p)
		nodes = append(nodes, Node{ID: name, Plugin: name, Desired: engine.Document{"x": 1}})
	}
	eng := newTestEngine(t, Options{MaxParallel: 2}, plugins...)

	rep, err := eng.Execute(context.Background(), Request{Definition: chain("wide", nodes...)})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCompleted, rep.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}
