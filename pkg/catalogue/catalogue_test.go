package catalogue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/engine/enginetest"
	"github.com/openfroyo/hostkeeper/pkg/registry"
	"github.com/openfroyo/hostkeeper/pkg/tools"
	"github.com/openfroyo/hostkeeper/pkg/workflow"
)

type templates struct {
	defs  []*workflow.Definition
	panic bool
	calls atomic.Int32
}

func (l *templates) Templates() []*workflow.Definition {
	l.calls.Add(1)
	if l.panic {
		panic("template store corrupted")
	}
	return l.defs
}

func chainTemplate(name string, plugins ...string) *workflow.Definition {
	def := &workflow.Definition{Name: name, Description: name + " template"}
	prev := ""
	for _, p := range plugins {
		n := workflow.Node{ID: p + "_node", Plugin: p}
		if prev != "" {
			n.DependsOn = []string{prev}
		}
		def.Nodes = append(def.Nodes, n)
		prev = n.ID
	}
	return def
}

func newAggregator(t *testing.T, wl WorkflowLister, ttl time.Duration, plugins ...engine.Plugin) (*Aggregator, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{Logger: zerolog.Nop(), Timeout: time.Second})
	for _, p := range plugins {
		require.NoError(t, reg.Register(p))
	}
	disp := tools.NewDispatcher(reg, tools.Options{Logger: zerolog.Nop()})
	require.NoError(t, disp.RegisterNative(tools.ListPluginsTool(reg)))
	return New(disp, reg, wl, Options{TTL: ttl, Logger: zerolog.Nop()}), reg
}

func TestBuild_ToolsPerPlugin(t *testing.T) {
	wl := &templates{defs: []*workflow.Definition{chainTemplate("bringup", "net", "units")}}
	agg, reg := newAggregator(t, wl, 0, enginetest.New("net", nil), enginetest.New("units", nil))

	c, err := agg.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CatalogueType, c.Type)
	assert.False(t, c.Degraded)
	assert.Empty(t, c.Warnings)
	assert.Equal(t, 7, c.TotalTools)
	assert.Equal(t, 2, c.TotalPlugins)
	assert.Equal(t, 1, c.TotalWorkflows)

	names := map[string]int{}
	for _, d := range c.Tools {
		names[d.Name]++
	}
	assert.Equal(t, 1, names["list_plugins"])
	for _, plugin := range reg.Names() {
		for _, op := range engine.Operations {
			assert.Equal(t, 1, names[tools.ToolName(plugin, op)], "tool for %s %s", plugin, op)
		}
	}

	wf := c.Workflows[0]
	assert.Equal(t, "bringup", wf.Name)
	assert.Equal(t, 2, wf.Depth)
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, "net_node", wf.Nodes[0].ID)
	assert.Equal(t, 0, wf.Nodes[0].Level)
	assert.Equal(t, 1, wf.Nodes[1].Level)
	assert.NotEmpty(t, wf.Nodes[1].Outputs)
	assert.Empty(t, wf.MissingPlugins)
}

func TestBuild_JSONShape(t *testing.T) {
	agg, _ := newAggregator(t, &templates{}, 0)
	c, err := agg.Build(context.Background())
	require.NoError(t, err)

	data, err := json.Marshal(c)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"type", "timestamp", "tools", "workflows", "state_plugins", "total_tools", "total_workflows", "total_plugins", "degraded"} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, []any{}, doc["workflows"])
	assert.Equal(t, []any{}, doc["state_plugins"])
}

func TestBuild_DegradesOnWorkflowFailure(t *testing.T) {
	agg, _ := newAggregator(t, &templates{panic: true}, 0, enginetest.New("net", nil))

	c, err := agg.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Degraded)
	assert.Empty(t, c.Workflows)
	assert.Equal(t, 4, c.TotalTools)
	assert.Equal(t, 1, c.TotalPlugins)
	require.Len(t, c.Warnings, 1)
	assert.Contains(t, c.Warnings[0], "workflows unavailable")
}

func TestBuild_InvalidTemplateIsSkipped(t *testing.T) {
	cyclic := &workflow.Definition{Name: "loop", Nodes: []workflow.Node{
		{ID: "a", Plugin: "net", DependsOn: []string{"b"}},
		{ID: "b", Plugin: "net", DependsOn: []string{"a"}},
	}}
	wl := &templates{defs: []*workflow.Definition{cyclic, chainTemplate("ok", "net")}}
	agg, _ := newAggregator(t, wl, 0, enginetest.New("net", nil))

	c, err := agg.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Degraded)
	require.Len(t, c.Workflows, 1)
	assert.Equal(t, "ok", c.Workflows[0].Name)
	assert.Contains(t, c.Warnings[0], "workflow loop unavailable")
}

func TestBuild_MissingPlugins(t *testing.T) {
	wl := &templates{defs: []*workflow.Definition{chainTemplate("mesh", "net", "meshvpn", "traffic")}}
	agg, _ := newAggregator(t, wl, 0, enginetest.New("net", nil))

	c, err := agg.Build(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Degraded)
	assert.Equal(t, []string{"meshvpn", "traffic"}, c.Workflows[0].MissingPlugins)
	assert.Equal(t, []string{"workflow mesh uses unregistered plugins: [meshvpn traffic]"}, c.Warnings)
}

func TestGet_CachesUntilInvalidated(t *testing.T) {
	wl := &templates{}
	agg, reg := newAggregator(t, wl, time.Minute, enginetest.New("net", nil))

	first, err := agg.Get(context.Background())
	require.NoError(t, err)
	second, err := agg.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), wl.calls.Load())

	require.NoError(t, reg.Register(enginetest.New("units", nil)))
	agg.Invalidate()

	third, err := agg.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), wl.calls.Load())
	assert.Equal(t, 2, third.TotalPlugins)
	assert.Equal(t, 7, third.TotalTools)
}

func TestGet_ZeroTTLRebuilds(t *testing.T) {
	wl := &templates{}
	agg, _ := newAggregator(t, wl, 0)

	for i := 0; i < 3; i++ {
		_, err := agg.Get(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), wl.calls.Load())
}

func TestGet_Cancelled(t *testing.T) {
	agg, _ := newAggregator(t, &templates{}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agg.Get(ctx)
	require.Error(t, err)
	assert.Equal(t, "cancelled", engine.KindOf(err))
}

func TestSummary(t *testing.T) {
	dyn := enginetest.New("hostname1", nil)
	dyn.Kind = engine.PluginKindDynamic
	wl := &templates{defs: []*workflow.Definition{chainTemplate("bringup", "net", "ghost")}}
	agg, _ := newAggregator(t, wl, 0, enginetest.New("net", nil), dyn)

	c, err := agg.Build(context.Background())
	require.NoError(t, err)
	text := Summary(c)

	assert.Contains(t, text, "System capabilities: 7 tools, 1 workflows, 2 state plugins")
	assert.Contains(t, text, "  - hostname1 (dynamic, available)")
	assert.Contains(t, text, "  - bringup (2 nodes): bringup template")
	assert.Contains(t, text, "  native: list_plugins")
	assert.Contains(t, text, "  plugin tools: 6")
	assert.Contains(t, text, "uses unregistered plugins: [ghost]")
	assert.NotContains(t, text, "degraded")
}
