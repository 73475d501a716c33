package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/discovery"
	"github.com/openfroyo/hostkeeper/pkg/discovery/discoverytest"
	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/engine/enginetest"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/registry"
	"github.com/openfroyo/hostkeeper/pkg/stores"
)

func newRegistry(t *testing.T, plugins ...engine.Plugin) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{Logger: zerolog.Nop(), Timeout: 5 * time.Second})
	for _, p := range plugins {
		require.NoError(t, reg.Register(p))
	}
	return reg
}

func TestParseToolName(t *testing.T) {
	tests := []struct {
		name   string
		plugin string
		op     engine.Operation
		ok     bool
	}{
		{"plugin_net_query", "net", engine.OperationQuery, true},
		{"plugin_net_apply", "net", engine.OperationApply, true},
		{"plugin_example_foo_diff", "example_foo", engine.OperationDiff, true},
		{"plugin_net_delete", "", "", false},
		{"plugin__query", "", "", false},
		{"list_plugins", "", "", false},
	}
	for _, tt := range tests {
		plugin, op, ok := ParseToolName(tt.name)
		if plugin != tt.plugin || op != tt.op || ok != tt.ok {
			t.Errorf("ParseToolName(%q) = %q, %q, %v", tt.name, plugin, op, ok)
		}
	}
}

func TestBridge_ThreeToolsPerPlugin(t *testing.T) {
	dyn := enginetest.New("hostname1", nil)
	dyn.Kind = engine.PluginKindDynamic
	reg := newRegistry(t, enginetest.New("net", nil), enginetest.New("units", nil), dyn)

	tools := NewBridge(reg).Tools()
	require.Len(t, tools, 9)

	byName := map[string]Descriptor{}
	for _, d := range tools {
		byName[d.Name] = d
	}
	for _, plugin := range reg.Names() {
		for _, op := range engine.Operations {
			d, ok := byName[ToolName(plugin, op)]
			require.True(t, ok, "missing tool for %s %s", plugin, op)
			assert.Equal(t, TypePluginTool, d.Type)
			assert.Equal(t, plugin, d.PluginName)
			assert.Equal(t, op, d.Operation)
		}
	}

	assert.Equal(t, "Query net plugin", byName["plugin_net_query"].Description)
	assert.Equal(t, "Apply units plugin", byName["plugin_units_apply"].Description)
	assert.Equal(t, policy.SecurityLow, byName["plugin_net_diff"].SecurityLevel)
	assert.Equal(t, policy.SecurityHigh, byName["plugin_net_apply"].SecurityLevel)
	assert.Equal(t, policy.SecurityCritical, byName["plugin_hostname1_apply"].SecurityLevel)
	assert.Equal(t, []string{"desired_state"}, byName["plugin_net_diff"].InputSchema["required"])
	assert.NotContains(t, byName["plugin_net_query"].InputSchema, "required")

	// The bridge reflects the registry at call time.
	require.NoError(t, reg.Unregister("units"))
	assert.Len(t, NewBridge(reg).Tools(), 6)
}

func TestInvoke_Scenario(t *testing.T) {
	net := enginetest.New("net", engine.Document{"mtu": 1500})
	d := NewDispatcher(newRegistry(t, net), Options{Logger: zerolog.Nop()})
	ctx := context.Background()
	args := engine.Document{"desired_state": map[string]any{"mtu": 9000}}

	resp := d.Invoke(ctx, Call{Name: "plugin_net_diff", Arguments: args})
	require.NoError(t, resp.Err())
	assert.Equal(t, "net", resp.Plugin)
	assert.Equal(t, engine.OperationDiff, resp.Operation)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"changed":{"mtu":{"old":1500,"new":9000}}}`, string(data))

	resp = d.Invoke(ctx, Call{Name: "plugin_net_apply", Arguments: args})
	require.NoError(t, resp.Err())
	result, _ := engine.AsDocument(resp.Result)
	assert.Equal(t, "success", result["status"])

	resp = d.Invoke(ctx, Call{Name: "plugin_net_diff", Arguments: args})
	require.NoError(t, resp.Err())
	data, _ = json.Marshal(resp.Result)
	assert.JSONEq(t, `{}`, string(data))

	resp = d.Invoke(ctx, Call{Name: "plugin_net_query"})
	require.NoError(t, resp.Err())
	state, _ := engine.AsDocument(resp.Result)
	assert.EqualValues(t, 9000, state["mtu"])
}

func TestInvoke_Errors(t *testing.T) {
	broken := enginetest.New("broken", nil)
	broken.QueryErr = engine.NewUnreachableError("bus is down", nil)
	d := NewDispatcher(newRegistry(t, enginetest.New("net", nil), broken), Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	tests := []struct {
		name string
		call Call
		kind string
	}{
		{"unknown tool", Call{Name: "reboot"}, "not_found"},
		{"unknown plugin", Call{Name: "plugin_ghost_query"}, "not_found"},
		{"missing desired_state", Call{Name: "plugin_net_apply"}, "validation_error"},
		{"desired_state not an object", Call{Name: "plugin_net_diff", Arguments: engine.Document{"desired_state": "mtu=9000"}}, "validation_error"},
		{"unreachable plugin", Call{Name: "plugin_broken_query"}, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Invoke(ctx, tt.call)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestInvoke_PartialApply(t *testing.T) {
	p := enginetest.New("pair", engine.Document{"a": 1, "b": 2})
	p.Reject = map[string]error{"b": errors.New("rejected by subsystem")}
	d := NewDispatcher(newRegistry(t, p), Options{Logger: zerolog.Nop()})

	resp := d.Invoke(context.Background(), Call{
		Name:      "plugin_pair_apply",
		Arguments: engine.Document{"desired_state": map[string]any{"a": 5, "b": 9}},
	})
	require.NoError(t, resp.Err())
	result, _ := engine.AsDocument(resp.Result)
	assert.Equal(t, "partial_success", result["status"])
	assert.Equal(t, []any{"a"}, result["applied"])
	assert.Equal(t, []any{"b"}, result["failed"])
}

func TestInvoke_PolicyGate(t *testing.T) {
	gate, err := policy.NewEngine(zerolog.Nop(), policy.Options{})
	require.NoError(t, err)

	net := enginetest.New("net", engine.Document{"mtu": 1500, "vlan": 10})
	d := NewDispatcher(newRegistry(t, net), Options{Gate: gate, Logger: zerolog.Nop()})
	ctx := context.Background()
	admin := &policy.Caller{ID: "admin", Clearance: policy.SecurityHigh}

	resp := d.Invoke(ctx, Call{Name: "plugin_net_query"})
	require.NoError(t, resp.Err(), "low clearance may query")

	resp = d.Invoke(ctx, Call{Name: "plugin_net_apply", Arguments: engine.Document{"desired_state": map[string]any{"mtu": 9000}}})
	assert.Equal(t, "permission_denied", resp.Error.Kind)
	assert.Equal(t, 0, net.Applies())

	removal := engine.Document{"desired_state": map[string]any{"vlan": nil}}
	resp = d.Invoke(ctx, Call{Name: "plugin_net_apply", Arguments: removal, Caller: admin})
	assert.Equal(t, "needs_human_decision", resp.Error.Kind)
	assert.Equal(t, 0, net.Applies())

	removal["approved"] = true
	resp = d.Invoke(ctx, Call{Name: "plugin_net_apply", Arguments: removal, Caller: admin})
	require.NoError(t, resp.Err())
	assert.Equal(t, []string{"mtu"}, net.Fields())
}

type fakeStats struct{}

func (fakeStats) Stats(context.Context) (*stores.Stats, error) {
	return &stores.Stats{Entries: 2, Bytes: 128}, nil
}

func TestNativeTools(t *testing.T) {
	reg := newRegistry(t, enginetest.New("net", nil))
	src := discoverytest.New().Add("org.freedesktop.timedate1", &discoverytest.Service{
		Properties: []discovery.PropertyDescriptor{{Name: "Timezone", Signature: "s", Access: discovery.AccessReadWrite}},
	})
	d := NewDispatcher(reg, Options{Logger: zerolog.Nop(), Caller: policy.Caller{ID: "ops", Clearance: policy.SecurityHigh}})
	require.NoError(t, d.RegisterNative(ListPluginsTool(reg)))
	require.NoError(t, d.RegisterNative(DiscoverServicesTool(discovery.New(src, reg, discovery.Options{Logger: zerolog.Nop()}))))
	require.NoError(t, d.RegisterNative(CacheStatsTool(fakeStats{})))

	assert.Equal(t, "conflict", engine.KindOf(d.RegisterNative(ListPluginsTool(reg))))
	assert.Equal(t, "invalid_state", engine.KindOf(d.RegisterNative(NativeTool{
		Descriptor: Descriptor{Name: "plugin_x_query"},
		Handler:    func(context.Context, engine.Document) (any, error) { return nil, nil },
	})))

	names := []string{}
	for _, tool := range d.NativeTools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"discover_services", "introspection_cache_stats", "list_plugins"}, names)
	assert.Len(t, d.Tools(), 6)

	ctx := context.Background()
	resp := d.Invoke(ctx, Call{Name: "discover_services", Arguments: engine.Document{"services": []any{"org.freedesktop.timedate1"}}})
	require.NoError(t, resp.Err())
	report := resp.Result.(*discovery.Report)
	assert.Equal(t, []string{"timedate1"}, report.Registered)
	assert.Len(t, d.Tools(), 9)

	resp = d.Invoke(ctx, Call{Name: "list_plugins"})
	require.NoError(t, resp.Err())
	assert.Equal(t, 2, resp.Result.(map[string]any)["total"])

	resp = d.Invoke(ctx, Call{Name: "introspection_cache_stats"})
	require.NoError(t, resp.Err())
	assert.Equal(t, 2, resp.Result.(*stores.Stats).Entries)

	resp = d.Invoke(ctx, Call{Name: "discover_services", Arguments: engine.Document{"services": "all"}})
	assert.Equal(t, "validation_error", resp.Error.Kind)
}

func TestListPoliciesTool(t *testing.T) {
	pe, err := policy.NewEngine(zerolog.Nop(), policy.Options{})
	require.NoError(t, err)
	require.NoError(t, pe.DisablePolicy("destructive-apply"))

	reg := newRegistry(t)
	d := NewDispatcher(reg, Options{Logger: zerolog.Nop(), Gate: pe, Caller: policy.Caller{ID: "ops", Clearance: policy.SecurityLow}})
	require.NoError(t, d.RegisterNative(ListPoliciesTool(pe)))

	ctx := context.Background()
	resp := d.Invoke(ctx, Call{Name: "list_policies"})
	require.NoError(t, resp.Err())
	result := resp.Result.(map[string]any)
	assert.Equal(t, 4, result["total"])
	first := result["policies"].([]map[string]any)[0]
	assert.Equal(t, "caller-clearance", first["name"])
	assert.Equal(t, true, first["builtin"])

	resp = d.Invoke(ctx, Call{Name: "list_policies", Arguments: engine.Document{"name": "destructive-apply"}})
	require.NoError(t, resp.Err())
	p := resp.Result.(*policy.Policy)
	assert.False(t, p.Enabled)
	assert.Contains(t, p.Rego, "package")

	resp = d.Invoke(ctx, Call{Name: "list_policies", Arguments: engine.Document{"name": 7}})
	assert.Equal(t, "validation_error", resp.Error.Kind)
}
