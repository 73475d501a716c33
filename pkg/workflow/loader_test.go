package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/engine/enginetest"
)

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func TestLibrary_Builtins(t *testing.T) {
	lib, err := NewLibrary("", zerolog.Nop())
	require.NoError(t, err)

	var names []string
	for _, def := range lib.List() {
		names = append(names, def.Name)
		assert.Equal(t, "builtin", def.Source)
		require.NoError(t, def.Validate(), def.Name)
	}
	assert.Equal(t, []string{
		"container_networking",
		"dev_environment",
		"mesh_vpn_bringup",
		"system_reconciliation",
	}, names)

	mesh, ok := lib.Get("mesh_vpn_bringup")
	require.True(t, ok)
	membership, ok := mesh.Node("membership")
	require.True(t, ok)
	assert.Equal(t, []Port{{Name: PortDesiredState, Type: "object", Required: true, Fields: []string{"hostname"}}}, membership.Inputs())
	assert.Len(t, membership.Outputs(), 3)
}

func TestLibrary_Directory(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "units.yaml", `
name: units
nodes:
  - id: nginx
    plugin: systemd
    desired:
      units:
        nginx.service: {active_state: active, enabled: true}
`)
	writeTemplate(t, dir, "bridge.json", `{
  "name": "bridge",
  "nodes": [{"id": "br", "plugin": "network", "desired": {"links": {"br9": {"kind": "bridge"}}}}]
}`)
	writeTemplate(t, dir, "rules.cue", `
name: "rules"
nodes: [{
	id:     "r"
	plugin: "traffic"
	desired: rules: "2000": {table: "main"}
}]
`)
	writeTemplate(t, dir, "mesh_vpn_bringup.yml", `
name: mesh_vpn_bringup
description: site override
nodes:
  - id: membership
    plugin: meshvpn
`)
	writeTemplate(t, dir, "README.md", "not a template")

	lib, err := NewLibrary(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, lib.List(), 7)

	units, ok := lib.Get("units")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "units.yaml"), units.Source)

	rules, ok := lib.Get("rules")
	require.True(t, ok)
	r, _ := rules.Node("r")
	section, _ := r.Desired.Map("rules")
	rule, _ := section.Map("2000")
	assert.Equal(t, "main", rule["table"])

	mesh, _ := lib.Get("mesh_vpn_bringup")
	assert.Equal(t, "site override", mesh.Description)
}

func TestLibrary_RejectsInvalidTemplates(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "a.yaml", "name: a\nowner: ops\nnodes: [{id: n, plugin: p}]\n"},
		{"no nodes", "b.yaml", "name: b\nnodes: []\n"},
		{"cycle", "c.yaml", "name: c\nnodes:\n  - {id: x, plugin: p, depends_on: [y]}\n  - {id: y, plugin: p, depends_on: [x]}\n"},
		{"unknown dependency", "d.json", `{"name": "d", "nodes": [{"id": "x", "plugin": "p", "depends_on": ["ghost"]}]}`},
		{"binding not upstream", "e.yaml", `
name: e
nodes:
  - {id: x, plugin: p}
  - id: y
    plugin: p
    bindings: {mtu: x.current_state.mtu}
`},
		{"dotted node id", "f.yaml", "name: f\nnodes: [{id: a.b, plugin: p}]\n"},
		{"cue schema", "g.cue", `name: "G", nodes: [{id: "n", plugin: "p"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTemplate(t, dir, tt.file, tt.content)
			_, err := NewLibrary(dir, zerolog.Nop())
			require.Error(t, err)
			assert.Equal(t, "validation_error", engine.KindOf(err))
		})
	}
}

func TestLibrary_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "one.yaml", "name: same\nnodes: [{id: n, plugin: p}]\n")
	writeTemplate(t, dir, "two.yaml", "name: same\nnodes: [{id: m, plugin: p}]\n")

	_, err := NewLibrary(dir, zerolog.Nop())
	assert.Equal(t, "conflict", engine.KindOf(err))
}

func TestLibrary_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "first.yaml", "name: first\nnodes: [{id: n, plugin: p}]\n")

	lib, err := NewLibrary(dir, zerolog.Nop())
	require.NoError(t, err)
	reloaded := make(chan struct{}, 8)
	lib.OnReload(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, lib.Watch(ctx))
	defer lib.Close()

	writeTemplate(t, dir, "second.yaml", "name: second\nnodes: [{id: n, plugin: p}]\n")

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := lib.Get("second"); ok {
			break
		}
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("template directory was not reloaded")
		}
	}

	writeTemplate(t, dir, "broken.yaml", "name: [\n")
	time.Sleep(2 * reloadDelay)
	_, ok := lib.Get("second")
	assert.True(t, ok, "a failed reload keeps the previous templates")
}

func TestEngine_DOT(t *testing.T) {
	eng := newTestEngine(t, Options{})

	dot, err := eng.DOT("container_networking")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dot, `digraph "container_networking"`))
	assert.Contains(t, dot, `"bridge" -> "containers";`)
	assert.Contains(t, dot, `"bridge" -> "bridge_rules";`)

	_, err = eng.DOT("absent")
	assert.Equal(t, "not_found", engine.KindOf(err))
}

func TestTemplate_ContainerNetworking(t *testing.T) {
	network := enginetest.New("network", engine.Document{"links": map[string]any{}})
	container := enginetest.New("container", nil)
	traffic := enginetest.New("traffic", engine.Document{"rules": map[string]any{}})
	eng := newTestEngine(t, Options{}, network, container, traffic)

	rep, err := eng.Execute(context.Background(), Request{
		Workflow: "container_networking",
		Inputs: map[string]engine.Document{
			"containers": {"containers": map[string]any{"web": map[string]any{"status": "running"}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, rep.Status, "report: %+v", rep.Nodes)

	rules, _ := traffic.State().Map("rules")
	rule, ok := rules.Map("1100")
	require.True(t, ok)
	assert.Equal(t, "lxdbr1", rule["iif"])
	assert.Equal(t, "main", rule["table"])
}

func TestTemplate_MeshVPNBringup(t *testing.T) {
	systemd := enginetest.New("systemd", nil)
	mesh := enginetest.New("meshvpn", engine.Document{"tailscale_ips": []any{"100.64.0.7", "fd7a:115c:a1e0::7"}})
	traffic := enginetest.New("traffic", nil)
	eng := newTestEngine(t, Options{}, systemd, mesh, traffic)

	rep, err := eng.Execute(context.Background(), Request{Workflow: "mesh_vpn_bringup", RunID: "mesh"})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusInProgress, rep.Status)
	assert.Equal(t, []string{"membership"}, rep.Blocked)
	assert.Equal(t, []string{"tailnet_rule"}, rep.NotRun)
	assert.Equal(t, engine.NodeStateCompleted, nodeState(t, rep, "daemon"))

	rep, err = eng.Resume(context.Background(), "mesh", map[string]engine.Document{
		"membership": {"hostname": "edge-1"},
	})
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, rep.Status)

	assert.Equal(t, "edge-1", mesh.State()["hostname"])
	rules, _ := traffic.State().Map("rules")
	rule, ok := rules.Map("5210")
	require.True(t, ok)
	assert.Equal(t, "100.64.0.7", rule["to"])
	assert.Equal(t, "52", rule["table"])
}
