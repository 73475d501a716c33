package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/workflow"
)

func TestParseInputs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "inputs.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
network:
  links:
    br0: {mtu: 9000}
membership:
  hostname: from-file
`), 0o644))

	in, err := parseInputs(file, []string{`membership={"hostname": "edge-1"}`})
	require.NoError(t, err)

	links, ok := in["network"].Map("links")
	require.True(t, ok)
	br0, _ := links.Map("br0")
	assert.Equal(t, float64(9000), br0["mtu"])
	assert.Equal(t, "edge-1", in["membership"]["hostname"])
}

func TestParseInputs_Invalid(t *testing.T) {
	tests := []string{"membership", "=1", `node={not json`}
	for _, flag := range tests {
		if _, err := parseInputs("", []string{flag}); err == nil {
			t.Errorf("parseInputs(%q) succeeded, want error", flag)
		}
	}
}

func TestParseInputLine(t *testing.T) {
	in, err := parseInputLine(`{"membership": {"hostname": "edge-1"}}`)
	require.NoError(t, err)
	assert.Equal(t, engine.Document{"hostname": "edge-1"}, in["membership"])

	_, err = parseInputLine(`{"membership": "edge-1"}`)
	assert.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	rep := &workflow.Report{
		RunID:    "run-1",
		Workflow: "mesh_vpn_bringup",
		Status:   engine.RunStatusInProgress,
		Nodes: []workflow.NodeReport{
			{ID: "daemon", Plugin: "systemd", State: engine.NodeStateCompleted},
			{ID: "membership", Plugin: "meshvpn", State: engine.NodeStateWaitingForInput, Unresolved: []string{"hostname"}},
			{ID: "tailnet_rule", Plugin: "traffic", State: engine.NodeStatePending},
			{ID: "bridge", Plugin: "network", State: engine.NodeStateFailed,
				Error: engine.NewErrorBody(engine.NewUnreachableError("netlink timed out", nil))},
		},
		Blocked: []string{"membership"},
		NotRun:  []string{"tailnet_rule"},
	}

	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "mesh_vpn_bringup")
	assert.Contains(t, out, "unresolved: hostname")
	assert.Contains(t, out, "Blocked: membership")
	assert.Contains(t, out, "Not run: tailnet_rule")
	assert.Contains(t, out, "netlink timed out (retryable)")
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand("test", "none", "today")
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"cache", "catalogue", "discover", "plugins", "serve", "tool", "workflow"} {
		assert.Contains(t, names, want)
	}

	wf, _, err := root.Find([]string{"workflow", "run"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wf.Use, "run"))
	assert.NotNil(t, wf.Flags().Lookup("interactive"))
}
