package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testWorkflow struct {
	Name  string `json:"name"`
	Nodes []struct {
		ID        string            `json:"id"`
		Plugin    string            `json:"plugin"`
		DependsOn []string          `json:"depends_on"`
		Desired   map[string]any    `json:"desired"`
		Bindings  map[string]string `json:"bindings"`
	} `json:"nodes"`
}

func TestSchemaRegistry_BuiltIn(t *testing.T) {
	sr := NewSchemaRegistry()
	if names := sr.ListSchemas(); len(names) != 1 || names[0] != SchemaWorkflow {
		t.Fatalf("ListSchemas() = %v", names)
	}
	if err := sr.RegisterSchema("broken", "#Broken", "#Broken: {"); err == nil {
		t.Error("expected a compile error")
	}
	if err := sr.RegisterSchema("other", "#Missing", "#Other: {a: int}"); err == nil {
		t.Error("expected an error for a missing definition")
	}
}

func TestCUEParser_DecodeSource(t *testing.T) {
	src := `
name: "bridge_up"
nodes: [{
	id:     "bridge"
	plugin: "network"
	desired: links: br0: {kind: "bridge", mtu: 9000}
}, {
	id:         "rules"
	plugin:     "traffic"
	depends_on: ["bridge"]
	bindings: "rules.1000.iif": "bridge.desired_state.links.br0.name"
}]
`
	var wf testWorkflow
	if err := NewCUEParser().DecodeSource("bridge.cue", []byte(src), SchemaWorkflow, &wf); err != nil {
		t.Fatalf("DecodeSource() error = %v", err)
	}
	if wf.Name != "bridge_up" || len(wf.Nodes) != 2 {
		t.Fatalf("decoded %+v", wf)
	}
	if wf.Nodes[1].DependsOn[0] != "bridge" {
		t.Errorf("depends_on = %v", wf.Nodes[1].DependsOn)
	}
	links := wf.Nodes[0].Desired["links"].(map[string]any)
	br0 := links["br0"].(map[string]any)
	if br0["kind"] != "bridge" {
		t.Errorf("desired = %v", wf.Nodes[0].Desired)
	}
	if wf.Nodes[1].Bindings["rules.1000.iif"] != "bridge.desired_state.links.br0.name" {
		t.Errorf("bindings = %v", wf.Nodes[1].Bindings)
	}
}

func TestCUEParser_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `name: "x" nodes: [`},
		{"no nodes", `name: "empty"`},
		{"empty nodes", `name: "empty", nodes: []`},
		{"dotted node id", `name: "x", nodes: [{id: "a.b", plugin: "network"}]`},
		{"upper-case name", `name: "Bridge", nodes: [{id: "a", plugin: "network"}]`},
		{"unknown field", `name: "x", owner: "ops", nodes: [{id: "a", plugin: "network"}]`},
	}
	parser := NewCUEParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wf testWorkflow
			err := parser.DecodeSource("bad.cue", []byte(tt.src), SchemaWorkflow, &wf)
			var cerr *CUEError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *CUEError, got %v", err)
			}
			if len(cerr.Errors) == 0 || cerr.Error() == "" {
				t.Errorf("CUEError carries no detail: %#v", cerr)
			}
		})
	}
}

func TestCUEParser_DecodeFile(t *testing.T) {
	parser := NewCUEParser()
	var wf testWorkflow

	if err := parser.DecodeFile(filepath.Join(t.TempDir(), "absent.cue"), SchemaWorkflow, &wf); err == nil {
		t.Error("expected an error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "units.cue")
	if err := os.WriteFile(path, []byte(`name: "units", nodes: [{id: "u", plugin: "systemd"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := parser.DecodeFile(path, "nope", &wf); err == nil {
		t.Error("expected an error for an unknown schema")
	}
	if err := parser.DecodeFile(path, SchemaWorkflow, &wf); err != nil {
		t.Fatalf("DecodeFile() error = %v", err)
	}
	if wf.Nodes[0].Plugin != "systemd" {
		t.Errorf("decoded %+v", wf)
	}
}
