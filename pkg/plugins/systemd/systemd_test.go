package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

type fakeUnits struct {
	mu       sync.Mutex
	units    map[string]*UnitStatus
	failStop bool
	actions  []string
}

func newFakeUnits(units ...UnitStatus) *fakeUnits {
	f := &fakeUnits{units: map[string]*UnitStatus{}}
	for i := range units {
		u := units[i]
		f.units[u.Name] = &u
	}
	return f
}

func (f *fakeUnits) UnitStatus(ctx context.Context, name string) (UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok {
		return UnitStatus{Name: name, ActiveState: "inactive", SubState: "dead", LoadState: "not-found"}, nil
	}
	return *u, nil
}

func (f *fakeUnits) set(name, action string, fn func(*UnitStatus)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action+" "+name)
	fn(f.units[name])
	return nil
}

func (f *fakeUnits) StartUnit(ctx context.Context, name string) error {
	return f.set(name, "start", func(u *UnitStatus) { u.ActiveState, u.SubState = "active", "running" })
}

func (f *fakeUnits) StopUnit(ctx context.Context, name string) error {
	if f.failStop {
		return errors.New("access denied")
	}
	return f.set(name, "stop", func(u *UnitStatus) { u.ActiveState, u.SubState = "inactive", "dead" })
}

func (f *fakeUnits) EnableUnit(ctx context.Context, name string) error {
	return f.set(name, "enable", func(u *UnitStatus) { u.Enabled = true })
}

func (f *fakeUnits) DisableUnit(ctx context.Context, name string) error {
	return f.set(name, "disable", func(u *UnitStatus) { u.Enabled = false })
}

func newPlugin(f *fakeUnits, managed ...string) *Plugin {
	return New(f, Options{ManagedUnits: managed, Logger: zerolog.Nop()})
}

func TestQuery_ManagedUnits(t *testing.T) {
	f := newFakeUnits(
		UnitStatus{Name: "sshd.service", ActiveState: "active", SubState: "running", LoadState: "loaded", Enabled: true},
		UnitStatus{Name: "nginx.service", ActiveState: "inactive", SubState: "dead", LoadState: "loaded"},
	)
	state, err := newPlugin(f, "sshd.service").Query(context.Background())
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	units, _ := state.Map("units")
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %v", units.Keys())
	}
	sshd, _ := units.Map("sshd.service")
	if sshd["active_state"] != "active" || sshd["enabled"] != true {
		t.Errorf("unexpected sshd state %v", sshd)
	}
}

func TestApply_StartAndEnable(t *testing.T) {
	f := newFakeUnits(UnitStatus{Name: "nginx.service", ActiveState: "inactive", SubState: "dead", LoadState: "loaded"})
	p := newPlugin(f)
	ctx := context.Background()

	desired := engine.Document{"units": map[string]any{
		"nginx.service": map[string]any{"active_state": "active", "enabled": true},
	}}

	d, err := p.Diff(ctx, desired)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(d.Changed) != 2 {
		t.Fatalf("expected 2 changed fields, got %v", d.Fields())
	}

	res, err := p.Apply(ctx, desired)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Status != engine.ApplySuccess || len(res.Applied) != 1 || res.Applied[0] != "units.nginx.service" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.actions) != 2 || f.actions[0] != "enable nginx.service" || f.actions[1] != "start nginx.service" {
		t.Errorf("unexpected actions %v", f.actions)
	}

	d, err = p.Diff(ctx, desired)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !d.IsEmpty() {
		t.Fatalf("expected empty diff after apply, got %v", d.Fields())
	}

	res, err = p.Apply(ctx, desired)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Status != engine.ApplySuccess || len(res.Applied) != 0 {
		t.Fatalf("second apply should change nothing: %+v", res)
	}
}

func TestApply_PartialAndNotFound(t *testing.T) {
	f := newFakeUnits(
		UnitStatus{Name: "a.service", ActiveState: "inactive", LoadState: "loaded"},
		UnitStatus{Name: "b.service", ActiveState: "active", LoadState: "loaded"},
	)
	f.failStop = true
	p := newPlugin(f)

	res, err := p.Apply(context.Background(), engine.Document{"units": map[string]any{
		"a.service":       map[string]any{"active_state": "active"},
		"b.service":       map[string]any{"active_state": "inactive"},
		"missing.service": map[string]any{"active_state": "active"},
	}})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Status != engine.ApplyPartialSuccess {
		t.Fatalf("expected partial success, got %s", res.Status)
	}
	if len(res.Failed) != 2 || res.Failed[0] != "units.b.service" || res.Failed[1] != "units.missing.service" {
		t.Errorf("unexpected failed fields %v", res.Failed)
	}
}

func TestValidate(t *testing.T) {
	p := newPlugin(newFakeUnits())
	tests := []struct {
		name    string
		desired engine.Document
	}{
		{"removal", engine.Document{"units": map[string]any{"a.service": nil}}},
		{"bad active_state", engine.Document{"units": map[string]any{"a.service": map[string]any{"active_state": "running"}}}},
		{"read-only field", engine.Document{"units": map[string]any{"a.service": map[string]any{"sub_state": "dead"}}}},
		{"enabled not bool", engine.Document{"units": map[string]any{"a.service": map[string]any{"enabled": "yes"}}}},
		{"unknown section", engine.Document{"services": []any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Diff(context.Background(), tt.desired)
			if engine.KindOf(err) != "invalid_state" {
				t.Fatalf("expected invalid_state, got %v", err)
			}
		})
	}
}
