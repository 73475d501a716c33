package container

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins/execrunner"
)

// fakeLXD keeps container statuses and answers lxc commands.
type fakeLXD struct {
	mu         sync.Mutex
	containers map[string]string
	failStart  map[string]bool
}

func (l *fakeLXD) handle(cmdline string) (*execrunner.Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	args := strings.Fields(cmdline)[1:]
	switch args[0] {
	case "list":
		out := []map[string]any{}
		for name, status := range l.containers {
			out = append(out, map[string]any{
				"name":   name,
				"status": strings.ToUpper(status[:1]) + status[1:],
				"type":   "container",
				"state": map[string]any{"network": map[string]any{
					"lo":   map[string]any{"addresses": []any{map[string]any{"family": "inet", "address": "127.0.0.1", "scope": "local"}}},
					"eth0": map[string]any{"addresses": []any{map[string]any{"family": "inet", "address": "10.0.0.2", "scope": "global"}}},
				}},
			})
		}
		data, _ := json.Marshal(out)
		return &execrunner.Result{Stdout: string(data)}, true
	case "launch":
		l.containers[args[2]] = "running"
	case "init":
		l.containers[args[2]] = "stopped"
	case "start":
		if l.failStart[args[1]] {
			return &execrunner.Result{ExitCode: 1, Stderr: "Error: failed to start"}, true
		}
		l.containers[args[1]] = "running"
	case "stop":
		l.containers[args[1]] = "stopped"
	case "pause":
		l.containers[args[1]] = "frozen"
	case "delete":
		delete(l.containers, args[2])
	default:
		return nil, false
	}
	return &execrunner.Result{}, true
}

func newTestPlugin(containers map[string]string) (*Plugin, *fakeLXD, *execrunner.Fake) {
	lxd := &fakeLXD{containers: containers, failStart: map[string]bool{}}
	f := execrunner.NewFake()
	f.Handler = lxd.handle
	return New(f, Options{Logger: zerolog.Nop()}), lxd, f
}

func TestQuery(t *testing.T) {
	p, _, _ := newTestPlugin(map[string]string{"web": "running"})
	state, err := p.Query(context.Background())
	require.NoError(t, err)

	web, ok := state["containers"].(engine.Document)["web"].(engine.Document)
	require.True(t, ok)
	assert.Equal(t, "running", web["status"])
	assert.Equal(t, []any{"10.0.0.2"}, web["ipv4"])
}

func TestQuery_Unreachable(t *testing.T) {
	f := execrunner.NewFake().Fail("lxc list --format json", "Error: daemon not running")
	p := New(f, Options{Logger: zerolog.Nop()})
	_, err := p.Query(context.Background())
	require.Error(t, err)
	assert.Equal(t, "unreachable", engine.KindOf(err))
	assert.Error(t, p.Probe(context.Background()))
}

func TestApply_Lifecycle(t *testing.T) {
	p, lxd, f := newTestPlugin(map[string]string{"db": "running", "old": "stopped"})
	ctx := context.Background()

	desired := engine.Document{"containers": map[string]any{
		"web": map[string]any{"image": "ubuntu:24.04", "status": "running"},
		"db":  map[string]any{"status": "stopped", "image": "ignored"},
		"old": nil,
	}}

	d, err := p.Diff(ctx, desired)
	require.NoError(t, err)
	assert.Contains(t, d.Added, "containers.web")
	assert.Equal(t, engine.Change{Old: "running", New: "stopped"}, d.Changed["containers.db.status"])
	assert.Contains(t, d.Removed, "containers.old")
	assert.NotContains(t, d.Added, "containers.db.image")

	res, err := p.Apply(ctx, desired)
	require.NoError(t, err)
	assert.Equal(t, engine.ApplySuccess, res.Status)
	assert.Equal(t, []string{"containers.db", "containers.old", "containers.web"}, res.Applied)
	assert.Equal(t, map[string]string{"db": "stopped", "web": "running"}, lxd.containers)
	assert.Contains(t, f.Executed(), "lxc launch ubuntu:24.04 web")
	assert.Contains(t, f.Executed(), "lxc delete --force old")

	d, err = p.Diff(ctx, desired)
	require.NoError(t, err)
	assert.True(t, d.IsEmpty(), "diff after apply: %v", d.Fields())

	res, err = p.Apply(ctx, desired)
	require.NoError(t, err)
	assert.Equal(t, engine.ApplySuccess, res.Status)
	assert.Empty(t, res.Applied)
}

func TestApply_PartialSuccess(t *testing.T) {
	p, lxd, _ := newTestPlugin(map[string]string{"a": "stopped", "b": "stopped"})
	lxd.failStart["b"] = true

	res, err := p.Apply(context.Background(), engine.Document{"containers": map[string]any{
		"a": map[string]any{"status": "running"},
		"b": map[string]any{"status": "running"},
	}})
	require.NoError(t, err)
	assert.Equal(t, engine.ApplyPartialSuccess, res.Status)
	assert.Equal(t, []string{"containers.a"}, res.Applied)
	assert.Equal(t, []string{"containers.b"}, res.Failed)
	assert.Contains(t, res.Errors["containers.b"], "failed to start")
}

func TestApply_CreateWithoutImage(t *testing.T) {
	p, _, _ := newTestPlugin(map[string]string{})
	res, err := p.Apply(context.Background(), engine.Document{"containers": map[string]any{
		"web": map[string]any{"status": "running"},
	}})
	require.NoError(t, err)
	assert.Equal(t, engine.ApplyFailure, res.Status)
}

func TestValidate(t *testing.T) {
	p, _, _ := newTestPlugin(map[string]string{})
	_, err := p.Diff(context.Background(), engine.Document{"containers": map[string]any{
		"web": map[string]any{"status": "paused"},
	}})
	assert.Equal(t, "invalid_state", engine.KindOf(err))

	_, err = p.Diff(context.Background(), engine.Document{"containers": map[string]any{
		"web": map[string]any{"cpu": 2},
	}})
	assert.Equal(t, "invalid_state", engine.KindOf(err))
}
