// Package enginetest provides an in-memory Plugin for tests.
package enginetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// FakePlugin keeps its state in a Document. Apply copies desired fields into
// the state, except fields listed in Reject, which fail.
type FakePlugin struct {
	PluginName string
	Kind       engine.PluginKind

	mu    sync.Mutex
	state engine.Document

	// Reject maps field names to the error Apply reports for them.
	Reject map[string]error

	// Required lists desired fields that must be present; Diff reports a
	// MISSING_INPUT error otherwise.
	Required []string

	// QueryErr, DiffErr and ApplyErr force the corresponding call to fail.
	QueryErr error
	DiffErr  error
	ApplyErr error

	// ApplyDelay makes Apply sleep, ignoring its context.
	ApplyDelay time.Duration

	// OnApply runs at the start of every Apply.
	OnApply func()

	applies  atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

// New returns a fake plugin with the given initial state.
func New(name string, state engine.Document) *FakePlugin {
	if state == nil {
		state = engine.Document{}
	}
	return &FakePlugin{PluginName: name, Kind: engine.PluginKindStatic, state: state}
}

func (f *FakePlugin) Name() string { return f.PluginName }

func (f *FakePlugin) Metadata() engine.PluginMetadata {
	kind := f.Kind
	if kind == "" {
		kind = engine.PluginKindStatic
	}
	return engine.PluginMetadata{
		Name:        f.PluginName,
		Version:     "test",
		Description: "fake " + f.PluginName,
		Kind:        kind,
		Available:   true,
	}
}

func (f *FakePlugin) Query(ctx context.Context) (engine.Document, error) {
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone(), nil
}

func (f *FakePlugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	if f.DiffErr != nil {
		return nil, f.DiffErr
	}
	var missing []string
	for _, field := range f.Required {
		if v, ok := desired[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, engine.NewMissingInputError(missing)
	}
	return engine.DiffAgainst(ctx, f.Query, desired)
}

func (f *FakePlugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.applies.Add(1)

	if f.OnApply != nil {
		f.OnApply()
	}
	if f.ApplyDelay > 0 {
		time.Sleep(f.ApplyDelay)
	}
	if f.ApplyErr != nil {
		return nil, f.ApplyErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	diff := engine.ComputeDiff(f.state, desired)
	var outcome engine.FieldOutcome
	for _, key := range diff.TopLevelFields() {
		if err, ok := f.Reject[key]; ok {
			if err == nil {
				err = errors.New("rejected")
			}
			outcome.Failed(key, err)
			continue
		}
		if desired[key] == nil {
			delete(f.state, key)
		} else {
			f.state[key] = cloneAny(desired[key])
		}
		outcome.Applied(key)
	}
	return outcome.Result(), nil
}

// State returns a copy of the current state.
func (f *FakePlugin) State() engine.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

// Applies returns how many times Apply was called.
func (f *FakePlugin) Applies() int {
	return int(f.applies.Load())
}

// MaxConcurrentApplies returns the highest number of overlapping Apply calls seen.
func (f *FakePlugin) MaxConcurrentApplies() int {
	return int(f.maxSeen.Load())
}

// Fields returns the sorted state keys.
func (f *FakePlugin) Fields() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.state))
	for k := range f.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneAny(v any) any {
	if d, ok := engine.AsDocument(v); ok {
		return d.Clone()
	}
	return v
}
