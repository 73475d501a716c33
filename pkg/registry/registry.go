package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

// DefaultCallTimeout bounds every plugin call when Options.Timeout is zero.
const DefaultCallTimeout = 30 * time.Second

// EventType identifies a registry change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
)

// Event describes a registry change delivered to subscribers.
type Event struct {
	Type   EventType
	Plugin string
	Kind   engine.PluginKind
}

// Options configures a Registry.
type Options struct {
	// Timeout bounds each query, diff and apply call.
	Timeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

type entry struct {
	plugin engine.Plugin

	// applyLock admits one apply at a time. It is a channel so that waiters
	// can give up when their context ends.
	applyLock chan struct{}

	// leases counts outstanding handles; guarded by Registry.mu.
	leases int
}

// Registry is the name-keyed catalogue of plugins. It owns every plugin for
// the process lifetime; callers borrow them through leased Handles.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []func(Event)

	timeout time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// New creates an empty registry.
func New(opts Options) *Registry {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Registry{
		entries: make(map[string]*entry),
		timeout: timeout,
		logger:  opts.Logger.With().Str("component", "registry").Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		events:  opts.Events,
	}
}

// Register adds a plugin. A name that is already registered is rejected with
// a Conflict error and the existing plugin stays in place.
func (r *Registry) Register(p engine.Plugin) error {
	name := p.Name()
	if name == "" {
		return engine.NewInvalidStateError("plugin name must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return engine.NewConflictError(fmt.Sprintf("plugin %s already registered", name), nil).
			WithResource(name)
	}
	r.entries[name] = &entry{plugin: p, applyLock: make(chan struct{}, 1)}
	r.updateCountsLocked()
	r.mu.Unlock()

	kind := p.Metadata().Kind
	r.logger.Info().Str("plugin", name).Str("kind", string(kind)).Msg("Plugin registered")
	_ = r.events.PublishPluginRegistered(name, string(kind))
	r.notify(Event{Type: EventRegistered, Plugin: name, Kind: kind})
	return nil
}

// Unregister removes a plugin. It fails with Conflict while any handle to the
// plugin is still held.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return engine.NewNotFoundError("plugin", name)
	}
	if e.leases > 0 {
		r.mu.Unlock()
		return engine.NewConflictError(
			fmt.Sprintf("plugin %s is in use by %d caller(s)", name, e.leases), nil,
		).WithResource(name)
	}
	delete(r.entries, name)
	r.updateCountsLocked()
	r.mu.Unlock()

	kind := e.plugin.Metadata().Kind
	r.logger.Info().Str("plugin", name).Msg("Plugin unregistered")
	r.notify(Event{Type: EventUnregistered, Plugin: name, Kind: kind})
	return nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (engine.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// List returns metadata for every plugin, sorted by name.
func (r *Registry) List() []engine.PluginMetadata {
	r.mu.RLock()
	plugins := make([]engine.Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		plugins = append(plugins, e.plugin)
	}
	r.mu.RUnlock()

	out := make([]engine.PluginMetadata, 0, len(plugins))
	for _, p := range plugins {
		md := p.Metadata()
		md.Name = p.Name()
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered plugin name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe registers fn to be called after every registration change.
// Listeners run synchronously on the goroutine that changed the registry.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Acquire leases the named plugin. The plugin cannot be unregistered until
// the handle is released.
func (r *Registry) Acquire(name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, engine.NewNotFoundError("plugin", name)
	}
	e.leases++
	return &Handle{registry: r, entry: e, name: name}, nil
}

// Timeout returns the per-call timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.leases--
	r.mu.Unlock()
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (r *Registry) updateCountsLocked() {
	counts := map[engine.PluginKind]int{engine.PluginKindStatic: 0, engine.PluginKindDynamic: 0}
	for _, e := range r.entries {
		counts[e.plugin.Metadata().Kind]++
	}
	for kind, n := range counts {
		r.metrics.SetPluginCount(string(kind), float64(n))
	}
}
