package catalogue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
	"github.com/openfroyo/hostkeeper/pkg/tools"
	"github.com/openfroyo/hostkeeper/pkg/workflow"
)

// CatalogueType tags the catalogue document.
const CatalogueType = "unified_system_introspection"

// ToolLister supplies native and plugin-derived tools.
type ToolLister interface {
	NativeTools() []tools.Descriptor
	PluginTools() []tools.Descriptor
}

// PluginLister supplies plugin metadata.
type PluginLister interface {
	List() []engine.PluginMetadata
}

// WorkflowLister supplies workflow templates.
type WorkflowLister interface {
	Templates() []*workflow.Definition
}

// Catalogue is a snapshot of every capability available to callers.
type Catalogue struct {
	Type           string                  `json:"type"`
	Timestamp      time.Time               `json:"timestamp"`
	Tools          []tools.Descriptor      `json:"tools"`
	Workflows      []Workflow              `json:"workflows"`
	StatePlugins   []engine.PluginMetadata `json:"state_plugins"`
	TotalTools     int                     `json:"total_tools"`
	TotalWorkflows int                     `json:"total_workflows"`
	TotalPlugins   int                     `json:"total_plugins"`

	// Degraded is set when a section could not be gathered. That section is
	// empty and Warnings says why. Warnings also flags templates that use
	// unregistered plugins.
	Degraded bool     `json:"degraded"`
	Warnings []string `json:"warnings,omitempty"`
}

// Workflow describes a template with its node ports.
type Workflow struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Source      string         `json:"source,omitempty"`
	Depth       int            `json:"depth"`
	Nodes       []WorkflowNode `json:"nodes"`

	// MissingPlugins lists plugins the template uses that are not registered.
	MissingPlugins []string `json:"missing_plugins,omitempty"`
}

// WorkflowNode describes one template node.
type WorkflowNode struct {
	ID          string          `json:"id"`
	Plugin      string          `json:"plugin"`
	Description string          `json:"description,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Level       int             `json:"level"`
	Inputs      []workflow.Port `json:"inputs"`
	Outputs     []workflow.Port `json:"outputs"`
}

// Options configures an Aggregator.
type Options struct {
	// TTL is how long a built catalogue is served. Zero rebuilds on every call.
	TTL time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Aggregator builds the unified catalogue from its sources, caching the
// result for a short TTL.
type Aggregator struct {
	tools     ToolLister
	plugins   PluginLister
	workflows WorkflowLister

	ttl     time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	group singleflight.Group

	mu         sync.Mutex
	cached     *Catalogue
	expires    time.Time
	generation uint64
}

// New creates an aggregator.
func New(tl ToolLister, pl PluginLister, wl WorkflowLister, opts Options) *Aggregator {
	return &Aggregator{
		tools:     tl,
		plugins:   pl,
		workflows: wl,
		ttl:       opts.TTL,
		logger:    opts.Logger.With().Str("component", "catalogue").Logger(),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
}

// Get returns the catalogue, building it when the cached copy has expired or
// been invalidated. Concurrent callers share one build. The returned value is
// shared and must not be modified.
func (a *Aggregator) Get(ctx context.Context) (*Catalogue, error) {
	a.mu.Lock()
	if a.cached != nil && time.Now().Before(a.expires) {
		c := a.cached
		a.mu.Unlock()
		a.metrics.RecordCatalogueCache("hit")
		return c, nil
	}
	gen := a.generation
	a.mu.Unlock()
	a.metrics.RecordCatalogueCache("miss")

	v, err, _ := a.group.Do(fmt.Sprint(gen), func() (any, error) {
		c, err := a.Build(ctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		if a.ttl > 0 && a.generation == gen {
			a.cached = c
			a.expires = time.Now().Add(a.ttl)
		}
		a.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalogue), nil
}

// Invalidate drops the cached catalogue.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
	a.generation++
}

// Build gathers every section concurrently, bypassing the cache. A section
// that fails is left empty and the catalogue is flagged degraded; only a
// cancelled ctx fails the call.
func (a *Aggregator) Build(ctx context.Context) (*Catalogue, error) {
	ctx, span := a.tracer.StartSpan(ctx, "catalogue.build")
	defer span.End()

	var (
		natives, pluginTools []tools.Descriptor
		plugins              []engine.PluginMetadata
		templates            []*workflow.Definition
		mu                   sync.Mutex
		warnings             []string
		degraded             bool
	)
	degrade := func(section string, err error) {
		mu.Lock()
		defer mu.Unlock()
		degraded = true
		warnings = append(warnings, fmt.Sprintf("%s unavailable: %v", section, err))
		a.logger.Warn().Err(err).Str("section", section).Msg("Catalogue section degraded")
	}

	g, gctx := errgroup.WithContext(ctx)
	gather := func(section string, fn func() error) {
		g.Go(func() error {
			if err := guard(fn); err != nil {
				degrade(section, err)
			}
			return gctx.Err()
		})
	}
	gather("native tools", func() error {
		natives = a.tools.NativeTools()
		return nil
	})
	gather("plugin tools", func() error {
		pluginTools = a.tools.PluginTools()
		return nil
	})
	gather("state plugins", func() error {
		plugins = a.plugins.List()
		return nil
	})
	gather("workflows", func() error {
		templates = a.workflows.Templates()
		return nil
	})
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, engine.NewTransientError("catalogue build cancelled", err).WithCode(engine.ErrCodeCancelled)
	}

	registered := make(map[string]bool, len(plugins))
	for _, md := range plugins {
		registered[md.Name] = true
	}
	workflows := make([]Workflow, 0, len(templates))
	for _, def := range templates {
		wf, err := describeWorkflow(def, registered)
		if err != nil {
			degraded = true
			warnings = append(warnings, fmt.Sprintf("workflow %s unavailable: %v", def.Name, err))
			continue
		}
		if len(wf.MissingPlugins) > 0 {
			warnings = append(warnings, fmt.Sprintf("workflow %s uses unregistered plugins: %v", wf.Name, wf.MissingPlugins))
		}
		workflows = append(workflows, wf)
	}

	all := make([]tools.Descriptor, 0, len(natives)+len(pluginTools))
	all = append(all, natives...)
	all = append(all, pluginTools...)
	if plugins == nil {
		plugins = []engine.PluginMetadata{}
	}
	sort.Strings(warnings)

	c := &Catalogue{
		Type:           CatalogueType,
		Timestamp:      time.Now().UTC(),
		Tools:          all,
		Workflows:      workflows,
		StatePlugins:   plugins,
		TotalTools:     len(all),
		TotalWorkflows: len(workflows),
		TotalPlugins:   len(plugins),
		Degraded:       degraded,
		Warnings:       warnings,
	}
	telemetry.RecordSuccess(span)
	a.logger.Debug().
		Int("tools", c.TotalTools).
		Int("workflows", c.TotalWorkflows).
		Int("plugins", c.TotalPlugins).
		Bool("degraded", c.Degraded).
		Msg("Catalogue built")
	return c, nil
}

func describeWorkflow(def *workflow.Definition, registered map[string]bool) (Workflow, error) {
	graph, err := def.Graph()
	if err != nil {
		return Workflow{}, err
	}
	wf := Workflow{
		Name:        def.Name,
		Description: def.Description,
		Source:      def.Source,
		Depth:       graph.Depth,
		Nodes:       make([]WorkflowNode, 0, len(def.Nodes)),
	}
	missing := make(map[string]bool)
	for _, id := range graph.Order {
		n, _ := def.Node(id)
		wf.Nodes = append(wf.Nodes, WorkflowNode{
			ID:          n.ID,
			Plugin:      n.Plugin,
			Description: n.Description,
			DependsOn:   n.DependsOn,
			Level:       graph.Nodes[id].Level,
			Inputs:      n.Inputs(),
			Outputs:     n.Outputs(),
		})
		if !registered[n.Plugin] && !missing[n.Plugin] {
			missing[n.Plugin] = true
			wf.MissingPlugins = append(wf.MissingPlugins, n.Plugin)
		}
	}
	sort.Strings(wf.MissingPlugins)
	return wf, nil
}

// guard runs fn, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
