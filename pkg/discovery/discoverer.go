package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

const (
	// DefaultPrefix selects the services listed when no targets are given.
	DefaultPrefix      = "org.freedesktop."
	defaultConcurrency = 4
)

// Registrar receives discovered plugins.
type Registrar interface {
	Register(p engine.Plugin) error
}

// Cache stores descriptors between discovery passes.
type Cache interface {
	Get(ctx context.Context, key string, maxAge time.Duration, out any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// Options configures a Discoverer.
type Options struct {
	// Prefix filters bus names when Discover is called without services.
	Prefix string

	// Cache and CacheTTL enable the descriptor cache. A zero TTL disables it.
	Cache    Cache
	CacheTTL time.Duration

	Concurrency int
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Events      *telemetry.EventPublisher
}

// Skipped records a service discovery gave up on.
type Skipped struct {
	Service string `json:"service"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
}

// Report is the outcome of one discovery pass.
type Report struct {
	Registered []string  `json:"registered"`
	Skipped    []Skipped `json:"skipped"`

	// Cached lists services whose descriptor came from the cache.
	Cached []string `json:"cached,omitempty"`
}

// Discoverer turns live IPC services into registered plugins.
type Discoverer struct {
	source    Source
	registrar Registrar
	opts      Options
	logger    zerolog.Logger
}

// New creates a Discoverer.
func New(source Source, registrar Registrar, opts Options) *Discoverer {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Discoverer{
		source:    source,
		registrar: registrar,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "discovery").Logger(),
	}
}

// Services lists the bus names matching the configured prefix.
func (d *Discoverer) Services(ctx context.Context) ([]string, error) {
	names, err := d.source.ListServices(ctx, d.opts.Prefix)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to list services", err)
	}
	return names, nil
}

// Discover describes each service and registers a plugin for it. A service
// that cannot be described or registered is skipped and reported; it never
// stops the others. With no services, every bus name matching the prefix is
// tried.
func (d *Discoverer) Discover(ctx context.Context, services ...string) (*Report, error) {
	if len(services) == 0 {
		names, err := d.Services(ctx)
		if err != nil {
			return nil, err
		}
		services = names
	}

	var (
		mu     sync.Mutex
		report = &Report{Registered: []string{}, Skipped: []Skipped{}}
	)
	skip := func(service, kind string, err error) {
		d.logger.Warn().Err(err).Str("service", service).Msg("Service skipped")
		d.opts.Metrics.RecordDiscovery("skipped")
		_ = d.opts.Events.PublishDiscoverySkipped(service, kind, err.Error())
		mu.Lock()
		report.Skipped = append(report.Skipped, Skipped{Service: service, Kind: kind, Reason: err.Error()})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, service := range services {
		g.Go(func() error {
			desc, cached, err := d.describe(gctx, TargetFor(service))
			if err != nil {
				skip(service, engine.KindOf(err), err)
				return nil
			}
			plugin := NewDynamicPlugin(desc, d.source, d.opts.Logger)
			if err := d.registrar.Register(plugin); err != nil {
				skip(service, engine.KindOf(err), err)
				return nil
			}
			d.opts.Metrics.RecordDiscovery("registered")

			mu.Lock()
			report.Registered = append(report.Registered, plugin.Name())
			if cached {
				report.Cached = append(report.Cached, service)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Registered)
	sort.Strings(report.Cached)
	sort.Slice(report.Skipped, func(i, j int) bool { return report.Skipped[i].Service < report.Skipped[j].Service })

	d.logger.Info().
		Int("registered", len(report.Registered)).
		Int("skipped", len(report.Skipped)).
		Msg("Discovery finished")
	return report, nil
}

// Describe returns the descriptor for a target, from the cache when fresh.
func (d *Discoverer) Describe(ctx context.Context, t Target) (*ServiceDescriptor, error) {
	desc, _, err := d.describe(ctx, t)
	return desc, err
}

func (d *Discoverer) describe(ctx context.Context, t Target) (*ServiceDescriptor, bool, error) {
	useCache := d.opts.Cache != nil && d.opts.CacheTTL > 0
	if useCache {
		var desc ServiceDescriptor
		found, err := d.opts.Cache.Get(ctx, t.Key(), d.opts.CacheTTL, &desc)
		if err != nil {
			d.logger.Warn().Err(err).Str("service", t.Service).Msg("Descriptor cache read failed")
		} else if found {
			return &desc, true, nil
		}
	}

	desc, err := d.source.Describe(ctx, t)
	if err != nil {
		return nil, false, engine.NewUnreachableError("failed to introspect "+t.Service, err).
			WithResource(t.Service)
	}
	if useCache {
		if err := d.opts.Cache.Put(ctx, t.Key(), desc); err != nil {
			d.logger.Warn().Err(err).Str("service", t.Service).Msg("Descriptor cache write failed")
		}
	}
	return desc, false, nil
}
