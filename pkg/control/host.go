// Package control wires the registry, plugins, discovery, policy, tools,
// workflows and catalogue into one Host from a configuration file.
package control

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkeeper/pkg/catalogue"
	"github.com/openfroyo/hostkeeper/pkg/config"
	"github.com/openfroyo/hostkeeper/pkg/discovery"
	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins/container"
	"github.com/openfroyo/hostkeeper/pkg/plugins/execrunner"
	"github.com/openfroyo/hostkeeper/pkg/plugins/meshvpn"
	"github.com/openfroyo/hostkeeper/pkg/plugins/network"
	"github.com/openfroyo/hostkeeper/pkg/plugins/systemd"
	"github.com/openfroyo/hostkeeper/pkg/plugins/traffic"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/registry"
	"github.com/openfroyo/hostkeeper/pkg/stores"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
	"github.com/openfroyo/hostkeeper/pkg/tools"
	"github.com/openfroyo/hostkeeper/pkg/workflow"
)

// Backends overrides the host interfaces the static plugins and the
// discoverer drive. A nil field uses the real backend.
type Backends struct {
	Runner  execrunner.Runner
	Links   network.LinkManager
	Units   systemd.UnitManager
	MeshVPN meshvpn.Client
	Bus     discovery.Source
}

// Host is every component of a running hostkeeper.
type Host struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Registry  *registry.Registry
	Gate      policy.Gate
	Caller    policy.Caller

	// Policy is nil when policy enforcement is disabled.
	Policy *policy.Engine

	// Cache is nil when no cache path is configured.
	Cache *stores.SQLiteStore

	// Discoverer is nil when no IPC bus is reachable.
	Discoverer *discovery.Discoverer

	Tools     *tools.Dispatcher
	Library   *workflow.Library
	Workflows *workflow.Engine
	Catalogue *catalogue.Aggregator

	logger  zerolog.Logger
	closers []func() error
}

// New builds a Host. Static plugins whose backend is missing are registered
// as unavailable. Discovery does not run until Start.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, b Backends) (*Host, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := tel.Logger.Zerolog()
	h := &Host{
		Config:    cfg,
		Telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("control").Zerolog(),
	}
	ok := false
	defer func() {
		if !ok {
			_ = h.Close()
		}
	}()

	clearance, err := policy.ParseSecurityLevel(cfg.Policy.Clearance)
	if err != nil {
		return nil, err
	}
	h.Caller = policy.Caller{ID: "local", Clearance: clearance}

	h.Registry = registry.New(registry.Options{
		Timeout: cfg.Plugins.CallTimeout,
		Logger:  logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
		Events:  tel.Events,
	})
	if err := h.registerStatic(ctx, b); err != nil {
		return nil, err
	}

	if err := h.setupPolicy(ctx); err != nil {
		return nil, err
	}
	if err := h.setupDiscovery(ctx, b.Bus); err != nil {
		return nil, err
	}

	h.Tools = tools.NewDispatcher(h.Registry, tools.Options{
		Gate:    h.Gate,
		Caller:  h.Caller,
		Logger:  logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
		Events:  tel.Events,
	})
	natives := []tools.NativeTool{tools.ListPluginsTool(h.Registry)}
	if h.Discoverer != nil {
		natives = append(natives, tools.DiscoverServicesTool(h.Discoverer))
	}
	if h.Cache != nil {
		natives = append(natives, tools.CacheStatsTool(h.Cache))
	}
	if h.Policy != nil {
		natives = append(natives, tools.ListPoliciesTool(h.Policy))
	}
	for _, nt := range natives {
		if err := h.Tools.RegisterNative(nt); err != nil {
			return nil, err
		}
	}

	h.Library, err = workflow.NewLibrary(cfg.Workflows.TemplateDir, logger)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, h.Library.Close)
	h.Workflows = workflow.New(h.Registry, h.Library, workflow.Options{
		MaxParallel:      cfg.Workflows.MaxParallel,
		Gate:             h.Gate,
		Caller:           h.Caller,
		TransformTimeout: cfg.Workflows.TransformTimeout,
		Logger:           logger,
		Metrics:          tel.Metrics,
		Tracer:           tel.Tracer,
		Events:           tel.Events,
	})

	h.Catalogue = catalogue.New(h.Tools, h.Registry, h.Workflows, catalogue.Options{
		TTL:     cfg.Catalogue.CacheTTL,
		Logger:  logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
	})
	h.Registry.Subscribe(func(registry.Event) { h.Catalogue.Invalidate() })
	h.Library.OnReload(h.Catalogue.Invalidate)

	ok = true
	return h, nil
}

func (h *Host) registerStatic(ctx context.Context, b Backends) error {
	cfg := h.Config.Plugins
	logger := h.Telemetry.Logger.Zerolog()
	enabled := func(name string) bool { return !slices.Contains(cfg.Disabled, name) }

	runner := b.Runner
	if runner == nil {
		runner = &execrunner.ExecRunner{}
	}

	var static []engine.Plugin

	if enabled(network.PluginName) {
		links := b.Links
		var reason string
		if links == nil {
			nl := &network.NetlinkManager{}
			if err := nl.Probe(); err != nil {
				reason = err.Error()
			}
			links = nl
		}
		p := network.New(links, network.Options{ManagedLinks: cfg.ManagedLinks, Logger: logger})
		if reason != "" {
			p.SetUnavailable(reason)
		}
		static = append(static, p)
	}

	if enabled(systemd.PluginName) {
		units := b.Units
		var reason string
		if units == nil {
			mgr, err := systemd.NewDBusUnitManager()
			if err != nil {
				reason = err.Error()
			} else {
				h.closers = append(h.closers, mgr.Close)
				units = mgr
			}
		}
		p := systemd.New(units, systemd.Options{ManagedUnits: cfg.ManagedUnits, Logger: logger})
		if reason != "" {
			p.SetUnavailable(reason)
		}
		static = append(static, p)
	}

	if enabled(container.PluginName) {
		p := container.New(runner, container.Options{Binary: cfg.LXCPath, Logger: logger})
		if err := p.Probe(ctx); err != nil {
			p.SetUnavailable(err.Error())
		}
		static = append(static, p)
	}

	if enabled(meshvpn.PluginName) {
		client := b.MeshVPN
		if client == nil {
			client = meshvpn.NewLocalClient(cfg.TailscaleSocket)
		}
		p := meshvpn.New(client, logger)
		if err := p.Probe(ctx); err != nil {
			p.SetUnavailable(err.Error())
		}
		static = append(static, p)
	}

	if enabled(traffic.PluginName) {
		p := traffic.New(runner, traffic.Options{
			Binary:      cfg.IPPath,
			MinPriority: cfg.RulePriorityMin,
			MaxPriority: cfg.RulePriorityMax,
			Logger:      logger,
		})
		if err := p.Probe(ctx); err != nil {
			p.SetUnavailable(err.Error())
		}
		static = append(static, p)
	}

	for _, p := range static {
		if err := h.Registry.Register(p); err != nil {
			return err
		}
		if md := p.Metadata(); !md.Available {
			h.logger.Warn().
				Str("plugin", md.Name).
				Str("reason", md.UnavailableReason).
				Msg("Plugin backend unavailable")
		}
	}
	return nil
}

func (h *Host) setupPolicy(ctx context.Context) error {
	cfg := h.Config.Policy
	if !cfg.Enabled {
		h.Gate = policy.AllowAll{}
		return nil
	}
	pe, err := policy.NewEngine(h.Telemetry.Logger.Zerolog(), policy.Options{ProtectedUnits: cfg.ProtectedUnits})
	if err != nil {
		return err
	}
	if len(cfg.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Paths); err != nil {
			return err
		}
	}
	for _, name := range cfg.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			h.logger.Warn().Err(err).Str("policy", name).Msg("Disabled policy is not loaded yet")
		}
	}
	h.Policy = pe
	h.Gate = pe
	return nil
}

func (h *Host) setupDiscovery(ctx context.Context, bus discovery.Source) error {
	cfg := h.Config.Discovery

	if cfg.CachePath != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.CachePath})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		h.closers = append(h.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		h.Cache = store
	}

	if bus == nil {
		src, err := discovery.NewSystemBusSource()
		if err != nil {
			h.logger.Warn().Err(err).Msg("IPC bus unavailable, discovery disabled")
			return nil
		}
		h.closers = append(h.closers, src.Close)
		bus = src
	}

	opts := discovery.Options{
		Prefix:      cfg.Prefix,
		CacheTTL:    cfg.CacheTTL,
		Concurrency: cfg.Concurrency,
		Logger:      h.Telemetry.Logger.Zerolog(),
		Metrics:     h.Telemetry.Metrics,
		Events:      h.Telemetry.Events,
	}
	if h.Cache != nil {
		opts.Cache = h.Cache
	}
	h.Discoverer = discovery.New(bus, h.Registry, opts)
	return nil
}

// Start runs the startup discovery pass and the file watchers. Watchers stop
// when ctx ends.
func (h *Host) Start(ctx context.Context) error {
	if h.Discoverer != nil && h.Config.Discovery.Enabled {
		report, err := h.Discoverer.Discover(ctx, h.Config.Discovery.Services...)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Startup discovery failed")
		} else {
			h.logger.Info().
				Strs("registered", report.Registered).
				Int("skipped", len(report.Skipped)).
				Msg("Startup discovery finished")
		}
	}

	if h.Config.Workflows.Watch {
		if err := h.Library.Watch(ctx); err != nil {
			return err
		}
	}
	if h.Policy != nil && h.Config.Policy.Watch && len(h.Config.Policy.Paths) > 0 {
		if err := h.Policy.Watch(ctx, h.Config.Policy.Paths); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backends in reverse order of acquisition. Telemetry belongs
// to the caller and is left running.
func (h *Host) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
