package tools

import (
	"context"
	"fmt"

	"github.com/openfroyo/hostkeeper/pkg/discovery"
	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/stores"
)

// Handler runs a native tool.
type Handler func(ctx context.Context, args engine.Document) (any, error)

// NativeTool is a hand-written tool that is not derived from a plugin.
type NativeTool struct {
	Descriptor
	Handler Handler
}

// Discoverer registers plugins for IPC services.
type Discoverer interface {
	Discover(ctx context.Context, services ...string) (*discovery.Report, error)
}

// CacheStatter reports introspection cache statistics.
type CacheStatter interface {
	Stats(ctx context.Context) (*stores.Stats, error)
}

// PolicyLister exposes the loaded policy set.
type PolicyLister interface {
	ListPolicies() []policy.Policy
	GetPolicy(name string) (*policy.Policy, error)
}

func native(name, description string, level policy.SecurityLevel, props engine.Document, h Handler) NativeTool {
	if props == nil {
		props = engine.Document{}
	}
	return NativeTool{
		Descriptor: Descriptor{
			Name:          name,
			Description:   description,
			Type:          TypeNativeTool,
			SecurityLevel: level,
			InputSchema:   engine.Document{"type": "object", "properties": props},
		},
		Handler: h,
	}
}

// ListPluginsTool lists registered plugins with their metadata.
func ListPluginsTool(plugins PluginLister) NativeTool {
	return native("list_plugins", "List registered state plugins", policy.SecurityLow, nil,
		func(ctx context.Context, _ engine.Document) (any, error) {
			list := plugins.List()
			return map[string]any{"plugins": list, "total": len(list)}, nil
		})
}

// DiscoverServicesTool runs IPC discovery. With no services argument every
// service matching the configured prefix is tried.
func DiscoverServicesTool(d Discoverer) NativeTool {
	props := engine.Document{
		"services": engine.Document{
			"type":        "array",
			"items":       engine.Document{"type": "string"},
			"description": "bus names to introspect",
		},
	}
	return native("discover_services", "Introspect IPC services and register a plugin for each", policy.SecurityHigh, props,
		func(ctx context.Context, args engine.Document) (any, error) {
			services, err := stringList(args, "services")
			if err != nil {
				return nil, err
			}
			return d.Discover(ctx, services...)
		})
}

// CacheStatsTool reports introspection cache statistics.
func CacheStatsTool(c CacheStatter) NativeTool {
	return native("introspection_cache_stats", "Report introspection cache statistics", policy.SecurityLow, nil,
		func(ctx context.Context, _ engine.Document) (any, error) {
			return c.Stats(ctx)
		})
}

// ListPoliciesTool lists loaded policies, or returns one policy with its
// Rego source when a name is given.
func ListPoliciesTool(policies PolicyLister) NativeTool {
	props := engine.Document{
		"name": engine.Document{"type": "string", "description": "return only this policy"},
	}
	return native("list_policies", "List the policies gating plugin operations", policy.SecurityLow, props,
		func(ctx context.Context, args engine.Document) (any, error) {
			if name, ok := args["name"]; ok && name != nil {
				s, ok := name.(string)
				if !ok {
					return nil, validation("name must be a string")
				}
				return policies.GetPolicy(s)
			}

			list := policies.ListPolicies()
			summaries := make([]map[string]any, 0, len(list))
			for _, p := range list {
				summaries = append(summaries, map[string]any{
					"name":        p.Name,
					"description": p.Description,
					"severity":    p.Severity,
					"enabled":     p.Enabled,
					"builtin":     p.Builtin,
				})
			}
			return map[string]any{"policies": summaries, "total": len(summaries)}, nil
		})
}

func stringList(args engine.Document, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, validation("%s must be a list of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, validation("%s must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func validation(format string, args ...any) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(engine.ErrCodeValidation)
}
