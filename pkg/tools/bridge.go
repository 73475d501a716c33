package tools

import (
	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// PluginLister is the registry view the bridge reads.
type PluginLister interface {
	List() []engine.PluginMetadata
}

// Bridge derives query, diff and apply tools from every registered plugin.
// It keeps no state: each call reflects the registry at that moment.
type Bridge struct {
	plugins PluginLister
}

// NewBridge creates a bridge over a registry.
func NewBridge(plugins PluginLister) *Bridge {
	return &Bridge{plugins: plugins}
}

// Tools returns three descriptors per plugin, ordered by plugin name and
// then query, diff, apply.
func (b *Bridge) Tools() []Descriptor {
	plugins := b.plugins.List()
	out := make([]Descriptor, 0, len(plugins)*len(engine.Operations))
	for _, md := range plugins {
		for _, op := range engine.Operations {
			out = append(out, Describe(md, op))
		}
	}
	return out
}
