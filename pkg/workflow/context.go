package workflow

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// RunContext is the key-value store shared by the nodes of one run. Keys are
// "<node>.<port>"; nested values are addressed with gjson paths such as
// "bridge.current_state.links.br0.mtu".
type RunContext struct {
	mu     sync.RWMutex
	values map[string]map[string]any
}

func newRunContext() *RunContext {
	return &RunContext{values: make(map[string]map[string]any)}
}

// Set publishes a node output.
func (c *RunContext) Set(node, port string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ports, ok := c.values[node]
	if !ok {
		ports = make(map[string]any)
		c.values[node] = ports
	}
	ports[port] = value
}

// Delete removes a node output.
func (c *RunContext) Delete(node, port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values[node], port)
}

// Get returns the value stored under "<node>.<port>".
func (c *RunContext) Get(key string) (any, bool) {
	node, port, ok := strings.Cut(key, ".")
	if !ok {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[node][port]
	return v, ok
}

// Lookup resolves a gjson path against the context.
func (c *RunContext) Lookup(path string) (gjson.Result, bool) {
	res := gjson.GetBytes(c.JSON(), path)
	return res, res.Exists()
}

// JSON encodes the context. Values that cannot be encoded are dropped.
func (c *RunContext) JSON() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c.values)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// Snapshot returns a deep copy of the context in its JSON shape.
func (c *RunContext) Snapshot() map[string]map[string]any {
	out := make(map[string]map[string]any)
	if err := json.Unmarshal(c.JSON(), &out); err != nil {
		return map[string]map[string]any{}
	}
	return out
}

// snapshotAny is Snapshot as a plain map, the shape transform scripts see.
func (c *RunContext) snapshotAny() map[string]any {
	snap := c.Snapshot()
	out := make(map[string]any, len(snap))
	for node, ports := range snap {
		out[node] = map[string]any(ports)
	}
	return out
}
