package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// resolveDesired builds a node's desired state: template defaults, then
// bindings read from the run context, then the caller's input on top. It
// returns the paths that are still missing. A node with no defaults, no
// bindings and no input is missing its whole desired state.
func resolveDesired(n Node, input engine.Document, rc *RunContext) (engine.Document, []string, error) {
	if len(n.Desired) == 0 && len(n.Bindings) == 0 && len(input) == 0 {
		return nil, []string{PortDesiredState}, nil
	}

	desired := n.Desired.Clone()
	if desired == nil {
		desired = engine.Document{}
	}

	var unbound []string
	if len(n.Bindings) > 0 {
		data, err := json.Marshal(desired)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode desired state of %s: %w", n.ID, err)
		}
		for _, target := range sortedKeys(n.Bindings) {
			value, ok := rc.Lookup(n.Bindings[target])
			if !ok || value.Type == 0 {
				unbound = append(unbound, target)
				continue
			}
			data, err = sjson.SetRawBytes(data, target, []byte(value.Raw))
			if err != nil {
				return nil, nil, engine.NewPermanentError(
					fmt.Sprintf("node %s: cannot bind %s: %v", n.ID, target, err), err,
				).WithCode(engine.ErrCodeValidation).WithResource(n.ID)
			}
		}
		if desired, err = engine.DocumentFromJSON(data); err != nil {
			return nil, nil, err
		}
	}

	mergeInto(desired, input.Clone())

	var missing []string
	for _, path := range unbound {
		if !hasPath(desired, path) {
			missing = append(missing, path)
		}
	}
	for _, path := range n.Required {
		if !hasPath(desired, path) {
			missing = append(missing, path)
		}
	}
	return desired, sortedUnique(missing), nil
}

// mergeInto deep-merges src over dst and takes ownership of src. Nested
// documents merge key by key; anything else, including null, replaces the
// destination value.
func mergeInto(dst, src engine.Document) {
	for k, v := range src {
		if sv, ok := engine.AsDocument(v); ok {
			if dv, ok := engine.AsDocument(dst[k]); ok {
				mergeInto(dv, sv)
				dst[k] = dv
				continue
			}
		}
		dst[k] = v
	}
}

// hasPath reports whether path names a non-null value in doc. Paths use the
// sjson syntax: dot separated, "\." escapes a dot and a leading ":" forces a
// numeric object key.
func hasPath(doc engine.Document, path string) bool {
	var cur any = doc
	for _, seg := range splitPath(path) {
		switch v := cur.(type) {
		case engine.Document:
			cur = v[strings.TrimPrefix(seg, ":")]
		case map[string]any:
			cur = v[strings.TrimPrefix(seg, ":")]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return false
			}
			cur = v[i]
		default:
			return false
		}
	}
	return cur != nil
}

func splitPath(path string) []string {
	var parts []string
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch {
		case path[i] == '\\' && i+1 < len(path):
			i++
			b.WriteByte(path[i])
		case path[i] == '.':
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteByte(path[i])
		}
	}
	return append(parts, b.String())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
