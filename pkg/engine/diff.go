package engine

import (
	"encoding/json"
	"sort"
	"strings"
)

// Change records a field whose value differs between current and desired state.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is the structured divergence between current and desired state.
// Keys are field paths; nested documents use dot-separated paths.
type Diff struct {
	Added   map[string]any    `json:"added,omitempty"`
	Changed map[string]Change `json:"changed,omitempty"`
	Removed map[string]any    `json:"removed,omitempty"`
}

// ComputeDiff compares current against desired.
//
// The desired document defines the scope of the comparison: fields that only
// exist in current are not reported, because plugins report more state than a
// caller usually declares. A desired field set to null requests removal and is
// reported under Removed when current still has it. Nested documents are
// compared field by field; lists and scalars are compared as whole values.
func ComputeDiff(current, desired Document) *Diff {
	d := &Diff{}
	diffInto(d, "", current, desired)
	return d
}

func diffInto(d *Diff, prefix string, current, desired Document) {
	for _, key := range desired.Keys() {
		path := joinPath(prefix, key)
		want := desired[key]
		have, exists := current[key]

		if want == nil {
			if exists && have != nil {
				d.addRemoved(path, have)
			}
			continue
		}

		if !exists || have == nil {
			d.addAdded(path, want)
			continue
		}

		wantDoc, wantIsDoc := AsDocument(want)
		haveDoc, haveIsDoc := AsDocument(have)
		if wantIsDoc && haveIsDoc {
			diffInto(d, path, haveDoc, wantDoc)
			continue
		}

		if !ValuesEqual(have, want) {
			d.addChanged(path, have, want)
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (d *Diff) addAdded(path string, value any) {
	if d.Added == nil {
		d.Added = make(map[string]any)
	}
	d.Added[path] = value
}

func (d *Diff) addChanged(path string, old, new any) {
	if d.Changed == nil {
		d.Changed = make(map[string]Change)
	}
	d.Changed[path] = Change{Old: old, New: new}
}

func (d *Diff) addRemoved(path string, old any) {
	if d.Removed == nil {
		d.Removed = make(map[string]any)
	}
	d.Removed[path] = old
}

// IsEmpty reports whether current already matches desired.
func (d *Diff) IsEmpty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0)
}

// Len returns the number of divergent fields.
func (d *Diff) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Added) + len(d.Changed) + len(d.Removed)
}

// Fields returns every divergent field path in sorted order.
func (d *Diff) Fields() []string {
	if d == nil {
		return nil
	}
	fields := make([]string, 0, d.Len())
	for k := range d.Added {
		fields = append(fields, k)
	}
	for k := range d.Changed {
		fields = append(fields, k)
	}
	for k := range d.Removed {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// TopLevelFields returns the distinct first path segments of every divergent
// field. Plugins that reconcile whole objects (a link, a unit) use it to group
// changes.
func (d *Diff) TopLevelFields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range d.Fields() {
		head, _, _ := strings.Cut(f, ".")
		if !seen[head] {
			seen[head] = true
			out = append(out, head)
		}
	}
	return out
}

// ToDocument renders the diff in its generic document form.
func (d *Diff) ToDocument() Document {
	doc := Document{}
	if d == nil {
		return doc
	}
	if len(d.Added) > 0 {
		doc["added"] = Document(d.Added)
	}
	if len(d.Changed) > 0 {
		changed := Document{}
		for k, c := range d.Changed {
			changed[k] = Document{"old": c.Old, "new": c.New}
		}
		doc["changed"] = changed
	}
	if len(d.Removed) > 0 {
		doc["removed"] = Document(d.Removed)
	}
	return doc
}

// MarshalJSON renders an empty diff as {}. encoding/json sorts map keys, so the
// output is deterministic for identical inputs.
func (d *Diff) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToDocument())
}
