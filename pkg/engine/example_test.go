package engine_test

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// ExampleComputeDiff raises an MTU, then shows the diff is empty once the
// change is in place.
func ExampleComputeDiff() {
	current := engine.Document{"mtu": 1500, "up": true}
	desired := engine.Document{"mtu": 9000}

	diff := engine.ComputeDiff(current, desired)
	out, _ := json.Marshal(diff)
	fmt.Println(string(out))

	current["mtu"] = 9000
	out, _ = json.Marshal(engine.ComputeDiff(current, desired))
	fmt.Println(string(out))

	// Output:
	// {"changed":{"mtu":{"new":9000,"old":1500}}}
	// {}
}

// ExampleComputeDiff_nested uses dotted paths for nested documents and null
// to request removal.
func ExampleComputeDiff_nested() {
	current := engine.Document{
		"links": map[string]any{
			"br0":  map[string]any{"mtu": 1500},
			"dum0": map[string]any{"kind": "dummy"},
		},
	}
	desired := engine.Document{
		"links": map[string]any{
			"br0":  map[string]any{"mtu": 9000},
			"dum0": nil,
			"br1":  map[string]any{"kind": "bridge"},
		},
	}

	fmt.Println(engine.ComputeDiff(current, desired).Fields())

	// Output:
	// [links.br0.mtu links.br1 links.dum0]
}

// ExampleKindOf maps errors to the kinds callers see in responses.
func ExampleKindOf() {
	errs := []error{
		engine.NewNotFoundError("plugin", "net"),
		engine.NewMissingInputError([]string{"hostname"}),
		engine.NewConflictError("plugin net already registered", nil),
	}
	for _, err := range errs {
		fmt.Println(engine.KindOf(err))
	}

	// Output:
	// not_found
	// missing_input
	// conflict
}
