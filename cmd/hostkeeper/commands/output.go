package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/workflow"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateColor(state engine.NodeState) *color.Color {
	switch state {
	case engine.NodeStateCompleted:
		return color.New(color.FgGreen)
	case engine.NodeStateSkipped:
		return color.New(color.FgCyan)
	case engine.NodeStateFailed:
		return color.New(color.FgRed, color.Bold)
	case engine.NodeStateWaitingForInput, engine.NodeStateNeedsIntervention:
		return color.New(color.FgYellow)
	case engine.NodeStateCancelled:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.Reset)
	}
}

func statusColor(status engine.RunStatus) *color.Color {
	switch status {
	case engine.RunStatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case engine.RunStatusFailed:
		return color.New(color.FgRed, color.Bold)
	case engine.RunStatusInProgress, engine.RunStatusNeedsIntervention:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgMagenta)
	}
}

func printReport(w io.Writer, rep *workflow.Report) {
	cyan := color.New(color.FgCyan)

	fmt.Fprintf(w, "Run %s (%s): ", cyan.Sprint(rep.RunID), rep.Workflow)
	statusColor(rep.Status).Fprintln(w, rep.Status)

	for _, n := range rep.Nodes {
		fmt.Fprintf(w, "  %-20s %-12s ", n.ID, n.Plugin)
		stateColor(n.State).Fprint(w, n.State)
		if n.Error != nil {
			fmt.Fprintf(w, "  %s: %s", n.Error.Kind, n.Error.Message)
			if n.Error.Retryable {
				fmt.Fprint(w, " (retryable)")
			}
		}
		if len(n.Unresolved) > 0 {
			fmt.Fprintf(w, "  unresolved: %s", strings.Join(n.Unresolved, ", "))
		}
		fmt.Fprintln(w)
	}

	lists := []struct {
		label string
		ids   []string
	}{
		{"Blocked", rep.Blocked},
		{"Failed", rep.Failed},
		{"Needs intervention", rep.Intervention},
		{"Not run", rep.NotRun},
	}
	for _, l := range lists {
		if len(l.ids) > 0 {
			fmt.Fprintf(w, "%s: %s\n", l.label, strings.Join(l.ids, ", "))
		}
	}
	for _, warn := range rep.Warnings {
		color.New(color.FgYellow).Fprintf(w, "warning: %s\n", warn)
	}
}

// parseInputs reads per-node desired-state inputs from a YAML or JSON file
// and node=JSON flag values. Flag values win over the file.
func parseInputs(file string, flags []string) (map[string]engine.Document, error) {
	out := map[string]engine.Document{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs: %w", err)
		}
		var raw map[string]map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse inputs %s: %w", file, err)
		}
		for node, doc := range raw {
			norm, err := engine.Normalize(doc)
			if err != nil {
				return nil, fmt.Errorf("inputs for %s: %w", node, err)
			}
			out[node] = norm
		}
	}
	for _, f := range flags {
		node, value, ok := strings.Cut(f, "=")
		if !ok || node == "" {
			return nil, fmt.Errorf("invalid input %q, want node=<json>", f)
		}
		doc, err := engine.DocumentFromJSON([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("invalid input for %s: %w", node, err)
		}
		out[node] = doc
	}
	return out, nil
}
