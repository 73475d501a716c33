package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
	"github.com/openfroyo/hostkeeper/pkg/workflow"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflow templates",
		Long: `Workflows compose plugins into dependency graphs. Each node diffs and
applies one plugin; a node missing input waits, and a node whose change
needs a human decision stops its dependents.`,
	}

	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newWorkflowShowCommand())
	cmd.AddCommand(newWorkflowDOTCommand())
	cmd.AddCommand(newWorkflowRunCommand())

	return cmd
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			w := cmd.OutOrStdout()
			for _, def := range h.Workflows.Templates() {
				fmt.Fprintf(w, "%-24s %2d nodes  %-8s %s\n", def.Name, len(def.Nodes), def.Source, def.Description)
			}
			return nil
		},
	}
}

func newWorkflowShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow>",
		Short: "Print a template as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			def, err := h.Workflows.Template(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
}

func newWorkflowDOTCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dot <workflow>",
		Short: "Print a template graph in Graphviz DOT format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()

			dot, err := h.Workflows.DOT(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		},
	}
}

func newWorkflowRunCommand() *cobra.Command {
	var (
		inputsFile  string
		inputs      []string
		runID       string
		approve     bool
		interactive bool
		progress    bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow template",
		Long: `Execute a workflow template. Inputs are desired-state documents keyed by
node id and are merged over the template defaults.

With --interactive, nodes left waiting for input are reported and their
input is read from stdin as one JSON object per line, keyed by node id,
until the run finishes or stdin closes.`,
		Example: `  # Bring up the mesh VPN, naming the host
  hostkeeper workflow run mesh_vpn_bringup --input 'membership={"hostname": "edge-1"}'

  # Inputs from a file
  hostkeeper workflow run system_reconciliation --inputs host.yaml

  # Prompt for missing input
  hostkeeper workflow run dev_environment --interactive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputsFile, inputs)
			if err != nil {
				return err
			}

			h, closeFn, err := openHost(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			if runID == "" {
				runID = uuid.NewString()
			}
			if progress {
				stderr := cmd.ErrOrStderr()
				h.Telemetry.Events.Subscribe(func(ev telemetry.Event) {
					fmt.Fprintf(stderr, "%s %s\n", ev.Timestamp.Format("15:04:05"), ev.Message)
				}, func(ev telemetry.Event) bool {
					return telemetry.FilterByRunID(runID)(ev) &&
						telemetry.FilterByType(telemetry.EventTypeNodeTransition)(ev)
				})
			}

			rep, err := h.Workflows.Execute(cmd.Context(), workflow.Request{
				Workflow: args[0],
				Inputs:   in,
				RunID:    runID,
				Approved: approve,
			})
			if err != nil {
				return err
			}

			if interactive {
				rep, err = resumeFromReader(cmd, h.Workflows, rep, cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			h.Telemetry.Logger.WithWorkflow(rep.Workflow).WithRunID(rep.RunID).
				Debugf("Run finished %s in %s", rep.Status, rep.Duration)

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), rep)
			}
			if rep.Status != engine.RunStatusCompleted {
				return fmt.Errorf("workflow %s finished %s", rep.Workflow, rep.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputsFile, "inputs", "", "YAML or JSON file of inputs keyed by node id")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "node input as node=<json>")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: generated)")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve changes that would need a human decision")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "read input for waiting nodes from stdin")
	cmd.Flags().BoolVar(&progress, "progress", false, "print node transitions to stderr as they happen")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the run report as JSON")

	return cmd
}

// resumeFromReader feeds input lines to a run while it is waiting for input.
func resumeFromReader(cmd *cobra.Command, eng *workflow.Engine, rep *workflow.Report, r io.Reader) (*workflow.Report, error) {
	yellow := color.New(color.FgYellow)
	scanner := bufio.NewScanner(r)
	for rep.Status == engine.RunStatusInProgress && len(rep.Blocked) > 0 {
		for _, id := range rep.Blocked {
			n, _ := rep.Node(id)
			yellow.Fprintf(cmd.ErrOrStderr(), "%s is waiting for: %s\n", id, strings.Join(n.Unresolved, ", "))
		}
		fmt.Fprint(cmd.ErrOrStderr(), "input> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return rep, nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		in, err := parseInputLine(line)
		if err != nil {
			color.New(color.FgRed).Fprintln(cmd.ErrOrStderr(), err)
			continue
		}
		if rep, err = eng.Resume(cmd.Context(), rep.RunID, in); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func parseInputLine(line string) (map[string]engine.Document, error) {
	doc, err := engine.DocumentFromJSON([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("input must be a JSON object keyed by node id: %w", err)
	}
	out := make(map[string]engine.Document, len(doc))
	for node, v := range doc {
		sub, ok := engine.AsDocument(v)
		if !ok {
			return nil, fmt.Errorf("input for %s must be an object", node)
		}
		out[node] = sub
	}
	return out, nil
}
