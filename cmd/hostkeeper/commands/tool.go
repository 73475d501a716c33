package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
	"github.com/openfroyo/hostkeeper/pkg/tools"
)

func newToolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "List and call tools",
		Long: `Every plugin is exposed as three tools, plugin_<name>_query,
plugin_<name>_diff and plugin_<name>_apply, next to the native tools.
Calls pass through the policy gate.`,
	}

	cmd.AddCommand(newToolListCommand())
	cmd.AddCommand(newToolCallCommand())

	return cmd
}

func newToolListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tool descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			w := cmd.OutOrStdout()
			for _, d := range h.Tools.Tools() {
				fmt.Fprintf(w, "%-40s %-9s %s\n", d.Name, d.SecurityLevel, d.Description)
			}
			return nil
		},
	}
}

func newToolCallCommand() *cobra.Command {
	var (
		arguments string
		clearance string
	)

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool",
		Example: `  # Read the network state
  hostkeeper tool call plugin_network_query

  # Preview a change
  hostkeeper tool call plugin_network_diff --args '{"desired_state": {"links": {"br0": {"mtu": 9000}}}}'

  # Run IPC discovery for one service
  hostkeeper tool call discover_services --args '{"services": ["org.freedesktop.hostname1"]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			call := tools.Call{Name: args[0]}
			if arguments != "" {
				doc, err := engine.DocumentFromJSON([]byte(arguments))
				if err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
				call.Arguments = doc
			}

			h, closeFn, err := openHost(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			if clearance != "" {
				level, err := policy.ParseSecurityLevel(clearance)
				if err != nil {
					return err
				}
				caller := h.Caller
				caller.Clearance = level
				call.Caller = &caller
			}

			resp := h.Tools.Invoke(cmd.Context(), call)
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Error != nil {
				color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "%s failed: %s\n", call.Name, resp.Error.Kind)
				return resp.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&arguments, "args", "", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&clearance, "clearance", "", "caller clearance (low, medium, high, critical)")

	return cmd
}
