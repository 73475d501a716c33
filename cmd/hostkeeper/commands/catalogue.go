package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkeeper/pkg/catalogue"
)

func newCatalogueCommand() *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "catalogue",
		Short: "Show every tool, workflow and plugin",
		Long: `Print the unified catalogue: native tools, the three tools generated for
each plugin, workflow templates with their node ports, and plugin metadata.

A section that cannot be gathered is left empty and the catalogue is
flagged degraded.`,
		Example: `  # Full catalogue as JSON
  hostkeeper catalogue

  # Plain-text summary
  hostkeeper catalogue --summary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			c, err := h.Catalogue.Get(cmd.Context())
			if err != nil {
				return err
			}
			if summary {
				text := catalogue.Summary(c)
				if c.Degraded {
					color.New(color.FgYellow).Fprint(cmd.OutOrStdout(), text)
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}

	cmd.Flags().BoolVar(&summary, "summary", false, "print a plain-text summary")

	return cmd
}

func newPluginsCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeFn()

			list := h.Registry.List()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}

			w := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			red := color.New(color.FgRed)
			for _, md := range list {
				fmt.Fprintf(w, "%-20s %-8s %-8s ", md.Name, md.Kind, md.Version)
				if md.Available {
					green.Fprint(w, "available")
				} else {
					red.Fprintf(w, "unavailable (%s)", md.UnavailableReason)
				}
				fmt.Fprintf(w, "  %s\n", md.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}
