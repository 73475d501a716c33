package catalogue

import (
	"fmt"
	"strings"
)

// Summary renders the catalogue as plain text for chat front ends.
func Summary(c *Catalogue) string {
	var b strings.Builder

	fmt.Fprintf(&b, "System capabilities: %d tools, %d workflows, %d state plugins\n",
		c.TotalTools, c.TotalWorkflows, c.TotalPlugins)
	if c.Degraded {
		b.WriteString("Catalogue is degraded; some sections could not be gathered.\n")
	}

	if len(c.StatePlugins) > 0 {
		b.WriteString("\nState plugins:\n")
		for _, md := range c.StatePlugins {
			status := "available"
			if !md.Available {
				status = "unavailable"
			}
			fmt.Fprintf(&b, "  - %s (%s, %s)", md.Name, md.Kind, status)
			if md.Description != "" {
				fmt.Fprintf(&b, ": %s", md.Description)
			}
			b.WriteByte('\n')
		}
	}

	if len(c.Workflows) > 0 {
		b.WriteString("\nWorkflows:\n")
		for _, wf := range c.Workflows {
			fmt.Fprintf(&b, "  - %s (%d nodes)", wf.Name, len(wf.Nodes))
			if wf.Description != "" {
				fmt.Fprintf(&b, ": %s", wf.Description)
			}
			b.WriteByte('\n')
		}
	}

	var native []string
	plugin := 0
	for _, d := range c.Tools {
		if d.PluginName == "" {
			native = append(native, d.Name)
		} else {
			plugin++
		}
	}
	b.WriteString("\nTools:\n")
	if len(native) > 0 {
		fmt.Fprintf(&b, "  native: %s\n", strings.Join(native, ", "))
	}
	fmt.Fprintf(&b, "  plugin tools: %d (plugin_<name>_query, plugin_<name>_diff, plugin_<name>_apply)\n", plugin)

	if len(c.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range c.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	return b.String()
}
