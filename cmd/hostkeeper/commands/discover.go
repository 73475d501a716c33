package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

var errNoBus = errors.New("discovery unavailable: no IPC bus")

func newDiscoverCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "discover [service...]",
		Short: "Introspect D-Bus services into plugins",
		Long: `Introspect D-Bus services and report which would register as plugins.
With no services, every bus name matching the configured prefix is tried.
A service that cannot be introspected is reported as skipped.`,
		Example: `  # Every org.freedesktop.* service
  hostkeeper discover

  # Specific services
  hostkeeper discover org.freedesktop.hostname1 org.freedesktop.timedate1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			if h.Discoverer == nil {
				return errNoBus
			}

			op := telemetry.StartOperation(h.Telemetry.WithContext(cmd.Context()), "discover")
			report, err := h.Discoverer.Discover(op.Ctx, args...)
			op.End(err)
			if err != nil {
				return err
			}
			op.Logger.Info(fmt.Sprintf("Discovery finished in %s", op.Timer.Duration().Round(time.Millisecond)))
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			w := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)
			for _, name := range report.Registered {
				green.Fprintf(w, "registered  %s\n", name)
			}
			for _, s := range report.Skipped {
				yellow.Fprintf(w, "skipped     %s (%s): %s\n", s.Service, s.Kind, s.Reason)
			}
			fmt.Fprintf(w, "%d registered, %d skipped, %d from cache\n",
				len(report.Registered), len(report.Skipped), len(report.Cached))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the introspection cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			if h.Cache == nil {
				return errors.New("introspection cache is not configured")
			}

			stats, err := h.Cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := openHost(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			if h.Cache == nil {
				return errors.New("introspection cache is not configured")
			}

			n, err := h.Cache.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Cache purged")
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries deleted\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "only delete entries older than this (0 deletes all)")
	cmd.AddCommand(purge)

	return cmd
}
