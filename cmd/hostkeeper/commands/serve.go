package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the host running with watchers and metrics",
		Long: `Run discovery, watch policy and template files for changes, and serve
Prometheus metrics until interrupted. The catalogue is rebuilt periodically
so cache metrics and discovery results stay current.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, closeFn, err := openHost(ctx, true)
			if err != nil {
				return err
			}
			defer closeFn()

			h.Telemetry.Events.Subscribe(func(ev telemetry.Event) {
				log.Warn().
					Str("event", ev.Type).
					Str("plugin", ev.Plugin).
					Str("run_id", ev.RunID).
					Msg(ev.Message)
			}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

			if err := h.Telemetry.StartMetricsServer(ctx); err != nil {
				return err
			}
			log.Info().
				Int("plugins", h.Registry.Len()).
				Str("metrics", h.Config.Telemetry.Metrics.ListenAddress).
				Msg("hostkeeper running")

			if refresh <= 0 {
				refresh = time.Minute
			}
			ticker := time.NewTicker(refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Shutting down")
					return nil
				case <-ticker.C:
					c, err := h.Catalogue.Get(ctx)
					if err != nil {
						log.Warn().Err(err).Msg("Catalogue refresh failed")
						continue
					}
					log.Debug().
						Int("tools", c.TotalTools).
						Int("workflows", c.TotalWorkflows).
						Bool("degraded", c.Degraded).
						Msg("Catalogue refreshed")
				}
			}
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", time.Minute, "catalogue refresh interval")

	return cmd
}
