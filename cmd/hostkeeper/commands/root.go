package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkeeper/pkg/config"
	"github.com/openfroyo/hostkeeper/pkg/control"
	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostkeeper",
		Short: "hostkeeper - local host state reconciliation",
		Long: `hostkeeper manages local host state through plugins that share one
query / diff / apply contract:

  - network links and bridges (rtnetlink)
  - systemd units (D-Bus)
  - LXC containers
  - Tailscale mesh VPN membership
  - policy-routing rules
  - any D-Bus service discovered at runtime

Plugins are exposed as tools, composed into workflows, and listed together
in one catalogue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (yaml, toml or jsonc)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newCatalogueCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newToolCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", configPath).Msg("Config loaded")
	return cfg, nil
}

// openHost builds and starts a host for one command. The returned func
// releases it.
func openHost(ctx context.Context, startDiscovery bool) (*control.Host, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if !startDiscovery {
		cfg.Discovery.Enabled = false
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	h, err := control.New(ctx, cfg, tel, control.Backends{})
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	if err := h.Start(ctx); err != nil {
		_ = h.Close()
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, err
	}

	closeFn := func() {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close host")
		}
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	return h, closeFn, nil
}
