package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/config"
)

func newServeMetricsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Long: `Keep a machine running and serve its Prometheus metrics.

The address comes from --metrics-addr, then telemetry.metrics_address in the
configuration, then ` + defaultMetricsAddr + `. Policy paths configured with watch
are reloaded while the command runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			withDefaultAddr := func(cfg *config.MachineConfig) {
				if cfg.Telemetry.MetricsAddress == "" {
					cfg.Telemetry.MetricsAddress = defaultMetricsAddr
				}
			}

			return withApp(cmd, opts, "serve-metrics", func(ctx context.Context, a *app) error {
				a.logger.Info().Str("address", a.cfg.Telemetry.MetricsAddress).Msg("Serving metrics")
				select {
				case <-ctx.Done():
					return nil
				case err := <-a.metricsErr:
					return err
				}
			}, withDefaultAddr)
		},
	}
}
