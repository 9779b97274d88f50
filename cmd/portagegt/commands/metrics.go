package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/portagegt/pkg/engine"
)

func newMetricsCommand() *cobra.Command {
	var (
		interval  time.Duration
		manifests []string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics",
		Long: `Serve the provider metrics on telemetry.metrics.listen_address until
interrupted.

With --manifests the manifests are planned every --interval, so drift shows
up in drift_detected_total without changing the host.`,
		Example: `  portagegt metrics
  portagegt metrics --manifests ./manifests --interval 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), "metrics", false, func(rt *runtime) error {
				if !rt.tel.Config.Metrics.Enabled {
					log.Warn().Msg("Metrics are disabled in the configuration")
					return nil
				}
				if len(manifests) > 0 {
					go watchDrift(cmd, rt, manifests, interval)
				}

				log.Info().
					Str("address", rt.tel.Config.Metrics.ListenAddress).
					Str("path", rt.tel.Config.Metrics.Path).
					Msg("Serving metrics")
				return rt.tel.Metrics.Serve(cmd.Context())
			})
		},
	}

	cmd.Flags().StringSliceVar(&manifests, "manifests", nil, "manifests to plan periodically")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Minute, "planning interval with --manifests")
	return cmd
}

// watchDrift plans manifests on every tick until the command context ends.
// Plan records drift in the metrics as a side effect.
func watchDrift(cmd *cobra.Command, rt *runtime, manifests []string, interval time.Duration) {
	ctx := cmd.Context()
	reconciler := engine.NewReconciler(rt.registry, engine.ReconcileOptions{DryRun: true, ContinueOnError: true})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resources, err := loadManifests(ctx, manifests)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load manifests")
		} else if report, err := reconciler.Reconcile(ctx, resources); err == nil {
			log.Info().
				Int("planned", report.Summary.Planned).
				Int("unchanged", report.Summary.Unchanged).
				Int("failed", report.Summary.Failed).
				Msg("Drift check finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
