package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/providers/portage"
)

// loadManifests evaluates the CUE and Starlark manifests below each path.
func loadManifests(ctx context.Context, paths []string) ([]engine.Resource, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	var sources []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			sources = append(sources, p)
			continue
		}
		found, err := config.FindManifests(p)
		if err != nil {
			return nil, err
		}
		sources = append(sources, found...)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no .cue or .star manifests found in %v", paths)
	}
	return config.NewCUEParser().Evaluate(ctx, sources)
}

// reconcile runs resources through the registry and prints the report.
// A failed resource makes the command fail.
func reconcile(cmd *cobra.Command, rt *runtime, resources []engine.Resource, opts engine.ReconcileOptions) error {
	opts.OnResult = func(res *engine.ResourceResult) {
		event := rt.logger.Info()
		if res.Error != nil {
			event = rt.logger.Error().Err(res.Error)
		}
		event.Str("resource", res.Resource.ID).
			Str("status", string(res.Status)).
			Str("operation", string(res.Operation)).
			Dur("duration", res.Duration).
			Msg("Reconciled")
	}

	report, err := engine.NewReconciler(rt.registry, opts).Reconcile(cmd.Context(), resources)
	if err != nil {
		return err
	}
	if err := printValue(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		return fmt.Errorf("%d of %d resources failed: %w", report.Summary.Failed, report.Summary.Total, err)
	}
	return nil
}

func newApplyCommand() *cobra.Command {
	var (
		keepGoing  bool
		retries    int
		noPrefetch bool
	)

	cmd := &cobra.Command{
		Use:   "apply [path]...",
		Short: "Reconcile the host with resource manifests",
		Long: `Reconcile the host with the package and eselect resources declared in
CUE or Starlark manifests.

This command:
  - Evaluates and validates the manifests
  - Refreshes the eix index and the package.use and package.keywords
    files for every package resource
  - Reads, plans and applies each resource in manifest order
  - Records the run and its events in the state store`,
		Example: `  # Apply the manifests in the current directory
  portagegt apply

  # Apply a single file and keep going past failures
  portagegt apply --keep-going ./site.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := loadManifests(cmd.Context(), args)
			if err != nil {
				return err
			}
			log.Info().Int("resources", len(resources)).Msg("Applying manifests")

			return withRuntime(cmd.Context(), "apply", true, func(rt *runtime) error {
				if err := validateAll(cmd.Context(), rt, resources); err != nil {
					return err
				}
				if !noPrefetch {
					if err := prefetch(cmd, rt, resources, false); err != nil {
						return err
					}
				}
				return reconcile(cmd, rt, resources, engine.ReconcileOptions{
					ContinueOnError: keepGoing,
					MaxRetries:      retries,
				})
			})
		},
	}

	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue with the next resource after a failure")
	cmd.Flags().IntVar(&retries, "retries", 0, "retries of a transient failure such as a timed-out emerge")
	cmd.Flags().BoolVar(&noPrefetch, "no-prefetch", false, "skip the flag file and eix index refresh")
	return cmd
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [path]...",
		Short: "Show what apply would change",
		Long: `Read and plan every resource of the manifests without changing anything.
Drifted settings are listed as changes.`,
		Example: `  portagegt plan
  portagegt plan --json ./site.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := loadManifests(cmd.Context(), args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), "plan", false, func(rt *runtime) error {
				if err := validateAll(cmd.Context(), rt, resources); err != nil {
					return err
				}
				return reconcile(cmd, rt, resources, engine.ReconcileOptions{DryRun: true, ContinueOnError: true})
			})
		},
	}
	return cmd
}

func validateAll(ctx context.Context, rt *runtime, resources []engine.Resource) error {
	var failed int
	for _, res := range resources {
		if err := rt.registry.Validate(ctx, res); err != nil {
			failed++
			log.Error().Err(err).Str("resource", res.ID).Msg("Invalid resource")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d invalid resources", failed)
	}
	return nil
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]...",
		Short: "Validate resource manifests",
		Long: `Validate CUE and Starlark manifests without touching the host.

This command checks:
  - CUE syntax and Starlark evaluation
  - Conformance with the package and eselect schemas
  - Atoms, ensure values and package_settings of every resource`,
		Example: `  # Validate manifests in the current directory
  portagegt validate

  # Validate a specific directory
  portagegt validate ./manifests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := loadManifests(cmd.Context(), args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), "validate", false, func(rt *runtime) error {
				if err := validateAll(cmd.Context(), rt, resources); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d resources are valid\n", len(resources))
				return nil
			})
		},
	}
	return cmd
}

// prefetch rewrites the flag files for every package resource. With
// printReports the per-kind reports are written to stdout.
func prefetch(cmd *cobra.Command, rt *runtime, resources []engine.Resource, printReports bool) error {
	// Flag files are written with the local filesystem.
	if rt.cfg.Runner.Mode == config.RunnerSSH {
		if printReports {
			return fmt.Errorf("prefetch is not available in ssh runner mode")
		}
		log.Warn().Msg("Skipping flag file prefetch in ssh runner mode")
		return nil
	}

	var packages []*portage.Resource
	for _, res := range resources {
		if res.Type != portage.ResourceType {
			continue
		}
		parsed, err := portage.ParseResource(res)
		if err != nil {
			return portage.Classify(err)
		}
		packages = append(packages, parsed)
	}
	if len(packages) == 0 {
		return nil
	}

	reports, err := rt.packages.Prefetch(cmd.Context(), packages)
	if err != nil {
		return err
	}
	if printReports {
		return printValue(cmd.OutOrStdout(), reports)
	}
	return nil
}

func newPrefetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefetch [path]...",
		Short: "Refresh the eix index and flag files for manifests",
		Long: `Refresh the eix index as configured by eixRunSync and eixRunUpdate, then
rewrite the portagegt entries of package.use and package.keywords for
every package resource of the manifests.`,
		Example: `  portagegt prefetch ./manifests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := loadManifests(cmd.Context(), args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), "prefetch", true, func(rt *runtime) error {
				return prefetch(cmd, rt, resources, true)
			})
		},
	}
	return cmd
}
