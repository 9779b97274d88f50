package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/providers/eselect"
)

func newEselectCommand() *cobra.Command {
	var (
		submodule string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "eselect <module> [option]",
		Short: "Show or change an eselect selection",
		Long: `Without an option, list the options of an eselect module and the selected
one. With an option, select it unless it is selected already.`,
		Example: `  # Options of the ruby module
  portagegt eselect ruby

  # Select ruby21
  portagegt eselect ruby ruby21

  # A module with a submodule
  portagegt eselect php --submodule apache2 php5.6`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := args[0]
			target := ""
			if len(args) == 2 {
				target = args[1]
			}

			raw, err := json.Marshal(eselect.Config{
				Name:      module,
				Ensure:    target,
				Submodule: submodule,
			})
			if err != nil {
				return err
			}
			res := engine.Resource{
				ID:     config.ResourceID(config.ResourceTypeEselect, module),
				Type:   config.ResourceTypeEselect,
				Name:   module,
				Config: raw,
			}

			if target == "" {
				return withRuntime(cmd.Context(), "eselect", false, func(rt *runtime) error {
					resp, err := rt.eselect.Read(cmd.Context(), engine.ReadRequest{ResourceID: res.ID, Config: res.Config})
					if err != nil {
						return err
					}
					var state eselect.State
					if err := json.Unmarshal(resp.State, &state); err != nil {
						return fmt.Errorf("failed to decode state: %w", err)
					}
					return printValue(cmd.OutOrStdout(), state)
				})
			}

			return withRuntime(cmd.Context(), "eselect", !dryRun, func(rt *runtime) error {
				return reconcile(cmd, rt, []engine.Resource{res}, engine.ReconcileOptions{DryRun: dryRun})
			})
		},
	}

	cmd.Flags().StringVar(&submodule, "submodule", "", "eselect submodule, for example apache2 for php")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show whether the selection would change")
	return cmd
}
