package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/portagegt/pkg/config"
	"github.com/openfroyo/portagegt/pkg/engine"
	"github.com/openfroyo/portagegt/providers/portage"
)

// settingsFlags collects package_settings from the command line.
type settingsFlags struct {
	raw        string
	slot       string
	repository string
	use        []string
	keywords   []string
	env        []string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.raw, "settings", "", "package_settings as a JSON object")
	cmd.Flags().StringVar(&f.slot, "slot", "", "slot to install")
	cmd.Flags().StringVar(&f.repository, "repository", "", "repository to install from")
	cmd.Flags().StringSliceVar(&f.use, "use", nil, "USE flags, for example ssl,-debug")
	cmd.Flags().StringSliceVar(&f.keywords, "keywords", nil, "accepted keywords, for example ~amd64")
	cmd.Flags().StringSliceVar(&f.env, "env", nil, "environment for emerge as KEY=VALUE")
}

// build returns the package_settings document, or nil when no flag is set.
// --settings is the base; the other flags override its keys.
func (f *settingsFlags) build() (json.RawMessage, error) {
	doc := make(map[string]interface{})
	if f.raw != "" {
		if err := json.Unmarshal([]byte(f.raw), &doc); err != nil {
			return nil, fmt.Errorf("--settings is not a JSON object: %w", err)
		}
	}
	if f.slot != "" {
		doc["slot"] = f.slot
	}
	if f.repository != "" {
		doc["repository"] = f.repository
	}
	if len(f.use) > 0 {
		doc["use"] = f.use
	}
	if len(f.keywords) > 0 {
		doc["keywords"] = f.keywords
	}
	if len(f.env) > 0 {
		env := make(map[string]string, len(f.env))
		for _, kv := range f.env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("--env %q is not KEY=VALUE", kv)
			}
			env[k] = v
		}
		doc["environment"] = env
	}
	if len(doc) == 0 && f.raw == "" {
		return nil, nil
	}
	return json.Marshal(doc)
}

func packageResource(name string, pc portage.PackageConfig) (engine.Resource, error) {
	pc.Name = name
	raw, err := json.Marshal(pc)
	if err != nil {
		return engine.Resource{}, err
	}
	return engine.Resource{
		ID:     config.ResourceID(config.ResourceTypePackage, name),
		Type:   config.ResourceTypePackage,
		Name:   name,
		Config: raw,
	}, nil
}

func newQueryCommand() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "query <package>",
		Short: "Show the installed state of a package",
		Example: `  # Installed version, slot and USE flags of mysql
  portagegt query dev-db/mysql

  # A slot of a multi-slot package
  portagegt query dev-lang/python:3.12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := packageResource(args[0], portage.PackageConfig{Category: category})
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), "query", false, func(rt *runtime) error {
				resp, err := rt.packages.Read(cmd.Context(), engine.ReadRequest{ResourceID: res.ID, Config: res.Config})
				if err != nil {
					return err
				}
				var state portage.PackageState
				if err := json.Unmarshal(resp.State, &state); err != nil {
					return fmt.Errorf("failed to decode state: %w", err)
				}
				return printValue(cmd.OutOrStdout(), state)
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "package category when the name has none")
	return cmd
}

func newLatestCommand() *cobra.Command {
	var (
		category string
		sf       settingsFlags
	)

	cmd := &cobra.Command{
		Use:   "latest <package>",
		Short: "Show the newest installable version of a package",
		Long: `Show the newest version eix reports as installable. Masked versions and
live ebuilds are skipped; installed versions always count.`,
		Example: `  portagegt latest dev-db/mysql
  portagegt latest dev-lang/ruby --slot 2.1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := sf.build()
			if err != nil {
				return err
			}
			res, err := packageResource(args[0], portage.PackageConfig{Category: category, PackageSettings: ps})
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), "latest", false, func(rt *runtime) error {
				parsed, err := portage.ParseResource(res)
				if err != nil {
					return portage.Classify(err)
				}
				version, err := rt.packages.Driver(parsed, nil).Latest(cmd.Context())
				if err != nil {
					return portage.Classify(err)
				}
				return printValue(cmd.OutOrStdout(), map[string]string{
					"package": parsed.Atom.String(),
					"latest":  version,
				})
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "package category when the name has none")
	sf.register(cmd)
	return cmd
}

// newEnsureCommand builds install, update and uninstall: each reconciles a
// single package resource towards an ensure value.
func newEnsureCommand(use, short, example string, ensure func(version string, purge bool) string) *cobra.Command {
	var (
		category string
		version  string
		purge    bool
		options  []string
		dryRun   bool
		sf       settingsFlags
	)

	cmd := &cobra.Command{
		Use:     use + " <package>...",
		Short:   short,
		Example: example,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := sf.build()
			if err != nil {
				return err
			}
			resources := make([]engine.Resource, 0, len(args))
			for _, name := range args {
				res, err := packageResource(name, portage.PackageConfig{
					Category:        category,
					Ensure:          ensure(version, purge),
					PackageSettings: ps,
					InstallOptions:  options,
				})
				if err != nil {
					return err
				}
				resources = append(resources, res)
			}
			return withRuntime(cmd.Context(), use, !dryRun, func(rt *runtime) error {
				return reconcile(cmd, rt, resources, engine.ReconcileOptions{DryRun: dryRun})
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "package category when the name has none")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without running emerge")
	switch use {
	case "install":
		cmd.Flags().StringVar(&version, "version", "", "exact version to install")
		cmd.Flags().StringSliceVar(&options, "option", nil, "extra emerge option, repeatable")
		sf.register(cmd)
	case "update":
		cmd.Flags().StringSliceVar(&options, "option", nil, "extra emerge option, repeatable")
		sf.register(cmd)
	case "uninstall":
		cmd.Flags().BoolVar(&purge, "purge", false, "treat the package as purged")
	}
	return cmd
}

func newInstallCommand() *cobra.Command {
	return newEnsureCommand("install", "Install packages",
		`  portagegt install dev-db/mysql
  portagegt install dev-db/mysql --version 5.5.32 --use ssl,-debug
  portagegt install app-admin/puppet --keywords ~amd64 --option=--oneshot`,
		func(version string, _ bool) string {
			if version != "" {
				return version
			}
			return portage.EnsurePresent
		})
}

func newUpdateCommand() *cobra.Command {
	return newEnsureCommand("update", "Update packages to the newest installable version",
		`  portagegt update dev-db/mysql app-admin/puppet`,
		func(string, bool) string { return portage.EnsureLatest })
}

func newUninstallCommand() *cobra.Command {
	return newEnsureCommand("uninstall", "Unmerge packages",
		`  portagegt uninstall dev-db/mysql
  portagegt uninstall --dry-run www-servers/apache:2`,
		func(_ string, purge bool) string {
			if purge {
				return portage.EnsurePurged
			}
			return portage.EnsureAbsent
		})
}

func newSettingsCommand() *cobra.Command {
	var (
		category string
		sf       settingsFlags
	)

	cmd := &cobra.Command{
		Use:   "settings <package>",
		Short: "Compare installed package settings with desired ones",
		Long: `Show the slot, repository and USE flags of an installed package. With
desired settings the command also reports whether they are in sync and
which fields drifted. Nothing is changed.`,
		Example: `  portagegt settings dev-db/mysql
  portagegt settings dev-db/mysql --use ssl,-perl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := sf.build()
			if err != nil {
				return err
			}
			res, err := packageResource(args[0], portage.PackageConfig{Category: category, PackageSettings: ps})
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), "settings", false, func(rt *runtime) error {
				parsed, err := portage.ParseResource(res)
				if err != nil {
					return portage.Classify(err)
				}
				d := rt.packages.Driver(parsed, nil)
				current, err := d.PackageSettings(cmd.Context())
				if err != nil {
					return portage.Classify(err)
				}
				if current == nil {
					return engine.NewNotFoundError(parsed.Atom.String()+" is not installed", nil)
				}

				out := struct {
					Installed *portage.InstalledPackage `json:"installed"`
					InSync    *bool                     `json:"in_sync,omitempty"`
					Drift     []string                  `json:"drift,omitempty"`
				}{Installed: current}

				if parsed.Settings.Desired() {
					inSync, err := d.PackageSettingsInSync(cmd.Context(), parsed.Settings, current)
					if err != nil {
						return portage.Classify(err)
					}
					out.InSync = &inSync
					if out.Drift, err = d.SettingsDrift(cmd.Context(), parsed.Settings, current); err != nil {
						return portage.Classify(err)
					}
				}
				return printValue(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "package category when the name has none")
	sf.register(cmd)
	return cmd
}
