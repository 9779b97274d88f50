package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/portagegt/pkg/stores"
)

// openStateStore opens the state store alone; history does not need to
// reach the managed host.
func openStateStore(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Clean(cfg.State.Path)); err != nil {
		return nil, fmt.Errorf("no state store at %s: %w", cfg.State.Path, err)
	}
	store, err := stores.NewSQLiteStore(cfg.State)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, events and builds",
	}
	cmd.AddCommand(newHistoryRunsCommand())
	cmd.AddCommand(newHistoryEventsCommand())
	cmd.AddCommand(newHistoryBuildsCommand())
	return cmd
}

func newHistoryRunsCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Example: `  portagegt history runs --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStateStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}

func newHistoryEventsCommand() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events, optionally of one run",
		Example: `  portagegt history events
  portagegt history events --run 3f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStateStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			var filter *string
			if runID != "" {
				filter = &runID
			}
			events, err := store.ListEvents(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only events of this run")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}

func newHistoryBuildsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "builds",
		Short: "List the builds recorded for the build_time sync policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStateStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			builds, err := store.ListBuilds(cmd.Context())
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), builds)
		},
	}
}
