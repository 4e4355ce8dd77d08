package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates the 'run' subcommand, which executes or resumes a run.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape every pending (city, term) unit",
		Long: `Loads the city and term lists, merges them into the run state file and
scrapes every pending unit. Interrupting the command (Ctrl-C) lets each worker
finish its current grid point and saves progress; the next invocation resumes.`,
		Example: `  mapmonkey run --city "Ada, OK" --term bakery --term cafe --steps 2
  mapmonkey run --cities-file cities.csv --terms-file terms.csv --store postgres --dsn postgres://...
  mapmonkey run --state nightly.json              # resume a run from its state file`,
		RunE: runRun,
	}

	f := cmd.Flags()
	f.String("run-id", "", "run identifier for a new state file (default: generated)")
	f.String("cities-file", "", "CSV file of cities; optional lat/lon columns seed anchors")
	f.String("terms-file", "", "CSV file of search terms")
	f.StringSlice("city", nil, "city to scrape (repeatable)")
	f.StringSlice("term", nil, "search term (repeatable)")
	f.Bool("retry-failed", false, "requeue failed units before running")
	f.Int("steps", 0, "grid steps around each city anchor; 0 searches the anchor only")
	f.Float64("spacing-deg", 0, "grid spacing in degrees")
	f.Int("per-point", 0, "maximum listings opened per grid point")
	f.Int("point-retries", 0, "retries of a grid point after a transient page error")
	f.Int("concurrency", 0, "number of parallel browser workers")
	f.Float64("min-delay", 0, "minimum seconds between grid points per worker")
	f.Float64("max-delay", 0, "maximum seconds between grid points per worker")
	f.Bool("headless", true, "run Chrome headless")
	f.String("store", "", "storage backend: memory, postgres, cassandra, sqlite, badger or csv")
	f.String("dsn", "", "postgres connection string")
	f.String("push-url", "", "Prometheus Pushgateway URL for end-of-run metrics")
	f.String("archive", "", "archive the final state: none, local or gcs")
	f.String("archive-dir", "", "directory for the local archive")
	f.String("archive-bucket", "", "bucket for the gcs archive")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize run: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	res, err := a.Run(ctx)
	renderResult(cmd.OutOrStdout(), res)
	if err != nil {
		return err
	}
	if res.Interrupted {
		logger.Info("run interrupted; rerun the same command to resume", zap.String("state", cfg.Run.StatePath))
	}
	return nil
}
