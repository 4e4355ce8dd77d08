package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/clock/system"
	"github.com/jwiedeman/MapMonkey/internal/runstate"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

// newRetryCmd creates the 'retry' subcommand, which requeues failed units.
func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed units in the run state file",
		Long: `Moves every failed unit back to pending with its grid cursor reset, so
the next 'mapmonkey run' scrapes it again from the first grid point.`,
		RunE: runRetry,
	}
}

func runRetry(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := runstate.NewFileStore(cfg.Run.StatePath, logger)
	if err != nil {
		return err
	}
	state, found, err := store.Read(cmd.Context())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no run state at %s", store.Path())
	}

	n := runstate.RequeueFailed(&state, system.New().Now())
	if n > 0 {
		if err := store.Save(cmd.Context(), state); err != nil {
			return fmt.Errorf("save run state: %w", err)
		}
	}
	logger.Info("requeued failed units", zap.Int("units", n), zap.String("state", store.Path()))
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %d failed unit(s)\n", n)
	renderTally(cmd.OutOrStdout(), "Units", workqueue.Count(state.Units))
	return nil
}
