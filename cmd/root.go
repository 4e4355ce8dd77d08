// Package cmd defines and implements the CLI commands for the mapmonkey executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/app"
	"github.com/jwiedeman/MapMonkey/internal/config"
	"github.com/jwiedeman/MapMonkey/internal/logging"
)

// Runner is the part of *app.App the run command drives.
type Runner interface {
	Run(ctx context.Context) (app.Result, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can build the
// app with a scripted browser instead of Chrome.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapmonkey",
		Short: "Resumable grid scraper for business listings on a mapping site.",
		Long: `mapmonkey walks a grid of map coordinates around every city in a list,
searches each grid point for every term, and stores the deduplicated listings.
Progress is checkpointed to a state file so an interrupted run resumes where it
stopped.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().String("state", "", "run state file (default run_state.json)")
	cmd.PersistentFlags().String("log-level", "", "minimum log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-dev", false, "human-readable development logging")

	cmd.AddCommand(newRunCmd(), newStatusCmd(), newRetryCmd())
	return cmd
}

// loadConfig reads configuration for cmd and builds the matching logger.
func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("read --config: %w", err)
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// Execute runs the root command; SIGINT and SIGTERM cancel the run gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mapmonkey:", err)
		stop()
		os.Exit(1)
	}
}
