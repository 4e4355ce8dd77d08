package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jwiedeman/MapMonkey/internal/hash/sha256"
	"github.com/jwiedeman/MapMonkey/internal/id/uuid"
	"github.com/jwiedeman/MapMonkey/internal/runstate"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

// newStatusCmd creates the 'status' subcommand, which summarizes a state file.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the run state file",
		Long: `Prints the run identity, unit counts per status, the units still open
and the failed units of a run state file. The file is only read.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
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
	digest, err := sha256.New().HashFile(store.Path())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	info := newTable(out, "Run state")
	info.AppendRow(table.Row{"Run ID", state.RunID})
	if started, ok := uuid.Started(state.RunID); ok {
		info.AppendRow(table.Row{"Run started", started.UTC().Format(time.RFC3339)})
	}
	info.AppendRow(table.Row{"Created", state.CreatedAt.UTC().Format(time.RFC3339)})
	info.AppendRow(table.Row{"Updated", state.UpdatedAt.UTC().Format(time.RFC3339)})
	info.AppendRow(table.Row{"Concurrency", state.Concurrency})
	info.AppendRow(table.Row{"Anchors", len(state.Anchors)})
	if state.Grid != nil {
		info.AppendRow(table.Row{"Grid", fmt.Sprintf("%d steps x %g deg", state.Grid.Steps, state.Grid.Spacing)})
	}
	info.AppendRow(table.Row{"File", store.Path()})
	info.AppendRow(table.Row{"SHA-256", digest})
	info.Render()

	renderTally(out, "Units", workqueue.Count(state.Units))
	renderYield(out, state.Units)

	var open, failed []scrape.WorkUnit
	for _, u := range state.Units {
		switch u.Status {
		case scrape.UnitInProgress:
			open = append(open, u)
		case scrape.UnitPending:
			if u.GridCursor > 0 {
				open = append(open, u)
			}
		case scrape.UnitFailed:
			failed = append(failed, u)
		}
	}
	if len(open) > 0 {
		t := newTable(out, "Partially walked units")
		t.AppendHeader(table.Row{"City", "Term", "Status", "Cursor", "Attempts", "Accepted"})
		for _, u := range open {
			t.AppendRow(table.Row{u.City, u.Term, u.Status, u.GridCursor, u.Attempts, u.Accepted})
		}
		t.Render()
	}
	renderFailed(out, failed)
	return nil
}
