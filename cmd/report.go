package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jwiedeman/MapMonkey/internal/app"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func renderTally(w io.Writer, title string, tally workqueue.Tally) {
	t := newTable(w, title)
	t.AppendHeader(table.Row{"Pending", "In progress", "Done", "Failed", "Total"})
	t.AppendRow(table.Row{tally.Pending, tally.InProgress, tally.Done, tally.Failed, tally.Total})
	t.Render()
}

// renderYield lists listing outcomes per unit so units that produced nothing stand out.
func renderYield(w io.Writer, units []scrape.WorkUnit) {
	if len(units) == 0 {
		return
	}
	t := newTable(w, "Yield by unit")
	t.AppendHeader(table.Row{"City", "Term", "Status", "Accepted", "Duplicates"})
	var accepted, duplicates int64
	for _, u := range units {
		t.AppendRow(table.Row{u.City, u.Term, u.Status, u.Accepted, u.Duplicates})
		accepted += u.Accepted
		duplicates += u.Duplicates
	}
	t.AppendFooter(table.Row{"", "", "Total", accepted, duplicates})
	t.Render()
}

func renderFailed(w io.Writer, units []scrape.WorkUnit) {
	if len(units) == 0 {
		return
	}
	t := newTable(w, "Failed units")
	t.AppendHeader(table.Row{"City", "Term", "Attempts", "Cursor", "Last error"})
	for _, u := range units {
		t.AppendRow(table.Row{u.City, u.Term, u.Attempts, u.GridCursor, u.LastError})
	}
	t.Render()
}

func renderResult(w io.Writer, res app.Result) {
	renderTally(w, "Run "+res.RunID, res.Tally)

	t := newTable(w, "")
	t.AppendHeader(table.Row{"Accepted", "Duplicates", "Rejected", "Elapsed"})
	t.AppendRow(table.Row{res.Dedup.Accepted, res.Dedup.Duplicate, res.Dedup.Rejected, res.Duration.Round(time.Second)})
	t.Render()

	renderFailed(w, res.Failed)
	if res.ArchiveURI != "" {
		fmt.Fprintf(w, "state archived to %s\n", res.ArchiveURI)
	}
}
