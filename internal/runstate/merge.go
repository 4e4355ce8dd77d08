package runstate

import (
	"strings"
	"time"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// New builds an empty state for a fresh run.
func New(runID string, concurrency int, now time.Time) scrape.RunState {
	return scrape.RunState{
		Version:     scrape.StateVersion,
		RunID:       runID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Concurrency: concurrency,
		Anchors:     map[string]scrape.Coordinate{},
	}
}

// Recover downgrades in_progress units to pending and returns how many changed.
func Recover(state *scrape.RunState) int {
	n := 0
	for i := range state.Units {
		if state.Units[i].Status == scrape.UnitInProgress {
			state.Units[i].Status = scrape.UnitPending
			n++
		}
	}
	return n
}

// Merge adds every (city, term) pair of the input missing from state as a
// pending unit and returns the merged state and the number of units added.
// New terms of a known city are inserted right after that city's last unit and
// new cities are appended, so the unit list stays city-major. Persisted units
// keep their status even when the input no longer lists them. Input anchors
// override persisted ones.
func Merge(state scrape.RunState, cities []scrape.City, terms []string, now time.Time) (scrape.RunState, int) {
	out := state.Clone()
	if out.Anchors == nil {
		out.Anchors = map[string]scrape.Coordinate{}
	}

	existing := make(map[scrape.UnitKey]struct{}, len(out.Units))
	lastIndex := make(map[string]int)
	for i, u := range out.Units {
		existing[u.Key()] = struct{}{}
		lastIndex[u.City] = i
	}

	cleanTerms := uniqueTrimmed(terms)
	additions := make(map[string][]scrape.WorkUnit)
	var newCities []string
	seenCity := make(map[string]struct{})
	added := 0

	for _, c := range cities {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		if _, dup := seenCity[name]; dup {
			continue
		}
		seenCity[name] = struct{}{}
		if c.Anchor != nil && c.Anchor.Finite() {
			out.Anchors[name] = *c.Anchor
		}
		for _, term := range cleanTerms {
			key := scrape.UnitKey{City: name, Term: term}
			if _, ok := existing[key]; ok {
				continue
			}
			existing[key] = struct{}{}
			additions[name] = append(additions[name], scrape.WorkUnit{
				City:      name,
				Term:      term,
				Status:    scrape.UnitPending,
				UpdatedAt: now,
			})
			added++
		}
		if _, known := lastIndex[name]; !known && len(additions[name]) > 0 {
			newCities = append(newCities, name)
		}
	}
	if added == 0 {
		return out, 0
	}

	units := make([]scrape.WorkUnit, 0, len(out.Units)+added)
	for i, u := range out.Units {
		units = append(units, u)
		if lastIndex[u.City] == i {
			units = append(units, additions[u.City]...)
		}
	}
	for _, city := range newCities {
		units = append(units, additions[city]...)
	}
	out.Units = units
	out.UpdatedAt = now
	return out, added
}

// RequeueFailed moves failed units back to pending with a fresh grid cursor
// and returns how many were requeued.
func RequeueFailed(state *scrape.RunState, now time.Time) int {
	n := 0
	for i := range state.Units {
		u := &state.Units[i]
		if u.Status != scrape.UnitFailed {
			continue
		}
		u.Status = scrape.UnitPending
		u.GridCursor = 0
		u.UpdatedAt = now
		n++
	}
	if n > 0 {
		state.UpdatedAt = now
	}
	return n
}

// Regrid records shape as the grid unit cursors count against. When the
// persisted shape differs or is unknown, cursors of pending and in_progress
// units restart at the first point. It returns how many cursors were reset.
func Regrid(state *scrape.RunState, shape scrape.GridShape, now time.Time) int {
	if state.Grid != nil && *state.Grid == shape {
		return 0
	}
	n := 0
	for i := range state.Units {
		u := &state.Units[i]
		if u.Status.Terminal() || u.GridCursor == 0 {
			continue
		}
		u.GridCursor = 0
		u.UpdatedAt = now
		n++
	}
	state.Grid = &shape
	state.UpdatedAt = now
	return n
}

func uniqueTrimmed(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
