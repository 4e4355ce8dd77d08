// Package workqueue hands (city, term) work units to workers and records
// their transitions in the persisted run state.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

var (
	// ErrInvalidTransition is returned when a unit is not in a status that allows the requested change.
	ErrInvalidTransition = errors.New("invalid unit transition")
	// ErrUnknownUnit is returned for keys that are not part of the run.
	ErrUnknownUnit = errors.New("unknown work unit")
)

// Tally counts units per status.
type Tally struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Count returns a Tally for the given units.
func Count(units []scrape.WorkUnit) Tally {
	var t Tally
	for _, u := range units {
		switch u.Status {
		case scrape.UnitPending:
			t.Pending++
		case scrape.UnitInProgress:
			t.InProgress++
		case scrape.UnitDone:
			t.Done++
		case scrape.UnitFailed:
			t.Failed++
		}
	}
	t.Total = len(units)
	return t
}

// Queue is the single owner of the in-memory run state. Every mutation runs
// under one mutex and is persisted before the lock is released; if the save
// fails the mutation is rolled back and the error returned.
type Queue struct {
	mu     sync.Mutex
	store  scrape.StateStore
	clock  scrape.Clock
	logger *zap.Logger
	state  scrape.RunState
	index  map[scrape.UnitKey]int
}

// New wraps state, which must already be loaded and merged.
func New(store scrape.StateStore, state scrape.RunState, clock scrape.Clock, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := state.Clone()
	if st.Anchors == nil {
		st.Anchors = map[string]scrape.Coordinate{}
	}
	index := make(map[scrape.UnitKey]int, len(st.Units))
	for i, u := range st.Units {
		index[u.Key()] = i
	}
	return &Queue{
		store:  store,
		clock:  clock,
		logger: logger.Named("workqueue"),
		state:  st,
		index:  index,
	}
}

// Claim moves the first pending unit in list order to in_progress and returns
// it. The boolean is false when no pending unit remains.
func (q *Queue) Claim(ctx context.Context) (scrape.WorkUnit, bool, error) {
	if err := ctx.Err(); err != nil {
		return scrape.WorkUnit{}, false, fmt.Errorf("claim canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.state.Units {
		if q.state.Units[i].Status != scrape.UnitPending {
			continue
		}
		prev := q.state.Units[i]
		next := prev
		next.Status = scrape.UnitInProgress
		next.Attempts++
		if err := q.apply(ctx, i, next); err != nil {
			return scrape.WorkUnit{}, false, err
		}
		q.logger.Debug("claimed unit",
			zap.String("city", next.City),
			zap.String("term", next.Term),
			zap.Int("attempt", next.Attempts),
			zap.Int("cursor", next.GridCursor),
		)
		return next, true, nil
	}
	return scrape.WorkUnit{}, false, nil
}

// Complete marks an in_progress unit done.
func (q *Queue) Complete(ctx context.Context, key scrape.UnitKey) error {
	return q.transition(ctx, key, func(u *scrape.WorkUnit) {
		u.Status = scrape.UnitDone
		u.LastError = ""
	})
}

// Fail marks an in_progress unit failed and records cause.
func (q *Queue) Fail(ctx context.Context, key scrape.UnitKey, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.transition(ctx, key, func(u *scrape.WorkUnit) {
		u.Status = scrape.UnitFailed
		u.LastError = msg
	})
}

// Release returns an in_progress unit to pending, keeping its grid cursor.
func (q *Queue) Release(ctx context.Context, key scrape.UnitKey) error {
	return q.transition(ctx, key, func(u *scrape.WorkUnit) {
		u.Status = scrape.UnitPending
	})
}

// Advance records how many grid points of an in_progress unit have been walked
// and adds the listing outcomes of the point just finished, in one save.
func (q *Queue) Advance(ctx context.Context, key scrape.UnitKey, cursor int, accepted, duplicates int64) error {
	if cursor < 0 {
		return fmt.Errorf("%w: negative cursor %d for %s", ErrInvalidTransition, cursor, key)
	}
	if accepted < 0 || duplicates < 0 {
		return fmt.Errorf("%w: negative yield for %s", ErrInvalidTransition, key)
	}
	return q.transition(ctx, key, func(u *scrape.WorkUnit) {
		u.GridCursor = cursor
		u.Accepted += accepted
		u.Duplicates += duplicates
	})
}

func (q *Queue) transition(ctx context.Context, key scrape.UnitKey, mutate func(*scrape.WorkUnit)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, key)
	}
	current := q.state.Units[i]
	if current.Status != scrape.UnitInProgress {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, key, current.Status)
	}
	next := current
	mutate(&next)
	return q.apply(ctx, i, next)
}

// apply writes next at index i and persists. Callers hold q.mu.
func (q *Queue) apply(ctx context.Context, i int, next scrape.WorkUnit) error {
	prevUnit := q.state.Units[i]
	prevUpdated := q.state.UpdatedAt

	now := q.clock.Now()
	next.UpdatedAt = now
	q.state.Units[i] = next
	q.state.UpdatedAt = now

	if err := q.store.Save(ctx, q.state); err != nil {
		q.state.Units[i] = prevUnit
		q.state.UpdatedAt = prevUpdated
		return fmt.Errorf("persist %s: %w", next.Key(), err)
	}
	return nil
}

// Anchor returns the persisted anchor for city, if any.
func (q *Queue) Anchor(city string) (scrape.Coordinate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.state.Anchors[city]
	return c, ok
}

// RecordAnchor persists the geocoded anchor of city.
func (q *Queue) RecordAnchor(ctx context.Context, city string, coord scrape.Coordinate) error {
	if strings.TrimSpace(city) == "" {
		return fmt.Errorf("anchor city is required")
	}
	if !coord.Finite() {
		return fmt.Errorf("anchor for %s is not finite", city)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	prev, had := q.state.Anchors[city]
	prevUpdated := q.state.UpdatedAt
	q.state.Anchors[city] = coord
	q.state.UpdatedAt = q.clock.Now()
	if err := q.store.Save(ctx, q.state); err != nil {
		if had {
			q.state.Anchors[city] = prev
		} else {
			delete(q.state.Anchors, city)
		}
		q.state.UpdatedAt = prevUpdated
		return fmt.Errorf("persist anchor %s: %w", city, err)
	}
	return nil
}

// IsExhausted reports whether no pending or in_progress unit remains.
func (q *Queue) IsExhausted() bool {
	t := q.Tally()
	return t.Pending == 0 && t.InProgress == 0
}

// Tally counts units by status.
func (q *Queue) Tally() Tally {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Count(q.state.Units)
}

// Failed returns the failed units in list order.
func (q *Queue) Failed() []scrape.WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []scrape.WorkUnit
	for _, u := range q.state.Units {
		if u.Status == scrape.UnitFailed {
			out = append(out, u)
		}
	}
	return out
}

// Snapshot returns a deep copy of the current state.
func (q *Queue) Snapshot() scrape.RunState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Clone()
}
