// Package scrapetest provides scripted browsers, stores and recorders for
// exercising the scrape pipeline without Chrome or a disk.
package scrapetest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/jwiedeman/MapMonkey/internal/progress"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// FetchFunc scripts the listings returned for one query. A non-nil error is
// yielded after the records.
type FetchFunc func(ctx context.Context, q scrape.Query) ([]scrape.RawRecord, error)

// Browser is a scripted scrape.Browser. It is safe for concurrent use.
type Browser struct {
	// Anchors answers Locate; unknown cities yield a transient error.
	Anchors map[string]scrape.Coordinate
	// LocateErr, when set, is returned by every Locate call.
	LocateErr error
	// OpenErr, when set, is returned by NewSession.
	OpenErr error
	// FetchFunc scripts Fetch; nil yields no listings.
	FetchFunc FetchFunc

	mu      sync.Mutex
	opened  int
	closed  int
	queries []scrape.Query
	locates []string
}

// NewSession opens a scripted session.
func (b *Browser) NewSession(ctx context.Context) (scrape.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	return &session{browser: b}, nil
}

// Opened returns how many sessions were opened.
func (b *Browser) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Closed returns how many sessions were closed.
func (b *Browser) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Queries returns every query fetched so far in call order.
func (b *Browser) Queries() []scrape.Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]scrape.Query(nil), b.queries...)
}

// Locates returns every city passed to Locate.
func (b *Browser) Locates() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.locates...)
}

type session struct {
	browser *Browser
	once    sync.Once
}

func (s *session) Locate(ctx context.Context, city string) (scrape.Coordinate, error) {
	b := s.browser
	b.mu.Lock()
	b.locates = append(b.locates, city)
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return scrape.Coordinate{}, err
	}
	if b.LocateErr != nil {
		return scrape.Coordinate{}, b.LocateErr
	}
	coord, ok := b.Anchors[city]
	if !ok {
		return scrape.Coordinate{}, fmt.Errorf("%w: unknown city %q", scrape.ErrTransientPage, city)
	}
	return coord, nil
}

func (s *session) Fetch(ctx context.Context, q scrape.Query) iter.Seq2[scrape.RawRecord, error] {
	return func(yield func(scrape.RawRecord, error) bool) {
		b := s.browser
		b.mu.Lock()
		b.queries = append(b.queries, q)
		b.mu.Unlock()
		if b.FetchFunc == nil {
			return
		}
		records, err := b.FetchFunc(ctx, q)
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
		if err != nil {
			yield(scrape.RawRecord{}, err)
		}
	}
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.browser.mu.Lock()
		s.browser.closed++
		s.browser.mu.Unlock()
	})
	return nil
}

// Listing builds a raw record for q with the given identity.
func Listing(q scrape.Query, name, address string) scrape.RawRecord {
	return scrape.RawRecord{
		Name:    name,
		Address: address,
		City:    q.City,
		Term:    q.Term,
		Query:   q.Text,
		Point:   q.Point.Coordinate,
	}
}

// StateStore keeps the last saved run state in memory.
type StateStore struct {
	mu      sync.Mutex
	saves   int
	last    scrape.RunState
	failErr error
}

// Load returns the last saved state; found is false before the first save.
func (s *StateStore) Load(context.Context) (scrape.RunState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone(), s.saves > 0, nil
}

// Save records state unless a failure was injected.
func (s *StateStore) Save(ctx context.Context, state scrape.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.saves++
	s.last = state.Clone()
	return nil
}

// Saves returns the number of successful saves.
func (s *StateStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// SetFail makes subsequent saves return err; nil restores saving.
func (s *StateStore) SetFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Clock is a fixed clock.
type Clock struct{ T time.Time }

// Now returns the fixed time.
func (c Clock) Now() time.Time { return c.T }

// Recorder collects progress events.
type Recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

// Emit records evt.
func (r *Recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

// Stages returns the recorded stages in emit order.
func (r *Recorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

// Count returns how many events of stage were recorded.
func (r *Recorder) Count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

// NoPace is a pacer that never waits.
type NoPace struct{}

// Wait returns ctx.Err().
func (NoPace) Wait(ctx context.Context) error { return ctx.Err() }
