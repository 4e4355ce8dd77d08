package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/dedup"
	"github.com/jwiedeman/MapMonkey/internal/policy/retry"
	"github.com/jwiedeman/MapMonkey/internal/progress"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
	"github.com/jwiedeman/MapMonkey/internal/scrape/scrapetest"
	"github.com/jwiedeman/MapMonkey/internal/sink/memory"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

var (
	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ada     = scrape.Coordinate{Lat: 34.7745, Lon: -96.6783}
)

type harness struct {
	queue    *workqueue.Queue
	store    *scrapetest.StateStore
	sink     *memory.Sink
	browser  *scrapetest.Browser
	recorder *scrapetest.Recorder
	worker   *Worker
}

func newHarness(t *testing.T, cfg Config, browser *scrapetest.Browser, sink scrape.StorageSink, state scrape.RunState) *harness {
	t.Helper()
	clock := scrapetest.Clock{T: testNow}
	store := &scrapetest.StateStore{}
	queue := workqueue.New(store, state, clock, zap.NewNop())
	mem, _ := sink.(*memory.Sink)
	recorder := &scrapetest.Recorder{}
	gate := dedup.New(sink, clock, zap.NewNop())
	if cfg.RunID == [16]byte{} {
		cfg.RunID = progress.ParseRunID("0191d0f2-7a3b-7c44-8b6e-3f0a1b2c3d4e")
	}
	w := New(cfg, queue, browser, gate, scrapetest.NoPace{}, recorder, clock, zap.NewNop())
	return &harness{queue: queue, store: store, sink: mem, browser: browser, recorder: recorder, worker: w}
}

func pendingState(city string, terms ...string) scrape.RunState {
	state := scrape.RunState{Version: scrape.StateVersion, RunID: "run", Anchors: map[string]scrape.Coordinate{}}
	for _, term := range terms {
		state.Units = append(state.Units, scrape.WorkUnit{City: city, Term: term, Status: scrape.UnitPending})
	}
	return state
}

func unit(t *testing.T, q *workqueue.Queue, city, term string) scrape.WorkUnit {
	t.Helper()
	for _, u := range q.Snapshot().Units {
		if u.City == city && u.Term == term {
			return u
		}
	}
	t.Fatalf("unit %s/%s not found", city, term)
	return scrape.WorkUnit{}
}

func TestRunWalksGridAndDeduplicates(t *testing.T) {
	t.Parallel()

	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			return []scrape.RawRecord{
				scrapetest.Listing(q, "Ada Bakery", "1 Main St"),
				scrapetest.Listing(q, fmt.Sprintf("Bakery %d/%d", q.Point.DX, q.Point.DY), "2 Elm St"),
			}, nil
		},
	}
	h := newHarness(t, Config{ID: 1, Steps: 1, Spacing: 0.02, PerPointLimit: 5},
		browser, memory.New(), pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitDone, u.Status)
	require.Equal(t, 9, u.GridCursor)
	require.Equal(t, 10, h.sink.Len(), "one shared listing plus one per point")
	require.EqualValues(t, 10, u.Accepted)
	require.EqualValues(t, 8, u.Duplicates)

	anchor, ok := h.queue.Anchor("Ada, OK")
	require.True(t, ok)
	require.Equal(t, ada, anchor)
	require.Equal(t, []string{"Ada, OK"}, browser.Locates())

	queries := browser.Queries()
	require.Len(t, queries, 9)
	require.Equal(t, `"Ada, OK" bakery`, queries[0].Text)
	require.Equal(t, 5, queries[0].Limit)
	require.Equal(t, -1, queries[0].Point.DX)
	require.Equal(t, -1, queries[0].Point.DY)

	require.Equal(t, 1, h.recorder.Count(progress.StageUnitStart))
	require.Equal(t, 9, h.recorder.Count(progress.StagePointDone))
	require.Equal(t, 1, h.recorder.Count(progress.StageUnitDone))

	var accepted, dups int64
	for _, e := range h.recorder.Events() {
		accepted += e.Accepted
		dups += e.Duplicates
		require.Equal(t, 1, e.Worker)
	}
	require.EqualValues(t, 10, accepted)
	require.EqualValues(t, 8, dups)

	require.Equal(t, StateIdle, h.worker.State())
	require.Equal(t, 1, browser.Opened())
	require.Equal(t, 1, browser.Closed(), "session closed when the worker exits")
}

func TestRunUsesPersistedAnchor(t *testing.T) {
	t.Parallel()

	browser := &scrapetest.Browser{}
	state := pendingState("Ada, OK", "cafe")
	state.Anchors["Ada, OK"] = ada
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5}, browser, memory.New(), state)

	require.NoError(t, h.worker.Run(context.Background()))

	require.Empty(t, browser.Locates())
	queries := browser.Queries()
	require.Len(t, queries, 1)
	require.Equal(t, ada, queries[0].Point.Coordinate)
	require.Equal(t, scrape.UnitDone, unit(t, h.queue, "Ada, OK", "cafe").Status)
}

func TestRunSkipsTransientPoint(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			if calls.Add(1) == 5 {
				return []scrape.RawRecord{scrapetest.Listing(q, "Half Loaded", "3 Oak St")},
					fmt.Errorf("%w: results never rendered", scrape.ErrTransientPage)
			}
			return nil, errors.New("selector drifted")
		},
	}
	h := newHarness(t, Config{Steps: 1, Spacing: 0.02, PerPointLimit: 5},
		browser, memory.New(), pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitDone, u.Status)
	require.Equal(t, 9, u.GridCursor)
	require.Equal(t, 9, h.recorder.Count(progress.StagePointError), "unclassified errors count as transient")
	require.Equal(t, []string{"Half Loaded"}, h.sink.Names())
	require.Equal(t, 1, browser.Opened())
}

func TestRunSessionFatalFailsUnitAndRecycles(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			if calls.Add(1) == 3 {
				return nil, fmt.Errorf("%w: target crashed", scrape.ErrSessionFatal)
			}
			return []scrape.RawRecord{scrapetest.Listing(q, q.Term+" shop", "1 Main St")}, nil
		},
	}
	h := newHarness(t, Config{Steps: 1, Spacing: 0.02, PerPointLimit: 5},
		browser, memory.New(), pendingState("Ada, OK", "bakery", "cafe"))

	require.NoError(t, h.worker.Run(context.Background()))

	failed := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitFailed, failed.Status)
	require.Equal(t, 2, failed.GridCursor, "cursor keeps the points finished before the crash")
	require.Contains(t, failed.LastError, "target crashed")

	done := unit(t, h.queue, "Ada, OK", "cafe")
	require.Equal(t, scrape.UnitDone, done.Status)

	require.Equal(t, 2, browser.Opened(), "the next unit opens a fresh session")
	require.Equal(t, 2, browser.Closed())
	require.Equal(t, 1, h.recorder.Count(progress.StageSessionReset))
	require.Equal(t, 1, h.recorder.Count(progress.StageUnitFailed))
}

type brokenSink struct{ *memory.Sink }

func (brokenSink) Put(context.Context, scrape.Record) error {
	return errors.New("disk full")
}

func TestRunSinkErrorFailsUnitWithoutRecycling(t *testing.T) {
	t.Parallel()

	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			return []scrape.RawRecord{scrapetest.Listing(q, "Ada Bakery", "1 Main St")}, nil
		},
	}
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5},
		browser, brokenSink{memory.New()}, pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitFailed, u.Status)
	require.Equal(t, 0, u.GridCursor)
	require.Contains(t, u.LastError, "disk full")
	require.Zero(t, h.recorder.Count(progress.StageSessionReset))
	require.Equal(t, 1, browser.Opened())
}

func TestRunLocateFailureFailsUnit(t *testing.T) {
	t.Parallel()

	browser := &scrapetest.Browser{}
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5},
		browser, memory.New(), pendingState("Nowhere", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	u := unit(t, h.queue, "Nowhere", "bakery")
	require.Equal(t, scrape.UnitFailed, u.Status)
	require.Contains(t, u.LastError, "unknown city")
	_, ok := h.queue.Anchor("Nowhere")
	require.False(t, ok)
	require.Empty(t, browser.Queries())
}

func TestRunCancelFinishesPointThenReleases(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var pointAlive atomic.Bool
	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(pointCtx context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			if calls.Add(1) == 2 {
				cancel()
				pointAlive.Store(pointCtx.Err() == nil)
			}
			return []scrape.RawRecord{scrapetest.Listing(q, fmt.Sprintf("Shop %d", calls.Load()), "1 Main St")}, nil
		},
	}
	h := newHarness(t, Config{Steps: 1, Spacing: 0.02, PerPointLimit: 5},
		browser, memory.New(), pendingState("Ada, OK", "bakery", "cafe"))

	require.NoError(t, h.worker.Run(ctx))

	require.True(t, pointAlive.Load(), "the running point outlives the cancellation")
	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitPending, u.Status)
	require.Equal(t, 2, u.GridCursor)
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, 2, h.sink.Len(), "the finished point's listing is stored")

	next := unit(t, h.queue, "Ada, OK", "cafe")
	require.Equal(t, scrape.UnitPending, next.Status)
	require.Zero(t, next.Attempts, "no new unit is claimed after cancellation")

	require.Equal(t, 1, h.recorder.Count(progress.StageUnitReleased))
	require.Equal(t, StateIdle, h.worker.State())

	persisted, ok, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, persisted.Units[0].GridCursor)
}

func TestRunCancelAbandonsPointAfterGrace(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(pointCtx context.Context, _ scrape.Query) ([]scrape.RawRecord, error) {
			cancel()
			<-pointCtx.Done()
			return nil, pointCtx.Err()
		},
	}
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5, PointTimeout: 20 * time.Millisecond},
		browser, memory.New(), pendingState("Ada, OK", "bakery"))

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after the grace period")
	}

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitPending, u.Status)
	require.Equal(t, 0, u.GridCursor, "the abandoned point is retried next run")
	require.Equal(t, 1, h.recorder.Count(progress.StageUnitReleased))
}

func TestRunReturnsPersistenceErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5},
		&scrapetest.Browser{}, memory.New(), pendingState("Ada, OK", "bakery"))
	h.store.SetFail(errors.New("read-only filesystem"))

	err := h.worker.Run(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
	require.Contains(t, err.Error(), "read-only filesystem")
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	browser := &scrapetest.Browser{}
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5}, browser, memory.New(), pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(ctx))
	require.Equal(t, scrape.UnitPending, unit(t, h.queue, "Ada, OK", "bakery").Status)
	require.Zero(t, browser.Opened())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "fetching", StateFetching.String())
	require.Equal(t, "draining", StateDraining.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "unknown", State(42).String())
}

func TestRunRestartsCursorPastEndOfGrid(t *testing.T) {
	t.Parallel()

	browser := &scrapetest.Browser{
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			return []scrape.RawRecord{scrapetest.Listing(q, fmt.Sprintf("Shop %d/%d", q.Point.DX, q.Point.DY), "1 Main St")}, nil
		},
	}
	state := pendingState("Ada, OK", "bakery")
	state.Anchors["Ada, OK"] = ada
	state.Units[0].GridCursor = 12
	h := newHarness(t, Config{Steps: 1, Spacing: 0.02, PerPointLimit: 5}, browser, memory.New(), state)

	require.NoError(t, h.worker.Run(context.Background()))

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitDone, u.Status)
	require.Equal(t, 9, u.GridCursor)
	require.Len(t, browser.Queries(), 9, "every point of the smaller grid is walked")
	require.Equal(t, 9, h.sink.Len())
}

func retryPolicy(t *testing.T, retries int, backoff time.Duration) *retry.ExponentialPolicy {
	t.Helper()
	p, err := retry.New(retry.Config{MaxRetries: retries, BaseDelay: backoff, MaxDelay: backoff})
	require.NoError(t, err)
	return p
}

func TestRunRetriesTransientPoint(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			if calls.Add(1) <= 2 {
				return nil, fmt.Errorf("%w: feed never rendered", scrape.ErrTransientPage)
			}
			return []scrape.RawRecord{scrapetest.Listing(q, "Ada Bakery", "1 Main St")}, nil
		},
	}
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5, Retry: retryPolicy(t, 3, time.Millisecond)},
		browser, memory.New(), pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	require.Len(t, browser.Queries(), 3, "succeeds on the third attempt")
	require.Zero(t, h.recorder.Count(progress.StagePointError))
	require.Equal(t, 1, h.recorder.Count(progress.StagePointDone))
	require.Equal(t, []string{"Ada Bakery"}, h.sink.Names())

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitDone, u.Status)
	require.Equal(t, 1, u.GridCursor)
	require.EqualValues(t, 1, u.Accepted)
}

func TestRunSkipsPointWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			if q.Point.DX == 0 && q.Point.DY == 0 {
				return nil, errors.New("selector drifted")
			}
			return []scrape.RawRecord{scrapetest.Listing(q, fmt.Sprintf("Shop %d/%d", q.Point.DX, q.Point.DY), "1 Main St")}, nil
		},
	}
	h := newHarness(t, Config{Steps: 1, Spacing: 0.02, PerPointLimit: 5, Retry: retryPolicy(t, 2, time.Millisecond)},
		browser, memory.New(), pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	require.Len(t, browser.Queries(), 11, "the center point is tried three times")
	require.Equal(t, 1, h.recorder.Count(progress.StagePointError))
	require.Equal(t, 8, h.recorder.Count(progress.StagePointDone))

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitDone, u.Status)
	require.Equal(t, 9, u.GridCursor)
	require.EqualValues(t, 8, u.Accepted)
}

func TestRunReleasesUnitCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(context.Context, scrape.Query) ([]scrape.RawRecord, error) {
			time.AfterFunc(20*time.Millisecond, cancel)
			return nil, fmt.Errorf("%w: feed never rendered", scrape.ErrTransientPage)
		},
	}
	h := newHarness(t, Config{Spacing: 0.02, PerPointLimit: 5, Retry: retryPolicy(t, 3, time.Hour)},
		browser, memory.New(), pendingState("Ada, OK", "bakery"))

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept waiting out the backoff after cancellation")
	}

	u := unit(t, h.queue, "Ada, OK", "bakery")
	require.Equal(t, scrape.UnitPending, u.Status)
	require.Zero(t, u.GridCursor, "the point is walked again next run")
	require.Len(t, browser.Queries(), 1)
	require.Equal(t, 1, h.recorder.Count(progress.StageUnitReleased))
}

type observingSink struct {
	*memory.Sink
	observe func()
}

func (s observingSink) Put(ctx context.Context, record scrape.Record) error {
	s.observe()
	return s.Sink.Put(ctx, record)
}

func TestStateTracksPointPhases(t *testing.T) {
	t.Parallel()

	var h *harness
	var atFetch, atAdmit []State
	browser := &scrapetest.Browser{
		Anchors: map[string]scrape.Coordinate{"Ada, OK": ada},
		FetchFunc: func(_ context.Context, q scrape.Query) ([]scrape.RawRecord, error) {
			atFetch = append(atFetch, h.worker.State())
			return []scrape.RawRecord{scrapetest.Listing(q, fmt.Sprintf("Shop %d/%d", q.Point.DX, q.Point.DY), "1 Main St")}, nil
		},
	}
	sink := observingSink{Sink: memory.New(), observe: func() { atAdmit = append(atAdmit, h.worker.State()) }}
	h = newHarness(t, Config{Steps: 1, Spacing: 0.02, PerPointLimit: 5}, browser, sink, pendingState("Ada, OK", "bakery"))

	require.NoError(t, h.worker.Run(context.Background()))

	require.Len(t, atFetch, 9)
	require.Len(t, atAdmit, 9)
	for i := range atFetch {
		require.Equal(t, StateFetching, atFetch[i])
		require.Equal(t, StateDraining, atAdmit[i])
	}
	require.Equal(t, StateIdle, h.worker.State())
}
