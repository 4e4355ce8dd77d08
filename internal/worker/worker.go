// Package worker walks the query grid of claimed work units with one browser
// session and hands every extracted listing to the dedup gateway.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/dedup"
	"github.com/jwiedeman/MapMonkey/internal/grid"
	"github.com/jwiedeman/MapMonkey/internal/progress"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// ErrPersistence wraps run-state write failures; they abort the run.
var ErrPersistence = errors.New("run state persistence failed")

var (
	errSink        = errors.New("storage sink failed")
	errInterrupted = errors.New("unit interrupted")
)

const defaultPointTimeout = 10 * time.Minute

// Queue is the part of workqueue.Queue a worker drives.
type Queue interface {
	Claim(ctx context.Context) (scrape.WorkUnit, bool, error)
	Complete(ctx context.Context, key scrape.UnitKey) error
	Fail(ctx context.Context, key scrape.UnitKey, cause error) error
	Release(ctx context.Context, key scrape.UnitKey) error
	Advance(ctx context.Context, key scrape.UnitKey, cursor int, accepted, duplicates int64) error
	Anchor(city string) (scrape.Coordinate, bool)
	RecordAnchor(ctx context.Context, city string, coord scrape.Coordinate) error
}

// Admitter decides whether a listing is new and stores it when it is.
type Admitter interface {
	Admit(ctx context.Context, raw scrape.RawRecord) (dedup.Outcome, error)
}

// Pacer spaces out grid points.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RetryPolicy decides whether a failed grid point is fetched again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config holds per-worker settings.
type Config struct {
	ID            int
	RunID         [16]byte
	Steps         int
	Spacing       float64
	PerPointLimit int
	// PointTimeout bounds the grid point still running when the run is canceled.
	PointTimeout time.Duration
	// Retry is consulted after a transient point failure; nil skips the point at once.
	Retry RetryPolicy
}

// Worker processes one unit at a time until the queue has no pending unit.
type Worker struct {
	cfg      Config
	queue    Queue
	browser  scrape.Browser
	gate     Admitter
	pacer    Pacer
	progress progress.Emitter
	clock    scrape.Clock
	logger   *zap.Logger

	session scrape.Session
	state   atomic.Int32
}

// New constructs a Worker. A nil emitter discards progress events.
func New(
	cfg Config,
	queue Queue,
	browser scrape.Browser,
	gate Admitter,
	pacer Pacer,
	emitter progress.Emitter,
	clock scrape.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if cfg.PointTimeout <= 0 {
		cfg.PointTimeout = defaultPointTimeout
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		browser:  browser,
		gate:     gate,
		pacer:    pacer,
		progress: emitter,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.Int("worker", cfg.ID)),
	}
}

// State reports the current lifecycle phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run claims and processes units until none is pending or ctx ends. Only
// persistence failures are returned; cancellation is a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeSession()
	for {
		unit, ok, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: claim: %w", ErrPersistence, err)
		}
		if !ok {
			w.logger.Debug("no pending units left")
			return nil
		}
		if err := w.process(ctx, unit); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, unit scrape.WorkUnit) error {
	started := w.clock.Now()
	w.setState(StateFetching)
	defer w.setState(StateIdle)
	w.emit(progress.StageUnitStart, unit, func(e *progress.Event) { e.Point = unit.GridCursor })
	w.logger.Info("unit started",
		zap.String("city", unit.City),
		zap.String("term", unit.Term),
		zap.Int("attempt", unit.Attempts),
		zap.Int("cursor", unit.GridCursor),
	)

	return w.conclude(ctx, unit, started, w.walkGrid(ctx, unit))
}

// walkGrid returns nil once every remaining point is walked.
func (w *Worker) walkGrid(ctx context.Context, unit scrape.WorkUnit) error {
	anchor, err := w.anchor(ctx, unit.City)
	if err != nil {
		return err
	}
	points, err := grid.Generate(anchor, w.cfg.Steps, w.cfg.Spacing)
	if err != nil {
		return fmt.Errorf("build grid for %s: %w", unit.City, err)
	}

	start := unit.GridCursor
	if start > len(points) {
		w.logger.Warn("grid cursor past the end of the grid; walking from the first point",
			zap.String("city", unit.City),
			zap.String("term", unit.Term),
			zap.Int("cursor", start),
			zap.Int("points", len(points)),
		)
		start = 0
	}

	key := unit.Key()
	for i := start; i < len(points); i++ {
		if ctx.Err() != nil {
			return errInterrupted
		}
		if err := w.pacer.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return errInterrupted
			}
			return fmt.Errorf("pacing: %w", err)
		}

		pointStart := w.clock.Now()
		stats, err := w.fetchPoint(ctx, unit, i, points[i])
		canceled := ctx.Err() != nil
		switch {
		case err == nil:
			w.emit(progress.StagePointDone, unit, stats.fill(i, w.clock.Now().Sub(pointStart), ""))
			w.logger.Debug("grid point done",
				zap.String("city", unit.City),
				zap.String("term", unit.Term),
				zap.Int("point", i),
				zap.Int64("accepted", stats.accepted),
				zap.Int64("duplicates", stats.duplicates),
			)
		case errors.Is(err, scrape.ErrTransientPage):
			w.emit(progress.StagePointError, unit, stats.fill(i, w.clock.Now().Sub(pointStart), err.Error()))
			w.logger.Warn("grid point failed",
				zap.String("city", unit.City),
				zap.String("term", unit.Term),
				zap.Int("point", i),
				zap.Error(err),
			)
		default:
			return err
		}

		if err := w.queue.Advance(context.WithoutCancel(ctx), key, i+1, stats.accepted, stats.duplicates); err != nil {
			return fmt.Errorf("%w: advance cursor: %w", ErrPersistence, err)
		}
		if canceled {
			return errInterrupted
		}
	}
	return nil
}

// anchor returns the persisted anchor for city, geocoding and persisting it first if needed.
func (w *Worker) anchor(ctx context.Context, city string) (scrape.Coordinate, error) {
	if coord, ok := w.queue.Anchor(city); ok {
		return coord, nil
	}
	session, err := w.ensureSession(ctx)
	if err != nil {
		return scrape.Coordinate{}, err
	}
	coord, err := session.Locate(ctx, city)
	if err != nil {
		return scrape.Coordinate{}, fmt.Errorf("locate %q: %w", city, err)
	}
	if !coord.Finite() {
		return scrape.Coordinate{}, fmt.Errorf("locate %q: non-finite coordinate %v", city, coord)
	}
	if err := w.queue.RecordAnchor(context.WithoutCancel(ctx), city, coord); err != nil {
		return scrape.Coordinate{}, fmt.Errorf("%w: record anchor: %w", ErrPersistence, err)
	}
	w.logger.Info("city located", zap.String("city", city), zap.Stringer("anchor", coord))
	return coord, nil
}

type pointStats struct {
	accepted   int64
	duplicates int64
	rejected   int64
}

func (s *pointStats) add(o pointStats) {
	s.accepted += o.accepted
	s.duplicates += o.duplicates
	s.rejected += o.rejected
}

func (s pointStats) fill(point int, dur time.Duration, note string) func(*progress.Event) {
	return func(e *progress.Event) {
		e.Point = point
		e.Accepted = s.accepted
		e.Duplicates = s.duplicates
		e.Rejected = s.rejected
		e.Dur = dur
		e.Note = note
	}
}

// fetchPoint walks one grid point, walking it again after a transient failure
// while the retry policy allows. Stats cover every attempt.
func (w *Worker) fetchPoint(ctx context.Context, unit scrape.WorkUnit, index int, point scrape.GridPoint) (pointStats, error) {
	var total pointStats
	for attempt := 0; ; attempt++ {
		stats, err := w.walkPoint(ctx, unit, point)
		total.add(stats)
		if err == nil || w.cfg.Retry == nil || ctx.Err() != nil || !w.cfg.Retry.ShouldRetry(err, attempt) {
			return total, err
		}
		delay := w.cfg.Retry.Backoff(attempt)
		w.logger.Info("retrying grid point",
			zap.String("city", unit.City),
			zap.String("term", unit.Term),
			zap.Int("point", index),
			zap.Int("retry", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !sleep(ctx, delay) {
			return total, errInterrupted
		}
	}
}

// walkPoint fetches one grid point and admits each listing as it is yielded.
// Cancellation of ctx does not stop the point; it only starts the PointTimeout clock.
func (w *Worker) walkPoint(ctx context.Context, unit scrape.WorkUnit, point scrape.GridPoint) (pointStats, error) {
	var stats pointStats
	session, err := w.ensureSession(ctx)
	if err != nil {
		return stats, err
	}
	w.setState(StateFetching)

	pointCtx, cancel := w.drainContext(ctx)
	defer cancel()

	q := scrape.Query{
		City:  unit.City,
		Term:  unit.Term,
		Text:  unit.Query(),
		Point: point,
		Limit: w.cfg.PerPointLimit,
	}
	for raw, err := range session.Fetch(pointCtx, q) {
		if err != nil {
			if pointCtx.Err() != nil {
				return stats, fmt.Errorf("%w: %w", errInterrupted, err)
			}
			if !errors.Is(err, scrape.ErrSessionFatal) && !errors.Is(err, scrape.ErrTransientPage) {
				err = fmt.Errorf("%w: %w", scrape.ErrTransientPage, err)
			}
			return stats, err
		}
		w.setState(StateDraining)
		outcome, err := w.gate.Admit(pointCtx, raw)
		if err != nil {
			if pointCtx.Err() != nil {
				return stats, fmt.Errorf("%w: %w", errInterrupted, err)
			}
			return stats, fmt.Errorf("%w: %w", errSink, err)
		}
		switch outcome {
		case dedup.Accepted:
			stats.accepted++
		case dedup.Duplicate:
			stats.duplicates++
		case dedup.Rejected:
			stats.rejected++
		}
	}
	return stats, nil
}

// drainContext detaches from ctx. Once ctx ends, the returned context stays
// alive for PointTimeout more and a worker still fetching reports StateDraining.
func (w *Worker) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	drained, cancel := context.WithCancel(context.WithoutCancel(ctx))
	grace := w.cfg.PointTimeout
	stop := context.AfterFunc(ctx, func() {
		w.state.CompareAndSwap(int32(StateFetching), int32(StateDraining))
		time.AfterFunc(grace, cancel)
	})
	return drained, func() {
		stop()
		cancel()
	}
}

// conclude records the unit outcome. It returns only persistence errors.
func (w *Worker) conclude(ctx context.Context, unit scrape.WorkUnit, started time.Time, err error) error {
	switch {
	case err == nil:
		return w.complete(ctx, unit, started)
	case errors.Is(err, ErrPersistence):
		return err
	case errors.Is(err, errInterrupted), ctx.Err() != nil && isContextErr(err):
		return w.release(ctx, unit, started)
	case errors.Is(err, scrape.ErrSessionFatal):
		w.recycle(err)
		return w.fail(ctx, unit, started, err)
	default:
		return w.fail(ctx, unit, started, err)
	}
}

func (w *Worker) complete(ctx context.Context, unit scrape.WorkUnit, started time.Time) error {
	if err := w.queue.Complete(context.WithoutCancel(ctx), unit.Key()); err != nil {
		return fmt.Errorf("%w: complete %s: %w", ErrPersistence, unit.Key(), err)
	}
	dur := w.clock.Now().Sub(started)
	w.emit(progress.StageUnitDone, unit, func(e *progress.Event) { e.Dur = dur })
	w.logger.Info("unit done",
		zap.String("city", unit.City),
		zap.String("term", unit.Term),
		zap.Duration("elapsed", dur),
	)
	return nil
}

func (w *Worker) fail(ctx context.Context, unit scrape.WorkUnit, started time.Time, cause error) error {
	w.setState(StateFailed)
	if err := w.queue.Fail(context.WithoutCancel(ctx), unit.Key(), cause); err != nil {
		return fmt.Errorf("%w: fail %s: %w", ErrPersistence, unit.Key(), err)
	}
	dur := w.clock.Now().Sub(started)
	w.emit(progress.StageUnitFailed, unit, func(e *progress.Event) {
		e.Dur = dur
		e.Note = cause.Error()
	})
	w.logger.Warn("unit failed",
		zap.String("city", unit.City),
		zap.String("term", unit.Term),
		zap.Int("attempt", unit.Attempts),
		zap.Error(cause),
	)
	return nil
}

func (w *Worker) release(ctx context.Context, unit scrape.WorkUnit, started time.Time) error {
	if err := w.queue.Release(context.WithoutCancel(ctx), unit.Key()); err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrPersistence, unit.Key(), err)
	}
	dur := w.clock.Now().Sub(started)
	w.emit(progress.StageUnitReleased, unit, func(e *progress.Event) { e.Dur = dur })
	w.logger.Info("unit released for a later run",
		zap.String("city", unit.City),
		zap.String("term", unit.Term),
	)
	return nil
}

func (w *Worker) ensureSession(ctx context.Context) (scrape.Session, error) {
	if w.session != nil {
		return w.session, nil
	}
	session, err := w.browser.NewSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errInterrupted, err)
		}
		if !errors.Is(err, scrape.ErrSessionFatal) {
			err = fmt.Errorf("%w: %w", scrape.ErrSessionFatal, err)
		}
		return nil, err
	}
	w.session = session
	return session, nil
}

// recycle drops the session so the next unit opens a fresh one.
func (w *Worker) recycle(cause error) {
	w.closeSession()
	w.emit(progress.StageSessionReset, scrape.WorkUnit{}, func(e *progress.Event) { e.Note = cause.Error() })
	w.logger.Warn("browser session recycled", zap.Error(cause))
}

func (w *Worker) closeSession() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.logger.Warn("close browser session", zap.Error(err))
	}
	w.session = nil
}

func (w *Worker) emit(stage progress.Stage, unit scrape.WorkUnit, fill func(*progress.Event)) {
	evt := progress.Event{
		RunID:  w.cfg.RunID,
		TS:     w.clock.Now(),
		Stage:  stage,
		Worker: w.cfg.ID,
		City:   unit.City,
		Term:   unit.Term,
	}
	if fill != nil {
		fill(&evt)
	}
	w.progress.Emit(evt)
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
