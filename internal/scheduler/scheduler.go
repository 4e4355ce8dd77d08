// Package scheduler fans the work queue out to a bounded pool of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jwiedeman/MapMonkey/internal/dedup"
	"github.com/jwiedeman/MapMonkey/internal/progress"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
	"github.com/jwiedeman/MapMonkey/internal/worker"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

// Config holds pool settings. Worker is the template every worker starts from;
// its ID is assigned by the scheduler.
type Config struct {
	Concurrency int
	Worker      worker.Config
}

// Report summarizes a finished run.
type Report struct {
	Tally    workqueue.Tally
	Failed   []scrape.WorkUnit
	Dedup    dedup.Stats
	Duration time.Duration
	// Interrupted is true when the run stopped on cancellation with work left.
	Interrupted bool
}

// Scheduler runs workers over one queue.
type Scheduler struct {
	cfg     Config
	queue   *workqueue.Queue
	browser scrape.Browser
	gate    *dedup.Gateway
	pacer   worker.Pacer
	emitter progress.Emitter
	clock   scrape.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	workers []*worker.Worker
}

// New creates a Scheduler. The pacer is shared by all workers.
func New(
	cfg Config,
	queue *workqueue.Queue,
	browser scrape.Browser,
	gate *dedup.Gateway,
	pacer worker.Pacer,
	emitter progress.Emitter,
	clock scrape.Clock,
	logger *zap.Logger,
) (*Scheduler, error) {
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("scheduler concurrency must be > 0, got %d", cfg.Concurrency)
	}
	if queue == nil || browser == nil || gate == nil || pacer == nil || clock == nil {
		return nil, errors.New("scheduler requires a queue, browser, gateway, pacer and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard{}
	}
	return &Scheduler{
		cfg:     cfg,
		queue:   queue,
		browser: browser,
		gate:    gate,
		pacer:   pacer,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("scheduler"),
	}, nil
}

// Run starts the workers and blocks until all of them return. The first
// persistence failure cancels the remaining workers and is returned alongside
// the report.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	started := s.clock.Now()
	tally := s.queue.Tally()
	n := min(s.cfg.Concurrency, tally.Pending)
	s.logger.Info("run starting",
		zap.Int("workers", n),
		zap.Int("pending", tally.Pending),
		zap.Int("done", tally.Done),
		zap.Int("failed", tally.Failed),
	)

	workers := make([]*worker.Worker, 0, n)
	for i := range n {
		cfg := s.cfg.Worker
		cfg.ID = i
		workers = append(workers, worker.New(cfg, s.queue, s.browser, s.gate, s.pacer, s.emitter, s.clock, s.logger))
	}
	s.mu.Lock()
	s.workers = workers
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	report := Report{
		Tally:    s.queue.Tally(),
		Failed:   s.queue.Failed(),
		Dedup:    s.gate.Stats(),
		Duration: s.clock.Now().Sub(started),
	}
	report.Interrupted = ctx.Err() != nil && !s.queue.IsExhausted()

	fields := []zap.Field{
		zap.Int("done", report.Tally.Done),
		zap.Int("failed", report.Tally.Failed),
		zap.Int("pending", report.Tally.Pending),
		zap.Int64("accepted", report.Dedup.Accepted),
		zap.Int64("duplicates", report.Dedup.Duplicate),
		zap.Duration("elapsed", report.Duration),
	}
	switch {
	case err != nil:
		s.logger.Error("run aborted", append(fields, zap.Error(err))...)
		return report, fmt.Errorf("run aborted: %w", err)
	case report.Interrupted:
		s.logger.Warn("run interrupted; pending units resume on the next run", fields...)
	case len(report.Failed) > 0:
		s.logger.Warn("run finished with failed units", fields...)
	default:
		s.logger.Info("run finished", fields...)
	}
	return report, nil
}

// States reports the lifecycle phase of each worker of the current run.
func (s *Scheduler) States() []worker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.State, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.State())
	}
	return out
}
