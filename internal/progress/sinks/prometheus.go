package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwiedeman/MapMonkey/internal/progress"
)

// PrometheusSink exports scrape progress as Prometheus collectors.
type PrometheusSink struct {
	termsProcessed *prometheus.CounterVec
	saved          prometheus.Counter
	duplicates     prometheus.Counter
	rejected       prometheus.Counter
	activeWorkers  prometheus.Gauge
	unitRuntime    *prometheus.HistogramVec
	points         *prometheus.CounterVec
	pointDuration  prometheus.Histogram
	sessionResets  prometheus.Counter

	tracker *unitTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		termsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapmonkey_terms_processed_total",
			Help: "Work units finished, partitioned by result.",
		}, []string{"result"}),
		saved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapmonkey_businesses_saved_total",
			Help: "Listings accepted and written to storage.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapmonkey_businesses_duplicate_total",
			Help: "Listings dropped because their identity was already stored.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapmonkey_businesses_rejected_total",
			Help: "Listings dropped for missing name or address.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapmonkey_active_workers",
			Help: "Workers currently executing a unit.",
		}),
		unitRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mapmonkey_unit_runtime_seconds",
			Help:    "Wall time per finished unit attempt.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapmonkey_grid_points_total",
			Help: "Grid points walked, partitioned by result.",
		}, []string{"result"}),
		pointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapmonkey_grid_point_duration_seconds",
			Help:    "Fetch time per grid point, excluding pacing.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		sessionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapmonkey_session_resets_total",
			Help: "Browser sessions discarded after a fatal error.",
		}),
		tracker: newUnitTracker(),
	}
	for _, collector := range s.collectors() {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.termsProcessed,
		s.saved,
		s.duplicates,
		s.rejected,
		s.activeWorkers,
		s.unitRuntime,
		s.points,
		s.pointDuration,
		s.sessionResets,
	}
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageUnitStart:
		if s.tracker.start(evt) {
			s.activeWorkers.Inc()
		}
	case progress.StageUnitDone:
		s.finishUnit(evt, "done")
	case progress.StageUnitFailed:
		s.finishUnit(evt, "failed")
	case progress.StageUnitReleased:
		if s.tracker.complete(evt) {
			s.activeWorkers.Dec()
		}
	case progress.StagePointDone:
		s.points.WithLabelValues("ok").Inc()
		s.observePoint(evt)
	case progress.StagePointError:
		s.points.WithLabelValues("error").Inc()
		s.observePoint(evt)
	case progress.StageSessionReset:
		s.sessionResets.Inc()
	}
}

func (s *PrometheusSink) finishUnit(evt progress.Event, result string) {
	s.termsProcessed.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.unitRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt) {
		s.activeWorkers.Dec()
	}
}

func (s *PrometheusSink) observePoint(evt progress.Event) {
	if evt.Accepted > 0 {
		s.saved.Add(float64(evt.Accepted))
	}
	if evt.Duplicates > 0 {
		s.duplicates.Add(float64(evt.Duplicates))
	}
	if evt.Rejected > 0 {
		s.rejected.Add(float64(evt.Rejected))
	}
	if evt.Dur > 0 {
		s.pointDuration.Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type unitRef struct {
	run  [16]byte
	city string
	term string
}

type unitTracker struct {
	mu      sync.Mutex
	running map[unitRef]struct{}
}

func newUnitTracker() *unitTracker {
	return &unitTracker{running: make(map[unitRef]struct{})}
}

func (t *unitTracker) start(evt progress.Event) bool {
	ref := unitRef{run: evt.RunID, city: evt.City, term: evt.Term}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[ref]; ok {
		return false
	}
	t.running[ref] = struct{}{}
	return true
}

func (t *unitTracker) complete(evt progress.Event) bool {
	ref := unitRef{run: evt.RunID, city: evt.City, term: evt.Term}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[ref]; !ok {
		return false
	}
	delete(t.running, ref)
	return true
}
