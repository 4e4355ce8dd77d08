package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/progress"
)

// PushSink pushes a gatherer to a Prometheus Pushgateway when the hub closes,
// so a batch run leaves its final counters behind after the process exits.
type PushSink struct {
	pusher *push.Pusher
	url    string
	logger *zap.Logger
}

// NewPushSink targets the Pushgateway at url under job, grouped by run id.
func NewPushSink(url, job, runID string, gatherer prometheus.Gatherer, logger *zap.Logger) *PushSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	pusher := push.New(url, job).Gatherer(gatherer)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	return &PushSink{pusher: pusher, url: url, logger: logger}
}

// Consume implements the Sink interface; metrics are pushed on Close.
func (s *PushSink) Consume(context.Context, []progress.Event) error {
	return nil
}

// Close pushes the gathered metrics, replacing the group on the gateway.
func (s *PushSink) Close(ctx context.Context) error {
	if err := s.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", s.url, err)
	}
	s.logger.Info("pushed metrics", zap.String("url", s.url))
	return nil
}
