package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/progress"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// UnitNotification is the message published when a unit attempt finishes.
type UnitNotification struct {
	RunID      string    `json:"run_id"`
	City       string    `json:"city"`
	Term       string    `json:"term"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// NotifySink publishes a UnitNotification for every finished unit attempt.
type NotifySink struct {
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink wires publisher to the sink interface.
func NewNotifySink(publisher scrape.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal unit events and ignores the rest. Every terminal
// event is attempted; failures are joined into the returned error.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		msg := UnitNotification{
			RunID:      evt.RunUUID().String(),
			City:       evt.City,
			Term:       evt.Term,
			Status:     string(scrape.UnitDone),
			DurationMS: evt.Dur.Milliseconds(),
			FinishedAt: evt.TS.UTC(),
		}
		if evt.Stage == progress.StageUnitFailed {
			msg.Status = string(scrape.UnitFailed)
			msg.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s/%s: %w", evt.City, evt.Term, err))
			continue
		}
		s.logger.Debug("published unit outcome",
			zap.String("message_id", id),
			zap.String("city", evt.City),
			zap.String("term", evt.Term),
			zap.String("status", msg.Status),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
