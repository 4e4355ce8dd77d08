package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/progress"
)

// LogSink writes each event as a structured log line. Point events log at
// debug level; unit and session milestones at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("worker", evt.Worker),
			zap.String("city", evt.City),
			zap.String("term", evt.Term),
			zap.Int("point", evt.Point),
			zap.Int64("accepted", evt.Accepted),
			zap.Int64("duplicates", evt.Duplicates),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePointDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageUnitFailed, progress.StagePointError, progress.StageSessionReset:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
