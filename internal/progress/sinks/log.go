package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-harvester/internal/progress"
)

// LogSink emits structured logs for round, batch, and run milestones. Item
// events are logged at debug level to keep steady-state output readable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageItemDone, progress.StageExhausted:
			fields = append(fields,
				zap.Int("batch", evt.Batch),
				zap.Int("round", evt.Round),
				zap.String("url", evt.URL),
				zap.String("outcome", evt.Outcome),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Debug("item progress", fields...)
		default:
			fields = append(fields,
				zap.Int("batch", evt.Batch),
				zap.Int("round", evt.Round),
				zap.Int("items", evt.Items),
				zap.Duration("backoff", evt.Backoff),
				zap.Duration("dur", evt.Dur),
				zap.Int("succeeded", evt.Counts.Succeeded),
				zap.Int("rate_limited", evt.Counts.RateLimited),
				zap.Int("failed", evt.Counts.Failed),
				zap.Int("exhausted", evt.Counts.Exhausted),
			)
			s.logger.Info("harvest progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
