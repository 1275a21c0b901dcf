package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

// LogSink emits one structured log line per pipeline event.
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

// Consume logs each event in the batch. Failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("target_id", evt.TargetID),
			zap.String("owner_id", evt.OwnerID),
		}
		if evt.SessionID != "" {
			fields = append(fields, zap.String("session_id", evt.SessionID), zap.Int("attempt", evt.Attempt))
		}
		if evt.RecordID != "" {
			fields = append(fields, zap.String("record_id", evt.RecordID))
		}
		if evt.ChangeStatus != "" {
			fields = append(fields, zap.String("change_status", string(evt.ChangeStatus)))
		}
		if evt.Channel != "" {
			fields = append(fields,
				zap.String("channel", string(evt.Channel)),
				zap.Int("status_code", evt.StatusCode),
				zap.Bool("proxied", evt.Proxied),
			)
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		fields = append(fields, zap.Duration("dur", evt.Dur))
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageCheckError, progress.StageCrawlFailed, progress.StageCrawlTimeout, progress.StageNotifyFailed:
			s.logger.Warn("pipeline event", fields...)
		default:
			s.logger.Info("pipeline event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
