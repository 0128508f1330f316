package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/progress"
)

// LogSink writes each progress event as a structured log line.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("url", evt.URL))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", string(evt.Kind)))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		fields = append(fields,
			zap.Int("found", evt.Found),
			zap.Int("relevant", evt.Relevant),
			zap.Int("saved", evt.Saved),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
