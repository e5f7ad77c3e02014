package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
)

// LogSink emits one structured log line per broadcast.
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

// Name implements broadcast.Sink.
func (s *LogSink) Name() string { return "log" }

// Consume logs each message in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []broadcast.Message) error {
	for _, msg := range batch {
		fields := []zap.Field{
			zap.String("kind", string(msg.Kind)),
			zap.String("session_id", msg.SessionID),
			zap.String("status", string(msg.Status.Status)),
			zap.Int("current_step", msg.Status.CurrentStep),
			zap.Int("overall_progress", msg.Status.OverallProgress),
			zap.Time("ts", msg.TS),
		}
		if msg.Status.SubStep != nil {
			fields = append(fields, zap.Int("sub_step", *msg.Status.SubStep))
		}
		if msg.Notice != "" {
			fields = append(fields, zap.String("notice", msg.Notice))
		}
		s.logger.Info("crawl broadcast", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
