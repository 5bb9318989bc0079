package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/product-discovery/internal/audit"
)

// LogSink emits structured logs for audit streams. It is useful during
// development or when no durable store is configured.
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

// Consume logs each record; error records are logged at error level.
func (s *LogSink) Consume(_ context.Context, batch []audit.Record) error {
	for _, rec := range batch {
		fields := []zap.Field{
			zap.String("run_id", rec.RunID),
			zap.String("stage", string(rec.Stage)),
			zap.String("status", string(rec.Status)),
			zap.Duration("duration", rec.Duration),
			zap.Time("ts", rec.TS),
		}
		if rec.TraceID != "" {
			fields = append(fields, zap.String("trace_id", rec.TraceID))
		}
		if len(rec.Payload) > 0 {
			fields = append(fields, zap.Any("payload", rec.Payload))
		}
		level := zapcore.InfoLevel
		if rec.Status == audit.StatusError {
			level = zapcore.ErrorLevel
			fields = append(fields, zap.String("error", rec.Error))
		}
		s.logger.Log(level, "audit record", fields...)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
