package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/audit"
)

// Writer persists audit records. storage/postgres.AuditStore implements it.
type Writer interface {
	InsertRecords(ctx context.Context, records []audit.Record) error
}

// StoreSink forwards terminal records to a Writer. Start records only mark
// progress and are not persisted.
type StoreSink struct {
	writer Writer
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided writer.
func NewStoreSink(writer Writer, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{writer: writer, logger: logger}
}

// Consume persists the terminal records of the batch in one call and returns
// writer errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []audit.Record) error {
	if s == nil || s.writer == nil {
		return nil
	}
	rows := make([]audit.Record, 0, len(batch))
	for _, rec := range batch {
		if rec.Terminal() {
			rows = append(rows, rec)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.writer.InsertRecords(ctx, rows); err != nil {
		return fmt.Errorf("insert audit records: %w", err)
	}
	s.logger.Debug("audit records persisted", zap.Int("records", len(rows)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
