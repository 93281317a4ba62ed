package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes audit records as structured log lines, one flat record
// per event with nested metadata.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink writing through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Append(record Record) {
	attrs := []slog.Attr{
		slog.String("actor", record.Actor),
		slog.String("resource", record.Resource),
		slog.String("action", record.Action),
		slog.String("outcome", record.Outcome),
		slog.String("request_id", record.RequestID),
		slog.String("timestamp", record.Timestamp),
		slog.String("prev_hash", record.PrevHash),
		slog.String("event_hash", record.EventHash),
	}
	if record.TenantID != nil {
		attrs = append(attrs, slog.Int64("tenant_id", *record.TenantID))
	}
	if record.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", record.ResourceID))
	}
	if len(record.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", record.Metadata))
	}

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
}
