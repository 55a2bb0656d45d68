package mutation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditRecord describes one mutation request after it finished.
type AuditRecord struct {
	ID            string
	Operation     string
	TransactionID string
	UserID        string
	Success       bool
	Code          string
	Message       string
	Duration      time.Duration
	At            time.Time
}

// AuditSink stores audit records.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// LogAuditSink writes audit records to the log.
type LogAuditSink struct {
	logger *slog.Logger
}

func NewLogAuditSink() *LogAuditSink {
	return &LogAuditSink{logger: slog.Default().With("component", "audit")}
}

func (s *LogAuditSink) Record(ctx context.Context, rec AuditRecord) {
	s.logger.InfoContext(ctx, "Mutation audited",
		"audit_id", rec.ID,
		"operation", rec.Operation,
		"transaction_id", rec.TransactionID,
		"user", rec.UserID,
		"success", rec.Success,
		"code", rec.Code,
		"duration", rec.Duration,
	)
}

func newAuditID() string {
	return uuid.NewString()
}
