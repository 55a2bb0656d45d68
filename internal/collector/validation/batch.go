package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/domain"
)

// ErrBatchTooLarge is returned when a batch exceeds Limits.MaxBatchSize.
var ErrBatchTooLarge = errors.New("batch too large")

// BatchEntry is the bulk view of one transaction.
type BatchEntry struct {
	TransactionID  string                 `json:"transaction_id"`
	Found          bool                   `json:"found"`
	Status         domain.ExceptionStatus `json:"status,omitempty"`
	Retryable      bool                   `json:"retryable"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	CanRetry       bool                   `json:"can_retry"`
	CanAcknowledge bool                   `json:"can_acknowledge"`
	CanResolve     bool                   `json:"can_resolve"`
	CanCancel      bool                   `json:"can_cancel"`
}

// ValidateBatch evaluates every operation for each id with a single
// projection read. Duplicate ids are reported once, in first-seen order.
func (s *Service) ValidateBatch(ctx context.Context, transactionIDs []string) ([]BatchEntry, error) {
	ids := dedupe(transactionIDs)
	if len(ids) > s.limits.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d ids, at most %d allowed", ErrBatchTooLarge, len(ids), s.limits.MaxBatchSize)
	}
	if len(ids) == 0 {
		return []BatchEntry{}, nil
	}
	metrics.DBBatchSize.WithLabelValues("validate_batch").Observe(float64(len(ids)))

	projections, err := s.exceptions.BatchProjections(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("batch projections: %w", err)
	}
	byID := make(map[string]domain.ValidationProjection, len(projections))
	for _, p := range projections {
		byID[p.TransactionID] = p
	}

	out := make([]BatchEntry, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			out = append(out, BatchEntry{TransactionID: id})
			continue
		}
		out = append(out, evaluate(p))
	}
	return out, nil
}

func evaluate(p domain.ValidationProjection) BatchEntry {
	return BatchEntry{
		TransactionID: p.TransactionID,
		Found:         true,
		Status:        p.Status,
		Retryable:     p.Retryable,
		RetryCount:    p.RetryCount,
		MaxRetries:    p.MaxRetries,
		CanRetry: p.Retryable &&
			statusIn(p.Status, RetryableStatuses) &&
			p.RetryCount < p.MaxRetries &&
			p.ActiveAttempts == 0,
		CanAcknowledge: statusIn(p.Status, AcknowledgeableStatuses),
		CanResolve:     statusIn(p.Status, ResolvableStatuses),
		CanCancel:      p.ActiveAttempts > 0,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
