package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/attempt"
	"github.com/vietddude/collector/internal/core/config"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

// AttemptSettler is the part of attempt.Tracker the sweeper drives.
type AttemptSettler interface {
	MarkInProgress(ctx context.Context, transactionID string, attemptNumber int) (*domain.RetryAttempt, error)
	Complete(
		ctx context.Context,
		transactionID string,
		attemptNumber int,
		result domain.AttemptResult,
	) (*domain.RetryAttempt, error)
}

// Sweeper fails retry attempts that stayed active longer than StaleAfter,
// e.g. attempts whose executor died with the process.
type Sweeper struct {
	cfg      config.SweeperConfig
	attempts storage.AttemptRepository
	settler  AttemptSettler
	logger   *slog.Logger
}

// NewSweeper creates a new Sweeper worker.
func NewSweeper(
	cfg config.SweeperConfig,
	attempts storage.AttemptRepository,
	settler AttemptSettler,
) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		attempts: attempts,
		settler:  settler,
		logger:   slog.Default().With("component", "sweeper"),
	}
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cfg.StaleAfter <= 0 {
		return // Sweeping disabled
	}

	interval := s.cfg.Interval
	if interval <= 0 {
		// Default to a tenth of the staleness window, between 10s and 5m
		interval = min(s.cfg.StaleAfter/10, 5*time.Minute)
		interval = max(interval, 10*time.Second)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sweep
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fails one batch of stale attempts and returns how many were settled.
func (s *Sweeper) Sweep(ctx context.Context) int {
	threshold := time.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.attempts.ListStale(ctx, threshold, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to list stale attempts", "error", err)
		return 0
	}

	swept := 0
	for _, a := range stale {
		if a.Status == domain.RetryStatusPending {
			if _, err := s.settler.MarkInProgress(ctx, a.TransactionID, a.AttemptNumber); err != nil {
				s.logStaleError(a, err)
				continue
			}
		}

		_, err := s.settler.Complete(ctx, a.TransactionID, a.AttemptNumber, domain.AttemptResult{
			Success:      false,
			Message:      "retry attempt abandoned",
			ErrorDetails: "no completion recorded within " + s.cfg.StaleAfter.String(),
			Duration:     time.Since(a.InitiatedAt),
		})
		if err != nil {
			s.logStaleError(a, err)
			continue
		}

		swept++
		metrics.StaleAttemptsSwept.Inc()
		s.logger.Warn("Failed stale retry attempt",
			"transaction_id", a.TransactionID,
			"attempt", a.AttemptNumber,
			"initiated_at", a.InitiatedAt,
		)
	}
	return swept
}

func (s *Sweeper) logStaleError(a *domain.RetryAttempt, err error) {
	// Attempts settled or cancelled since the listing are expected
	if errors.Is(err, attempt.ErrAttemptCancelled) || errors.Is(err, attempt.ErrInvalidTransition) {
		return
	}
	s.logger.Error("Failed to settle stale attempt",
		"transaction_id", a.TransactionID,
		"attempt", a.AttemptNumber,
		"error", err,
	)
}
