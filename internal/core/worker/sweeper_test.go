package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/collector/internal/core/attempt"
	"github.com/vietddude/collector/internal/core/config"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage/memory"
)

func TestSweeper_FailsStaleAttempts(t *testing.T) {
	store := memory.NewMemoryStorage()
	excRepo := memory.NewExceptionRepo(store)
	attemptRepo := memory.NewAttemptRepo(store)
	ctx := context.Background()

	for _, id := range []string{"OLD-PENDING", "OLD-RUNNING", "FRESH"} {
		if err := excRepo.Create(ctx, &domain.InterfaceException{
			TransactionID: id, Status: domain.StatusNew, Retryable: true, MaxRetries: 3,
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	old := time.Now().Add(-time.Hour)
	_, _ = attemptRepo.CreateNext(ctx, "OLD-PENDING", "ops", "", old)
	_, _ = attemptRepo.CreateNext(ctx, "OLD-RUNNING", "ops", "", old)
	_, _ = attemptRepo.Transition(ctx, "OLD-RUNNING", 1,
		[]domain.RetryStatus{domain.RetryStatusPending}, domain.RetryStatusInProgress, nil, old)
	_, _ = attemptRepo.CreateNext(ctx, "FRESH", "ops", "", time.Now())

	tracker := attempt.NewTracker(attemptRepo, excRepo, nil)
	sweeper := NewSweeper(config.SweeperConfig{StaleAfter: 10 * time.Minute, BatchSize: 10}, attemptRepo, tracker)

	if swept := sweeper.Sweep(ctx); swept != 2 {
		t.Fatalf("expected 2 attempts swept, got %d", swept)
	}

	for _, id := range []string{"OLD-PENDING", "OLD-RUNNING"} {
		a, _ := attemptRepo.Latest(ctx, id)
		if a.Status != domain.RetryStatusFailed {
			t.Errorf("%s: expected FAILED, got %s", id, a.Status)
		}
		exc, _ := excRepo.FindByTransactionID(ctx, id)
		if exc.Status != domain.StatusRetriedFailed {
			t.Errorf("%s: expected RETRIED_FAILED, got %s", id, exc.Status)
		}
	}

	fresh, _ := attemptRepo.Latest(ctx, "FRESH")
	if fresh.Status != domain.RetryStatusPending {
		t.Errorf("expected fresh attempt untouched, got %s", fresh.Status)
	}
}

func TestSweeper_DisabledWithoutStaleAfter(t *testing.T) {
	store := memory.NewMemoryStorage()
	sweeper := NewSweeper(config.SweeperConfig{}, memory.NewAttemptRepo(store), nil)

	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return immediately when disabled")
	}
}
