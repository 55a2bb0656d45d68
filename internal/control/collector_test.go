package control

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/collector/internal/collector/health"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/config"
	"github.com/vietddude/collector/internal/core/domain"
)

func testConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.Server.Port = 0 // Random port
	return cfg
}

func TestCollector_Lifecycle(t *testing.T) {
	c, err := NewCollector(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait a bit to let goroutines spin up
	time.Sleep(50 * time.Millisecond)

	report := c.Health(ctx)
	if report.Status != health.StatusHealthy {
		t.Errorf("expected healthy status, got %s", report.Status)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestCollector_RetryWithoutSourceFails(t *testing.T) {
	c, err := NewCollector(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		_ = c.Stop(context.Background())
	}()

	exc := &domain.InterfaceException{
		TransactionID: "TXN-1",
		ExternalID:    "ORD-1",
		InterfaceType: domain.InterfaceTypeOrder,
		Operation:     "CREATE_ORDER",
		Status:        domain.StatusNew,
		Severity:      domain.SeverityHigh,
		Retryable:     true,
		MaxRetries:    3,
	}
	if err := c.Exceptions().Create(ctx, exc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Warm the verdict cache so the completion event has something to clear.
	if v := c.Validator().ValidateRetry(ctx, "TXN-1"); !v.Valid {
		t.Fatalf("expected retry to be valid, got %+v", v.Errors)
	}

	res := c.Mutations().RetryException(ctx, "TXN-1", "upstream outage", "ops")
	if !res.Success {
		t.Fatalf("expected retry to be accepted, got %s: %s", res.Code, res.Message)
	}
	if res.AttemptNumber != 1 {
		t.Errorf("expected attempt 1, got %d", res.AttemptNumber)
	}

	var got *domain.InterfaceException
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err = c.Exceptions().FindByTransactionID(ctx, "TXN-1")
		if err != nil {
			t.Fatalf("FindByTransactionID failed: %v", err)
		}
		if got.Status == domain.StatusRetriedFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.Status != domain.StatusRetriedFailed {
		t.Fatalf("expected RETRIED_FAILED, got %s", got.Status)
	}

	latest, err := c.Tracker().Latest(ctx, "TXN-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Status != domain.RetryStatusFailed {
		t.Errorf("expected attempt FAILED, got %s", latest.Status)
	}

	// The exception stays retryable after one failed attempt.
	deadline = time.Now().Add(time.Second)
	var v validation.Result
	for time.Now().Before(deadline) {
		v = c.Validator().ValidateRetry(ctx, "TXN-1")
		if v.Valid {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !v.Valid {
		t.Errorf("expected exception to remain retryable, got %+v", v.Errors)
	}
}

func TestNewCollector_RedisCacheRequiresClient(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Backend = config.CacheBackendRedis

	if _, err := NewCollector(context.Background(), cfg); err == nil {
		t.Fatal("expected error for redis cache backend without redis")
	}
}
