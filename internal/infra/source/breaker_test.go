package source

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

// =============================================================================
// Mock Client
// =============================================================================

type mockClient struct {
	mu      sync.Mutex
	name    string
	types   []domain.InterfaceType
	fail    bool
	delay   time.Duration
	calls   int
	payload json.RawMessage
}

func (m *mockClient) ServiceName() string                  { return m.name }
func (m *mockClient) Supports(t domain.InterfaceType) bool { return supports(m.types, t) }

func (m *mockClient) GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) PayloadResult {
	m.mu.Lock()
	m.calls++
	fail, delay := m.fail, m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return failedPayload(exc, m.name, "boom")
	}
	return PayloadResult{TransactionID: exc.TransactionID, Payload: m.payload, SourceService: m.name, Retrieved: true}
}

func (m *mockClient) SubmitRetry(ctx context.Context, exc *domain.InterfaceException, payload json.RawMessage) SubmitResult {
	m.mu.Lock()
	m.calls++
	fail := m.fail
	m.mu.Unlock()
	if fail {
		return SubmitResult{StatusCode: 503, ErrorMessage: "http 503"}
	}
	return SubmitResult{StatusCode: 200, Submitted: true}
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// =============================================================================
// Breaker Tests
// =============================================================================

func TestBreaker_OpenReturnsFallback(t *testing.T) {
	inner := &mockClient{name: "order-service", fail: true}
	b := NewBreaker(inner, BreakerConfig{
		ConsecutiveFailures: 2,
		MinRequests:         100,
		Timeout:             time.Minute,
		CallTimeout:         time.Second,
	})
	exc := testException()

	for i := 0; i < 2; i++ {
		if res := b.GetOriginalPayload(context.Background(), exc); res.Retrieved {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	res := b.GetOriginalPayload(context.Background(), exc)
	if res.Retrieved {
		t.Fatal("expected fallback result")
	}
	if res.ErrorMessage != "Service unavailable - circuit breaker open for order-service" {
		t.Errorf("unexpected fallback message %q", res.ErrorMessage)
	}
	if res.TransactionID != "TXN-123" {
		t.Errorf("expected transaction id on fallback, got %q", res.TransactionID)
	}
	if inner.callCount() != 2 {
		t.Errorf("expected open breaker to skip the client, got %d calls", inner.callCount())
	}

	states := b.States()
	if states["order-service:retrieve"] != "open" || states["order-service:submit"] != "closed" {
		t.Errorf("unexpected states %v", states)
	}
}

func TestBreaker_SubmitFallback(t *testing.T) {
	inner := &mockClient{name: "order-service", fail: true}
	b := NewBreaker(inner, BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Minute, CallTimeout: time.Second})

	_ = b.SubmitRetry(context.Background(), testException(), nil)
	res := b.SubmitRetry(context.Background(), testException(), nil)
	if res.Submitted || !strings.Contains(res.ErrorMessage, "circuit breaker open") {
		t.Errorf("expected fallback submission, got %+v", res)
	}
}

func TestBreaker_CallTimeout(t *testing.T) {
	inner := &mockClient{name: "slow-service", delay: 500 * time.Millisecond}
	b := NewBreaker(inner, BreakerConfig{CallTimeout: 50 * time.Millisecond, ConsecutiveFailures: 10})

	start := time.Now()
	res := b.GetOriginalPayload(context.Background(), testException())
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("expected call bounded by timeout, took %s", elapsed)
	}
	if res.Retrieved || !res.TimedOut {
		t.Fatalf("expected timed out result, got %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "timeout") {
		t.Errorf("expected message to mention timeout, got %q", res.ErrorMessage)
	}
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	if countsAsFailure(422) || countsAsFailure(404) {
		t.Error("expected client errors not to count")
	}
	if !countsAsFailure(0) || !countsAsFailure(503) || !countsAsFailure(429) {
		t.Error("expected transport, server and throttling errors to count")
	}
}
