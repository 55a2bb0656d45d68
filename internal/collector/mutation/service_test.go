package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/attempt"
	"github.com/vietddude/collector/internal/core/auth"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/source"
	"github.com/vietddude/collector/internal/infra/storage/memory"
)

// =============================================================================
// Mocks
// =============================================================================

type gatedClient struct {
	gate      chan struct{}
	submitted bool

	mu    sync.Mutex
	calls int
}

func (c *gatedClient) ServiceName() string                  { return "order-service" }
func (c *gatedClient) Supports(t domain.InterfaceType) bool { return t == domain.InterfaceTypeOrder }

func (c *gatedClient) GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) source.PayloadResult {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
		}
	}
	return source.PayloadResult{
		TransactionID: exc.TransactionID,
		Payload:       json.RawMessage(`{"id":1}`),
		Retrieved:     true,
	}
}

func (c *gatedClient) SubmitRetry(ctx context.Context, exc *domain.InterfaceException, payload json.RawMessage) source.SubmitResult {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if !c.submitted {
		return source.SubmitResult{StatusCode: 500, ErrorMessage: "http 500: boom"}
	}
	return source.SubmitResult{StatusCode: 200, Submitted: true}
}

type recordingSink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (s *recordingSink) Record(ctx context.Context, rec AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) statusChanges() []domain.ExceptionStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ExceptionStatusChanged
	for _, ev := range p.events {
		if sc, ok := ev.(domain.ExceptionStatusChanged); ok {
			out = append(out, sc)
		}
	}
	return out
}

type harness struct {
	svc      *Service
	executor *Executor
	limiter  *limiter.Limiter
	excRepo  *memory.ExceptionRepo
	tracker  *attempt.Tracker
	sink     *recordingSink
	events   *recordingPublisher
}

func newHarness(t *testing.T, client source.Client, lim limiter.Config, excs ...domain.InterfaceException) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	excRepo := memory.NewExceptionRepo(store)
	for i := range excs {
		if err := excRepo.Create(context.Background(), &excs[i]); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	var clients []source.Client
	if client != nil {
		clients = append(clients, client)
	}
	registry, err := source.NewRegistry(clients...)
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}

	tracker := attempt.NewTracker(memory.NewAttemptRepo(store), excRepo, nil)
	cache := validation.NewCache(validation.NewMemoryStore(0), validation.TTLConfig{})
	executor := NewExecutor(registry, excRepo, tracker)
	l := limiter.New(lim)
	sink := &recordingSink{}
	events := &recordingPublisher{}

	svc := NewService(Deps{
		Validator:  validation.NewService(excRepo, cache, validation.Limits{}),
		Tracker:    tracker,
		Exceptions: excRepo,
		Executor:   executor,
		Limiter:    l,
		Publisher:  events,
		Audit:      sink,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
	})
	return &harness{
		svc:      svc,
		executor: executor,
		limiter:  l,
		excRepo:  excRepo,
		tracker:  tracker,
		sink:     sink,
		events:   events,
	}
}

func orderException(tx string) domain.InterfaceException {
	return domain.InterfaceException{
		TransactionID: tx,
		InterfaceType: domain.InterfaceTypeOrder,
		Operation:     "CREATE_ORDER",
		Status:        domain.StatusNew,
		Retryable:     true,
		MaxRetries:    3,
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.executor.Shutdown(ctx); err != nil {
		t.Fatalf("executor did not drain: %v", err)
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestService_RetrySucceeds(t *testing.T) {
	h := newHarness(t, &gatedClient{submitted: true}, limiter.Config{}, orderException("TXN-1"))
	ctx := auth.WithUser(context.Background(), "alice")

	res := h.svc.RetryException(ctx, "TXN-1", "downstream fixed", "")
	if !res.Success || res.AttemptNumber != 1 || res.Status != string(domain.RetryStatusPending) {
		t.Fatalf("unexpected result: %+v", res)
	}
	h.waitIdle(t)

	latest, _ := h.tracker.Latest(ctx, "TXN-1")
	if latest.Status != domain.RetryStatusSuccess || latest.InitiatedBy != "alice" {
		t.Errorf("expected SUCCESS by alice, got %+v", latest)
	}
	exc, _ := h.excRepo.FindByTransactionID(ctx, "TXN-1")
	if exc.Status != domain.StatusRetriedSuccess {
		t.Errorf("expected RETRIED_SUCCESS, got %s", exc.Status)
	}
}

func TestService_RetryFailureRecordsFailedAttempt(t *testing.T) {
	h := newHarness(t, &gatedClient{submitted: false}, limiter.Config{}, orderException("TXN-2"))
	ctx := context.Background()

	if res := h.svc.RetryException(ctx, "TXN-2", "again", "ops"); !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	h.waitIdle(t)

	latest, _ := h.tracker.Latest(ctx, "TXN-2")
	if latest.Status != domain.RetryStatusFailed || latest.Result.StatusCode != 500 {
		t.Errorf("expected FAILED with status 500, got %+v", latest)
	}
	exc, _ := h.excRepo.FindByTransactionID(ctx, "TXN-2")
	if exc.Status != domain.StatusRetriedFailed {
		t.Errorf("expected RETRIED_FAILED, got %s", exc.Status)
	}
}

func TestService_RetryUnknownInterfaceTypeFailsAttempt(t *testing.T) {
	h := newHarness(t, nil, limiter.Config{}, orderException("TXN-3"))
	ctx := context.Background()

	if res := h.svc.RetryException(ctx, "TXN-3", "again", "ops"); !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	h.waitIdle(t)

	latest, _ := h.tracker.Latest(ctx, "TXN-3")
	if latest.Status != domain.RetryStatusFailed {
		t.Fatalf("expected FAILED, got %s", latest.Status)
	}
	if !strings.Contains(latest.Result.Message, "source configuration error") {
		t.Errorf("expected configuration error text, got %q", latest.Result.Message)
	}
}

func TestService_ConcurrentRetriesExactlyOneSucceeds(t *testing.T) {
	client := &gatedClient{gate: make(chan struct{}), submitted: true}
	h := newHarness(t, client, limiter.Config{MaxSystem: 50, MaxPerUser: 5}, orderException("TXN-4"))

	const n = 10
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := auth.WithUser(context.Background(), fmt.Sprintf("user-%d", i))
			results[i] = h.svc.RetryException(ctx, "TXN-4", "race", "")
		}(i)
	}
	wg.Wait()
	close(client.gate)
	h.waitIdle(t)

	successes := 0
	for _, r := range results {
		if r.Success {
			successes++
			continue
		}
		if r.Code != validation.CodePendingRetryExists {
			t.Errorf("expected %s for losers, got %+v", validation.CodePendingRetryExists, r)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}

	history, _ := h.tracker.History(context.Background(), "TXN-4")
	if len(history) != 1 || history[0].AttemptNumber != 1 {
		t.Errorf("expected a single attempt numbered 1, got %d attempts", len(history))
	}
}

func TestService_RetryRechecksStatusBehindCachedVerdict(t *testing.T) {
	client := &gatedClient{submitted: true}
	h := newHarness(t, client, limiter.Config{}, orderException("TXN-10"))
	ctx := context.Background()

	// Cache a valid retry verdict, then resolve without invalidating it.
	if v := h.svc.validator.ValidateRetry(ctx, "TXN-10"); !v.Valid {
		t.Fatalf("expected retry to be valid, got %+v", v.Errors)
	}
	if r := h.svc.ResolveException(ctx, "TXN-10", "erin", "fixed by hand"); !r.Success {
		t.Fatalf("unexpected resolve result: %+v", r)
	}

	r := h.svc.RetryException(ctx, "TXN-10", "again", "ops")
	if r.Success || r.Code != validation.CodeInvalidStatusForRetry {
		t.Fatalf("expected %s, got %+v", validation.CodeInvalidStatusForRetry, r)
	}
	h.waitIdle(t)

	client.mu.Lock()
	calls := client.calls
	client.mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no submission, got %d", calls)
	}
	exc, _ := h.excRepo.FindByTransactionID(ctx, "TXN-10")
	if exc.Status != domain.StatusResolved || exc.RetryCount != 0 {
		t.Errorf("expected RESOLVED with no retries, got %s / %d", exc.Status, exc.RetryCount)
	}
	if history, _ := h.tracker.History(ctx, "TXN-10"); len(history) != 0 {
		t.Errorf("expected no attempts, got %d", len(history))
	}
}

func TestService_RetryAfterShutdownFailsAttempt(t *testing.T) {
	h := newHarness(t, &gatedClient{submitted: true}, limiter.Config{}, orderException("TXN-11"))
	ctx := context.Background()
	h.waitIdle(t)

	r := h.svc.RetryException(ctx, "TXN-11", "again", "ops")
	if r.Success || r.Code != CodeInternalError {
		t.Fatalf("expected %s, got %+v", CodeInternalError, r)
	}

	latest, err := h.tracker.Latest(ctx, "TXN-11")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Status != domain.RetryStatusFailed {
		t.Errorf("expected FAILED attempt, got %s", latest.Status)
	}
	if !strings.Contains(latest.Result.ErrorDetails, ErrExecutorClosed.Error()) {
		t.Errorf("expected dispatch error in details, got %q", latest.Result.ErrorDetails)
	}

	// The settled attempt does not block the next one.
	r = h.svc.RetryException(ctx, "TXN-11", "again", "ops")
	if r.Code == validation.CodePendingRetryExists {
		t.Errorf("expected no pending attempt, got %+v", r)
	}
}

// =============================================================================
// Permit Tests
// =============================================================================

func TestService_PermitReleasedOnEveryPath(t *testing.T) {
	h := newHarness(t, &gatedClient{submitted: true}, limiter.Config{MaxSystem: 1, MaxPerUser: 1},
		orderException("TXN-5"))
	ctx := auth.WithUser(context.Background(), "bob")

	results := []Result{
		h.svc.AcknowledgeException(ctx, "MISSING", "", ""),
		h.svc.RetryException(ctx, "bad id!", "r", ""),
		h.svc.RetryException(ctx, "TXN-5", "", ""),
		h.svc.CancelRetry(ctx, "TXN-5", ""),
		h.svc.AcknowledgeException(ctx, "TXN-5", "", "looking"),
	}
	for i, r := range results[:4] {
		if r.Success {
			t.Errorf("call %d: expected failure, got %+v", i, r)
		}
	}
	if !results[4].Success {
		t.Errorf("expected acknowledge to succeed, got %+v", results[4])
	}

	panicky := Chain(func(ctx context.Context, req Request) Result {
		panic("boom")
	}, Recover(h.svc.logger), Permit(h.limiter))
	if r := panicky(ctx, Request{Operation: validation.OpRetry}); r.Code != CodeInternalError {
		t.Errorf("expected %s, got %+v", CodeInternalError, r)
	}

	if st := h.limiter.Stats(); st.ActiveOperations != 0 || st.ActiveUsers != 0 {
		t.Errorf("expected all permits released, got %+v", st)
	}
	if h.sink.count() != len(results) {
		t.Errorf("expected %d audit records, got %d", len(results), h.sink.count())
	}
}

func TestService_LimitExceeded(t *testing.T) {
	h := newHarness(t, &gatedClient{submitted: true}, limiter.Config{MaxSystem: 5, MaxPerUser: 1},
		orderException("TXN-6"))
	ctx := auth.WithUser(context.Background(), "carol")

	held, err := h.limiter.Acquire(ctx, "manual")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer held.Release()

	r := h.svc.AcknowledgeException(ctx, "TXN-6", "", "")
	if r.Code != CodeUserLimitExceeded {
		t.Errorf("expected %s, got %+v", CodeUserLimitExceeded, r)
	}
}

// =============================================================================
// Status and Cancel Tests
// =============================================================================

func TestService_AcknowledgeThenResolve(t *testing.T) {
	h := newHarness(t, nil, limiter.Config{}, orderException("TXN-7"))
	ctx := context.Background()

	if r := h.svc.AcknowledgeException(ctx, "TXN-7", "dave", "on it"); !r.Success || r.Status != string(domain.StatusAcknowledged) {
		t.Fatalf("unexpected acknowledge result: %+v", r)
	}
	if r := h.svc.AcknowledgeException(ctx, "TXN-7", "dave", ""); r.Code != validation.CodeInvalidStatusTransition {
		t.Errorf("expected second acknowledge to fail, got %+v", r)
	}
	if r := h.svc.ResolveException(ctx, "TXN-7", "erin", "fixed upstream"); !r.Success {
		t.Fatalf("unexpected resolve result: %+v", r)
	}

	exc, _ := h.excRepo.FindByTransactionID(ctx, "TXN-7")
	if exc.AcknowledgedBy != "dave" || exc.ResolvedBy != "erin" || exc.ResolvedAt == nil {
		t.Errorf("expected stamps, got %+v", exc)
	}
	history, _ := h.excRepo.StatusHistory(ctx, "TXN-7")
	if len(history) != 2 {
		t.Fatalf("expected 2 status changes, got %d", len(history))
	}
	if history[0].Reason != "manual acknowledge" || history[1].Reason != "manual resolve" {
		t.Errorf("expected manual reasons, got %q and %q", history[0].Reason, history[1].Reason)
	}

	changes := h.events.statusChanges()
	if len(changes) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(changes))
	}
	for _, ev := range changes {
		if ev.Reason == "" {
			t.Errorf("expected reason on %s -> %s event", ev.FromStatus, ev.ToStatus)
		}
	}
	if changes[1].Notes != "fixed upstream" {
		t.Errorf("expected resolve notes on event, got %q", changes[1].Notes)
	}
}

func TestService_CancelInFlightRetry(t *testing.T) {
	client := &gatedClient{gate: make(chan struct{}), submitted: true}
	h := newHarness(t, client, limiter.Config{}, orderException("TXN-8"))
	ctx := context.Background()

	if r := h.svc.RetryException(ctx, "TXN-8", "again", "ops"); !r.Success {
		t.Fatalf("retry failed: %+v", r)
	}
	r := h.svc.CancelRetry(ctx, "TXN-8", "ops")
	if !r.Success || r.Status != string(domain.RetryStatusCancelled) {
		t.Fatalf("unexpected cancel result: %+v", r)
	}

	close(client.gate)
	h.waitIdle(t)

	latest, _ := h.tracker.Latest(ctx, "TXN-8")
	if latest.Status != domain.RetryStatusCancelled {
		t.Errorf("expected attempt to stay CANCELLED, got %s", latest.Status)
	}
	exc, _ := h.excRepo.FindByTransactionID(ctx, "TXN-8")
	if exc.Status != domain.StatusNew {
		t.Errorf("expected exception status untouched, got %s", exc.Status)
	}
}

func TestService_CancelWithoutAttempts(t *testing.T) {
	h := newHarness(t, nil, limiter.Config{}, orderException("TXN-9"))
	r := h.svc.CancelRetry(context.Background(), "TXN-9", "ops")
	if r.Code != validation.CodeNoPendingRetryToCancel {
		t.Errorf("expected %s, got %+v", validation.CodeNoPendingRetryToCancel, r)
	}
}
