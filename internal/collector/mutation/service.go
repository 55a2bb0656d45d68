package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/attempt"
	"github.com/vietddude/collector/internal/core/auth"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

// Deps are the collaborators of Service.
type Deps struct {
	Validator  *validation.Service
	Tracker    *attempt.Tracker
	Exceptions storage.ExceptionRepository
	Executor   *Executor
	Limiter    *limiter.Limiter
	Publisher  attempt.Publisher
	Audit      AuditSink
}

// Service is the entry point for operator mutations. Every call passes the
// same middleware chain before its handler runs.
type Service struct {
	validator  *validation.Service
	tracker    *attempt.Tracker
	exceptions storage.ExceptionRepository
	executor   *Executor
	publisher  attempt.Publisher
	logger     *slog.Logger

	retry       Handler
	acknowledge Handler
	resolve     Handler
	cancel      Handler
}

// NewService builds the service and its middleware chains.
func NewService(deps Deps) *Service {
	s := &Service{
		validator:  deps.Validator,
		tracker:    deps.Tracker,
		exceptions: deps.Exceptions,
		executor:   deps.Executor,
		publisher:  deps.Publisher,
		logger:     slog.Default().With("component", "mutation"),
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	sink := deps.Audit
	if sink == nil {
		sink = NewLogAuditSink()
	}

	mws := []Middleware{
		Recover(s.logger),
		Logging(s.logger),
		Metrics(),
		Audit(sink),
		Permit(deps.Limiter),
	}
	s.retry = Chain(s.handleRetry, mws...)
	s.acknowledge = Chain(s.handleAcknowledge, mws...)
	s.resolve = Chain(s.handleResolve, mws...)
	s.cancel = Chain(s.handleCancel, mws...)
	return s
}

// RetryException records a new attempt and dispatches it. The result reports
// the PENDING attempt; the outcome arrives later as events.
func (s *Service) RetryException(ctx context.Context, transactionID, reason, initiatedBy string) Result {
	return s.retry(ctx, Request{
		Operation:     validation.OpRetry,
		TransactionID: transactionID,
		Reason:        reason,
		By:            principal(ctx, initiatedBy),
	})
}

// AcknowledgeException moves the exception to ACKNOWLEDGED.
func (s *Service) AcknowledgeException(ctx context.Context, transactionID, by, notes string) Result {
	return s.acknowledge(ctx, Request{
		Operation:     validation.OpAcknowledge,
		TransactionID: transactionID,
		Notes:         notes,
		By:            principal(ctx, by),
	})
}

// ResolveException moves the exception to RESOLVED.
func (s *Service) ResolveException(ctx context.Context, transactionID, by, notes string) Result {
	return s.resolve(ctx, Request{
		Operation:     validation.OpResolve,
		TransactionID: transactionID,
		Notes:         notes,
		By:            principal(ctx, by),
	})
}

// CancelRetry cancels the latest active attempt.
func (s *Service) CancelRetry(ctx context.Context, transactionID, by string) Result {
	return s.cancel(ctx, Request{
		Operation:     validation.OpCancel,
		TransactionID: transactionID,
		By:            principal(ctx, by),
	})
}

func (s *Service) validate(ctx context.Context, req Request) (validation.Result, bool) {
	v := s.validator.ValidateRequest(ctx, validation.Request{
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
		Notes:         req.Notes,
	})
	return v, v.Valid
}

func (s *Service) handleRetry(ctx context.Context, req Request) Result {
	if v, ok := s.validate(ctx, req); !ok {
		return rejected(req, v)
	}

	a, err := s.tracker.Start(ctx, req.TransactionID, req.By, req.Reason)
	switch {
	case errors.Is(err, attempt.ErrActiveAttemptExists):
		return failure(req, validation.CodePendingRetryExists, "a retry is already pending or in progress")
	case errors.Is(err, attempt.ErrRetryLimitReached):
		return failure(req, validation.CodeRetryLimitExceeded, "retry limit reached")
	case errors.Is(err, attempt.ErrNotRetryable):
		return failure(req, validation.CodeNotRetryable, "exception is not retryable")
	case errors.Is(err, attempt.ErrStatusNotRetryable):
		return failure(req, validation.CodeInvalidStatusForRetry, "exception status does not allow a retry")
	case errors.Is(err, storage.ErrExceptionNotFound):
		return failure(req, validation.CodeExceptionNotFound, "exception not found for transaction "+req.TransactionID)
	case err != nil:
		return failure(req, CodeInternalError, "failed to record retry attempt: "+err.Error())
	}

	if err := s.executor.Dispatch(a); err != nil {
		s.logger.Error("Retry recorded but not dispatched",
			"transaction_id", a.TransactionID,
			"attempt", a.AttemptNumber,
			"error", err,
		)
		if _, aerr := s.tracker.Abandon(ctx, a.TransactionID, a.AttemptNumber, err.Error()); aerr != nil {
			s.logger.Error("Failed to abandon undispatched retry",
				"transaction_id", a.TransactionID,
				"attempt", a.AttemptNumber,
				"error", aerr,
			)
		}
		return failure(req, CodeInternalError, fmt.Sprintf("retry attempt %d could not be dispatched: %v", a.AttemptNumber, err))
	}
	return Result{
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		Success:       true,
		Message:       fmt.Sprintf("retry attempt %d started", a.AttemptNumber),
		AttemptNumber: a.AttemptNumber,
		Status:        string(a.Status),
	}
}

func (s *Service) handleAcknowledge(ctx context.Context, req Request) Result {
	return s.changeStatus(ctx, req, domain.StatusAcknowledged, validation.AcknowledgeableStatuses)
}

func (s *Service) handleResolve(ctx context.Context, req Request) Result {
	return s.changeStatus(ctx, req, domain.StatusResolved, validation.ResolvableStatuses)
}

// changeStatus re-reads the exception, since the verdict may be cached, and
// applies the change as a compare-and-set on the status it read.
func (s *Service) changeStatus(
	ctx context.Context,
	req Request,
	to domain.ExceptionStatus,
	allowed []domain.ExceptionStatus,
) Result {
	if v, ok := s.validate(ctx, req); !ok {
		return rejected(req, v)
	}

	exc, err := s.exceptions.FindByTransactionID(ctx, req.TransactionID)
	if errors.Is(err, storage.ErrExceptionNotFound) {
		return failure(req, validation.CodeExceptionNotFound, "exception not found for transaction "+req.TransactionID)
	}
	if err != nil {
		return failure(req, CodeInternalError, "failed to load exception: "+err.Error())
	}
	if !allowedStatus(exc.Status, allowed) {
		return failure(req, validation.CodeInvalidStatusTransition,
			fmt.Sprintf("cannot %s exception in status %s", req.Operation, exc.Status))
	}

	change := domain.StatusChange{
		TransactionID: req.TransactionID,
		From:          exc.Status,
		To:            to,
		ChangedBy:     req.By,
		ChangedAt:     time.Now(),
		Reason:        statusReason(req),
		Notes:         req.Notes,
	}
	updated, err := s.exceptions.UpdateStatus(ctx, change)
	if errors.Is(err, storage.ErrStatusConflict) {
		return failure(req, CodeConcurrentUpdate, "exception status changed concurrently, please retry")
	}
	if err != nil {
		return failure(req, CodeInternalError, "failed to update status: "+err.Error())
	}

	s.publisher.Publish(domain.ExceptionStatusChanged{
		TransactionID: req.TransactionID,
		FromStatus:    change.From,
		ToStatus:      change.To,
		By:            change.ChangedBy,
		Reason:        change.Reason,
		Notes:         change.Notes,
		OccurredAt:    change.ChangedAt,
	})
	return Result{
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		Success:       true,
		Message:       fmt.Sprintf("exception moved from %s to %s", change.From, updated.Status),
		Status:        string(updated.Status),
	}
}

func (s *Service) handleCancel(ctx context.Context, req Request) Result {
	if v, ok := s.validate(ctx, req); !ok {
		return rejected(req, v)
	}

	a, err := s.tracker.Cancel(ctx, req.TransactionID, req.By)
	if errors.Is(err, attempt.ErrNoActiveAttempt) {
		return failure(req, validation.CodeNoCancellableRetries, "no pending or in-progress retry to cancel")
	}
	if err != nil {
		return failure(req, CodeInternalError, "failed to cancel retry: "+err.Error())
	}
	return Result{
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		Success:       true,
		Message:       fmt.Sprintf("retry attempt %d cancelled", a.AttemptNumber),
		AttemptNumber: a.AttemptNumber,
		Status:        string(a.Status),
	}
}

func principal(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return auth.UserOrAnonymous(ctx)
}

// statusReason describes a manual status change for the history and events.
func statusReason(req Request) string {
	if req.Reason != "" {
		return req.Reason
	}
	return "manual " + string(req.Operation)
}

func allowedStatus(s domain.ExceptionStatus, set []domain.ExceptionStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
