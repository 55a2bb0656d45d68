package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"unicode/utf8"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

var transactionIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-_]{1,50}$`)

// Limits bounds user-supplied input.
type Limits struct {
	MaxReasonLength int `yaml:"max_reason_length"`
	MaxNotesLength  int `yaml:"max_notes_length"`
	MaxBatchSize    int `yaml:"max_batch_size"`
}

// DefaultLimits returns the production input limits.
func DefaultLimits() Limits {
	return Limits{MaxReasonLength: 500, MaxNotesLength: 1000, MaxBatchSize: 100}
}

// Request is the input of a mutation to validate.
type Request struct {
	Operation     Operation
	TransactionID string
	Reason        string
	Notes         string
}

// Service decides whether a mutation may proceed, reading through the cache.
type Service struct {
	exceptions storage.ExceptionRepository
	cache      *Cache
	limits     Limits
	logger     *slog.Logger
}

// NewService creates a validation service. Zero limits take their defaults.
func NewService(exceptions storage.ExceptionRepository, cache *Cache, limits Limits) *Service {
	d := DefaultLimits()
	if limits.MaxReasonLength <= 0 {
		limits.MaxReasonLength = d.MaxReasonLength
	}
	if limits.MaxNotesLength <= 0 {
		limits.MaxNotesLength = d.MaxNotesLength
	}
	if limits.MaxBatchSize <= 0 {
		limits.MaxBatchSize = d.MaxBatchSize
	}
	return &Service{
		exceptions: exceptions,
		cache:      cache,
		limits:     limits,
		logger:     slog.Default().With("component", "validation"),
	}
}

// Cache returns the verdict cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// ValidateRequest checks the input format, then the operation checklist.
func (s *Service) ValidateRequest(ctx context.Context, req Request) Result {
	if r, bad := s.checkInput(req); bad {
		metrics.ValidationResults.WithLabelValues(string(req.Operation), r.codeLabel()).Inc()
		return r
	}
	return s.Validate(ctx, req.Operation, req.TransactionID)
}

func (s *Service) checkInput(req Request) (Result, bool) {
	op, tx := req.Operation, req.TransactionID
	switch {
	case !transactionIDPattern.MatchString(tx):
		return invalid(op, tx, CodeInvalidTransactionID,
			"transaction id must be 1-50 characters of letters, digits, '-' or '_'"), true
	case op == OpRetry && req.Reason == "":
		return invalid(op, tx, CodeMissingRequiredField, "reason is required for retry"), true
	case utf8.RuneCountInString(req.Reason) > s.limits.MaxReasonLength:
		return invalid(op, tx, CodeInvalidReasonLength,
			fmt.Sprintf("reason must be at most %d characters", s.limits.MaxReasonLength)), true
	case utf8.RuneCountInString(req.Notes) > s.limits.MaxNotesLength:
		return invalid(op, tx, CodeInvalidNotesLength,
			fmt.Sprintf("notes must be at most %d characters", s.limits.MaxNotesLength)), true
	}
	return Result{}, false
}

// Validate runs the checklist of op for the transaction.
func (s *Service) Validate(ctx context.Context, op Operation, transactionID string) Result {
	switch op {
	case OpRetry:
		return s.ValidateRetry(ctx, transactionID)
	case OpAcknowledge:
		return s.ValidateAcknowledge(ctx, transactionID)
	case OpResolve:
		return s.ValidateResolve(ctx, transactionID)
	case OpCancel:
		return s.ValidateCancel(ctx, transactionID)
	}
	r := invalid(op, transactionID, CodeInvalidOperationType, fmt.Sprintf("unknown operation type %q", op))
	metrics.ValidationResults.WithLabelValues("unknown", r.codeLabel()).Inc()
	return r
}

// ValidateRetry checks existence, retryability, status, retry budget and
// in-flight attempts, in that order.
func (s *Service) ValidateRetry(ctx context.Context, transactionID string) Result {
	return s.cached(ctx, OpRetry, transactionID, func(ctx context.Context, v *verdicts) (Result, error) {
		retryable, err := v.retryable(ctx)
		if err != nil {
			return Result{}, err
		}
		if !retryable {
			return invalid(OpRetry, transactionID, CodeNotRetryable, "exception is not retryable"), nil
		}

		st, err := v.status(ctx)
		if err != nil {
			return Result{}, err
		}
		if !statusIn(st, RetryableStatuses) {
			return invalid(OpRetry, transactionID, CodeInvalidStatusForRetry,
				fmt.Sprintf("cannot retry exception in status %s", st)), nil
		}

		p, err := v.projection(ctx)
		if err != nil {
			return Result{}, err
		}
		if p.RetryCount >= p.MaxRetries {
			return invalid(OpRetry, transactionID, CodeRetryLimitExceeded,
				fmt.Sprintf("retry limit reached (%d/%d)", p.RetryCount, p.MaxRetries)), nil
		}

		pending, err := v.pendingRetry(ctx)
		if err != nil {
			return Result{}, err
		}
		if pending {
			return invalid(OpRetry, transactionID, CodePendingRetryExists,
				"a retry is already pending or in progress"), nil
		}
		return valid(OpRetry, transactionID), nil
	})
}

// ValidateAcknowledge checks existence and status.
func (s *Service) ValidateAcknowledge(ctx context.Context, transactionID string) Result {
	return s.statusCheck(ctx, OpAcknowledge, transactionID, AcknowledgeableStatuses)
}

// ValidateResolve checks existence and status.
func (s *Service) ValidateResolve(ctx context.Context, transactionID string) Result {
	return s.statusCheck(ctx, OpResolve, transactionID, ResolvableStatuses)
}

func (s *Service) statusCheck(
	ctx context.Context,
	op Operation,
	transactionID string,
	allowed []domain.ExceptionStatus,
) Result {
	return s.cached(ctx, op, transactionID, func(ctx context.Context, v *verdicts) (Result, error) {
		st, err := v.status(ctx)
		if err != nil {
			return Result{}, err
		}
		if !statusIn(st, allowed) {
			return invalid(op, transactionID, CodeInvalidStatusTransition,
				fmt.Sprintf("cannot %s exception in status %s", op, st)), nil
		}
		return valid(op, transactionID), nil
	})
}

// ValidateCancel checks existence and that an attempt is in flight.
func (s *Service) ValidateCancel(ctx context.Context, transactionID string) Result {
	return s.cached(ctx, OpCancel, transactionID, func(ctx context.Context, v *verdicts) (Result, error) {
		p, err := v.projection(ctx)
		if err != nil {
			return Result{}, err
		}
		if p.TotalAttempts == 0 {
			return invalid(OpCancel, transactionID, CodeNoPendingRetryToCancel,
				"no retry has been attempted"), nil
		}
		if p.ActiveAttempts == 0 {
			return invalid(OpCancel, transactionID, CodeNoCancellableRetries,
				"no pending or in-progress retry to cancel"), nil
		}
		return valid(OpCancel, transactionID), nil
	})
}

// cached serves the composite verdict of op, running check on a miss once
// the exception is known to exist.
func (s *Service) cached(
	ctx context.Context,
	op Operation,
	transactionID string,
	check func(ctx context.Context, v *verdicts) (Result, error),
) Result {
	r, err := lookup(ctx, s.cache, OperationKey(op, transactionID), "operation", s.cache.ttl.Operation,
		func(ctx context.Context) (Result, error) {
			v := &verdicts{svc: s, tx: transactionID}
			exists, err := v.exists(ctx)
			if err != nil {
				return Result{}, err
			}
			if !exists {
				return notFound(op, transactionID), nil
			}
			r, err := check(ctx, v)
			if errors.Is(err, storage.ErrExceptionNotFound) {
				return notFound(op, transactionID), nil
			}
			return r, err
		})
	if err != nil {
		s.logger.Error("Validation failed to read exception state",
			"operation", op,
			"transaction_id", transactionID,
			"error", err,
		)
		r = invalid(op, transactionID, CodeValidationError, "unable to validate: "+err.Error())
	}
	metrics.ValidationResults.WithLabelValues(string(op), r.codeLabel()).Inc()
	return r
}

func notFound(op Operation, transactionID string) Result {
	return invalid(op, transactionID, CodeExceptionNotFound,
		fmt.Sprintf("exception not found for transaction %s", transactionID))
}

// verdicts reads per-transaction verdicts through the cache. The projection is
// read at most once per checklist run.
type verdicts struct {
	svc  *Service
	tx   string
	proj *domain.ValidationProjection
}

func (v *verdicts) projection(ctx context.Context) (*domain.ValidationProjection, error) {
	if v.proj != nil {
		return v.proj, nil
	}
	p, err := v.svc.exceptions.ValidationProjection(ctx, v.tx)
	if err != nil {
		return nil, err
	}
	v.proj = p
	return p, nil
}

func (v *verdicts) exists(ctx context.Context) (bool, error) {
	return verdict(ctx, v, KindExistence, func(ctx context.Context) (bool, error) {
		return v.svc.exceptions.Exists(ctx, v.tx)
	})
}

func (v *verdicts) retryable(ctx context.Context) (bool, error) {
	return verdict(ctx, v, KindRetryable, func(ctx context.Context) (bool, error) {
		p, err := v.projection(ctx)
		if err != nil {
			return false, err
		}
		return p.Retryable, nil
	})
}

func (v *verdicts) status(ctx context.Context) (domain.ExceptionStatus, error) {
	return verdict(ctx, v, KindStatus, func(ctx context.Context) (domain.ExceptionStatus, error) {
		p, err := v.projection(ctx)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	})
}

func (v *verdicts) pendingRetry(ctx context.Context) (bool, error) {
	return verdict(ctx, v, KindPendingRetry, func(ctx context.Context) (bool, error) {
		p, err := v.projection(ctx)
		if err != nil {
			return false, err
		}
		return p.ActiveAttempts > 0, nil
	})
}

func verdict[T any](
	ctx context.Context,
	v *verdicts,
	kind Kind,
	compute func(ctx context.Context) (T, error),
) (T, error) {
	c := v.svc.cache
	return lookup(ctx, c, VerdictKey(kind, v.tx), string(kind), c.ttl.forKind(kind), compute)
}
