package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

var (
	// ErrExceptionNotFound is returned when no exception exists for a transaction id
	ErrExceptionNotFound = errors.New("exception not found")

	// ErrDuplicateException is returned when creating an exception whose transaction id exists
	ErrDuplicateException = errors.New("exception already exists")

	// ErrAttemptNotFound is returned when a retry attempt doesn't exist
	ErrAttemptNotFound = errors.New("retry attempt not found")

	// ErrActiveAttemptExists is returned when an attempt is still PENDING or IN_PROGRESS
	ErrActiveAttemptExists = errors.New("an active retry attempt already exists")

	// ErrRetryLimitReached is returned when retry_count has reached max_retries
	ErrRetryLimitReached = errors.New("retry limit reached")

	// ErrNotRetryable is returned when the exception is flagged as not retryable
	ErrNotRetryable = errors.New("exception is not retryable")

	// ErrStatusNotRetryable is returned when the exception status does not allow a retry
	ErrStatusNotRetryable = errors.New("exception status does not allow a retry")

	// ErrStatusConflict is returned when a compare-and-set status update finds another status
	ErrStatusConflict = errors.New("status changed concurrently")
)

// ExceptionRepository handles interface exception storage operations
type ExceptionRepository interface {
	// Create stores a new exception
	Create(ctx context.Context, exc *domain.InterfaceException) error

	// FindByTransactionID retrieves an exception by its transaction id
	FindByTransactionID(ctx context.Context, transactionID string) (*domain.InterfaceException, error)

	// Exists reports whether an exception is stored for the transaction id
	Exists(ctx context.Context, transactionID string) (bool, error)

	// ValidationProjection reads only the fields mutation validation needs
	ValidationProjection(ctx context.Context, transactionID string) (*domain.ValidationProjection, error)

	// BatchProjections reads projections for many transaction ids in one query.
	// Ids with no stored exception are omitted from the result.
	BatchProjections(ctx context.Context, transactionIDs []string) ([]domain.ValidationProjection, error)

	// UpdateStatus applies a status change if the current status equals change.From.
	// It returns ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, change domain.StatusChange) (*domain.InterfaceException, error)

	// StatusHistory returns the recorded status changes, oldest first
	StatusHistory(ctx context.Context, transactionID string) ([]domain.StatusChange, error)
}

// AttemptRepository handles retry attempt storage operations
type AttemptRepository interface {
	// CreateNext appends attempt max+1 in PENDING and increments the exception retry count.
	// It fails with ErrNotRetryable, ErrStatusNotRetryable, ErrActiveAttemptExists or
	// ErrRetryLimitReached without writing anything.
	CreateNext(
		ctx context.Context,
		transactionID, initiatedBy, reason string,
		at time.Time,
	) (*domain.RetryAttempt, error)

	// Get retrieves one attempt
	Get(ctx context.Context, transactionID string, attemptNumber int) (*domain.RetryAttempt, error)

	// Latest retrieves the attempt with the highest number
	Latest(ctx context.Context, transactionID string) (*domain.RetryAttempt, error)

	// List retrieves all attempts ordered by attempt number
	List(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, error)

	// Transition moves an attempt to `to` if its current status is one of `from`.
	// On ErrStatusConflict the returned attempt holds the current state.
	Transition(
		ctx context.Context,
		transactionID string,
		attemptNumber int,
		from []domain.RetryStatus,
		to domain.RetryStatus,
		result *domain.AttemptResult,
		at time.Time,
	) (*domain.RetryAttempt, error)

	// ListStale returns active attempts initiated before the given time
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.RetryAttempt, error)
}

// StatusIn reports whether s is one of the given statuses.
func StatusIn(s domain.RetryStatus, set []domain.RetryStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
