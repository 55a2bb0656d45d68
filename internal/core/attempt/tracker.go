package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

var (
	// ErrActiveAttemptExists is returned by Start while another attempt is PENDING or IN_PROGRESS.
	ErrActiveAttemptExists = storage.ErrActiveAttemptExists

	// ErrRetryLimitReached is returned by Start when retry_count has reached max_retries.
	ErrRetryLimitReached = storage.ErrRetryLimitReached

	// ErrNotRetryable is returned by Start when the exception is flagged as not retryable.
	ErrNotRetryable = storage.ErrNotRetryable

	// ErrStatusNotRetryable is returned by Start when the exception status does not allow a retry.
	ErrStatusNotRetryable = storage.ErrStatusNotRetryable

	// ErrAttemptCancelled is returned when an update finds the attempt already cancelled.
	// Callers completing an attempt treat it as a no-op.
	ErrAttemptCancelled = errors.New("retry attempt was cancelled")

	// ErrNoActiveAttempt is returned by Cancel when nothing is in flight.
	ErrNoActiveAttempt = errors.New("no active retry attempt")
)

// statusUpdateRetries bounds the compare-and-set loop on the exception status.
const statusUpdateRetries = 3

// Publisher receives domain events after a change has been stored.
type Publisher interface {
	Publish(event domain.Event)
}

// Tracker drives retry attempts through their state machine and keeps the
// owning exception in step.
type Tracker struct {
	attempts   storage.AttemptRepository
	exceptions storage.ExceptionRepository
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker creates a tracker. A nil publisher discards events.
func NewTracker(
	attempts storage.AttemptRepository,
	exceptions storage.ExceptionRepository,
	publisher Publisher,
) *Tracker {
	if publisher == nil {
		publisher = discard{}
	}
	return &Tracker{
		attempts:   attempts,
		exceptions: exceptions,
		publisher:  publisher,
		logger:     slog.Default().With("component", "attempt_tracker"),
		now:        time.Now,
	}
}

// Start records the next attempt in PENDING and increments the retry count.
func (t *Tracker) Start(
	ctx context.Context,
	transactionID, initiatedBy, reason string,
) (*domain.RetryAttempt, error) {
	a, err := t.attempts.CreateNext(ctx, transactionID, initiatedBy, reason, t.now())
	if err != nil {
		return nil, err
	}

	t.logger.Info("Retry attempt started",
		"transaction_id", transactionID,
		"attempt", a.AttemptNumber,
		"initiated_by", initiatedBy,
	)
	t.publisher.Publish(domain.RetryAttemptStarted{
		TransactionID: transactionID,
		AttemptNumber: a.AttemptNumber,
		By:            initiatedBy,
		Reason:        reason,
		OccurredAt:    a.InitiatedAt,
	})
	return a, nil
}

// MarkInProgress moves a PENDING attempt to IN_PROGRESS.
func (t *Tracker) MarkInProgress(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
) (*domain.RetryAttempt, error) {
	return t.transition(ctx, transactionID, attemptNumber, domain.RetryStatusInProgress, nil)
}

// Complete settles an IN_PROGRESS attempt as SUCCESS or FAILED according to
// result.Success, then moves the exception to RETRIED_SUCCESS or RETRIED_FAILED.
// A completion that races a cancel returns ErrAttemptCancelled and changes nothing.
func (t *Tracker) Complete(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
	result domain.AttemptResult,
) (*domain.RetryAttempt, error) {
	to := domain.RetryStatusFailed
	if result.Success {
		to = domain.RetryStatusSuccess
	}

	a, err := t.transition(ctx, transactionID, attemptNumber, to, &result)
	if err != nil {
		return nil, err
	}

	target := domain.StatusRetriedFailed
	if result.Success {
		target = domain.StatusRetriedSuccess
	}
	if err := t.moveException(ctx, a, target); err != nil {
		t.logger.Error("Failed to update exception after retry",
			"transaction_id", transactionID,
			"attempt", attemptNumber,
			"error", err,
		)
	}

	errMsg := ""
	if !result.Success {
		errMsg = result.Message
	}
	t.publisher.Publish(domain.RetryAttemptCompleted{
		TransactionID: transactionID,
		AttemptNumber: attemptNumber,
		Status:        a.Status,
		Success:       result.Success,
		ErrorMessage:  errMsg,
		DurationMs:    result.Duration.Milliseconds(),
		OccurredAt:    t.now(),
	})
	return a, nil
}

// Abandon fails an attempt that never ran, e.g. because it could not be
// dispatched. PENDING attempts pass through IN_PROGRESS first so the state
// machine is unchanged.
func (t *Tracker) Abandon(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
	message string,
) (*domain.RetryAttempt, error) {
	_, err := t.MarkInProgress(ctx, transactionID, attemptNumber)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	return t.Complete(ctx, transactionID, attemptNumber, domain.AttemptResult{
		Success:      false,
		Message:      "retry attempt abandoned",
		ErrorDetails: message,
	})
}

// Cancel stops the latest active attempt.
func (t *Tracker) Cancel(
	ctx context.Context,
	transactionID, cancelledBy string,
) (*domain.RetryAttempt, error) {
	latest, err := t.attempts.Latest(ctx, transactionID)
	if errors.Is(err, storage.ErrAttemptNotFound) {
		return nil, ErrNoActiveAttempt
	}
	if err != nil {
		return nil, err
	}
	if !latest.Status.IsActive() {
		return nil, ErrNoActiveAttempt
	}

	result := domain.AttemptResult{
		Success: false,
		Message: fmt.Sprintf("cancelled by %s", cancelledBy),
	}
	a, err := t.transition(ctx, transactionID, latest.AttemptNumber, domain.RetryStatusCancelled, &result)
	if errors.Is(err, ErrAttemptCancelled) || errors.Is(err, ErrInvalidTransition) {
		// Settled between the read and the update.
		return nil, ErrNoActiveAttempt
	}
	if err != nil {
		return nil, err
	}

	t.logger.Info("Retry attempt cancelled",
		"transaction_id", transactionID,
		"attempt", a.AttemptNumber,
		"cancelled_by", cancelledBy,
	)
	t.publisher.Publish(domain.RetryAttemptCompleted{
		TransactionID: transactionID,
		AttemptNumber: a.AttemptNumber,
		Status:        domain.RetryStatusCancelled,
		Success:       false,
		ErrorMessage:  result.Message,
		OccurredAt:    t.now(),
	})
	return a, nil
}

// History returns every attempt ordered by number.
func (t *Tracker) History(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, error) {
	return t.attempts.List(ctx, transactionID)
}

// Latest returns the highest-numbered attempt.
func (t *Tracker) Latest(ctx context.Context, transactionID string) (*domain.RetryAttempt, error) {
	return t.attempts.Latest(ctx, transactionID)
}

// Stats summarizes the attempts of one exception.
type Stats struct {
	Total         int        `json:"total"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	Cancelled     int        `json:"cancelled"`
	Active        int        `json:"active"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Stats counts the attempts of transactionID by outcome.
func (t *Tracker) Stats(ctx context.Context, transactionID string) (Stats, error) {
	history, err := t.History(ctx, transactionID)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, a := range history {
		st.Total++
		switch a.Status {
		case domain.RetryStatusSuccess:
			st.Succeeded++
		case domain.RetryStatusFailed:
			st.Failed++
		case domain.RetryStatusCancelled:
			st.Cancelled++
		default:
			st.Active++
		}
		if st.LastAttemptAt == nil || a.InitiatedAt.After(*st.LastAttemptAt) {
			at := a.InitiatedAt
			st.LastAttemptAt = &at
		}
	}
	return st, nil
}

func (t *Tracker) transition(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
	to State,
	result *domain.AttemptResult,
) (*domain.RetryAttempt, error) {
	a, err := t.attempts.Transition(ctx, transactionID, attemptNumber, sourcesOf(to), to, result, t.now())
	if errors.Is(err, storage.ErrStatusConflict) {
		if a != nil && a.Status == domain.RetryStatusCancelled {
			return nil, ErrAttemptCancelled
		}
		current := State("")
		if a != nil {
			current = a.Status
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// moveException applies the post-retry exception status. Exceptions already
// RESOLVED or CLOSED are left alone.
func (t *Tracker) moveException(
	ctx context.Context,
	a *domain.RetryAttempt,
	to domain.ExceptionStatus,
) error {
	for i := 0; i < statusUpdateRetries; i++ {
		exc, err := t.exceptions.FindByTransactionID(ctx, a.TransactionID)
		if err != nil {
			return err
		}
		if exc.Status == domain.StatusResolved || exc.Status == domain.StatusClosed {
			return nil
		}

		change := domain.StatusChange{
			TransactionID: a.TransactionID,
			From:          exc.Status,
			To:            to,
			ChangedBy:     a.InitiatedBy,
			ChangedAt:     t.now(),
			Reason:        fmt.Sprintf("retry attempt %d %s", a.AttemptNumber, a.Status),
		}
		_, err = t.exceptions.UpdateStatus(ctx, change)
		if errors.Is(err, storage.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return err
		}

		t.publisher.Publish(domain.ExceptionStatusChanged{
			TransactionID: change.TransactionID,
			FromStatus:    change.From,
			ToStatus:      change.To,
			By:            change.ChangedBy,
			Reason:        change.Reason,
			OccurredAt:    change.ChangedAt,
		})
		return nil
	}
	return storage.ErrStatusConflict
}

type discard struct{}

func (discard) Publish(domain.Event) {}
