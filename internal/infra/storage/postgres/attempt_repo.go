package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

const attemptColumns = `transaction_id, attempt_number, status, initiated_by, reason, initiated_at,
	completed_at, result_success, result_status_code, result_message, result_error_details, result_duration_ms`

type attemptRow struct {
	TransactionID      string       `db:"transaction_id"`
	AttemptNumber      int          `db:"attempt_number"`
	Status             string       `db:"status"`
	InitiatedBy        string       `db:"initiated_by"`
	Reason             string       `db:"reason"`
	InitiatedAt        time.Time    `db:"initiated_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
	ResultSuccess      bool         `db:"result_success"`
	ResultStatusCode   int          `db:"result_status_code"`
	ResultMessage      string       `db:"result_message"`
	ResultErrorDetails string       `db:"result_error_details"`
	ResultDurationMs   int64        `db:"result_duration_ms"`
}

func (r attemptRow) toDomain() *domain.RetryAttempt {
	return &domain.RetryAttempt{
		TransactionID: r.TransactionID,
		AttemptNumber: r.AttemptNumber,
		Status:        domain.RetryStatus(r.Status),
		InitiatedBy:   r.InitiatedBy,
		Reason:        r.Reason,
		InitiatedAt:   r.InitiatedAt,
		CompletedAt:   nullTimePtr(r.CompletedAt),
		Result: domain.AttemptResult{
			Success:      r.ResultSuccess,
			StatusCode:   r.ResultStatusCode,
			Message:      r.ResultMessage,
			ErrorDetails: r.ResultErrorDetails,
			Duration:     time.Duration(r.ResultDurationMs) * time.Millisecond,
		},
	}
}

// AttemptRepo implements storage.AttemptRepository using PostgreSQL.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// CreateNext locks the exception row, re-checks that it is retryable from its
// current status, checks the active-attempt and retry limit rules, then inserts
// attempt max+1 and bumps retry_count.
func (r *AttemptRepo) CreateNext(
	ctx context.Context,
	transactionID, initiatedBy, reason string,
	at time.Time,
) (*domain.RetryAttempt, error) {
	var created *domain.RetryAttempt
	err := r.db.inUnitOfWork(ctx, func(tx *sqlx.Tx) error {
		var locked struct {
			Status     string `db:"status"`
			Retryable  bool   `db:"retryable"`
			RetryCount int    `db:"retry_count"`
			MaxRetries int    `db:"max_retries"`
		}
		err := tx.GetContext(ctx, &locked, `
SELECT status, retryable, retry_count, max_retries FROM interface_exceptions
WHERE transaction_id = $1
FOR UPDATE`, transactionID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrExceptionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock exception: %w", err)
		}
		if !locked.Retryable {
			return storage.ErrNotRetryable
		}
		if !domain.ExceptionStatus(locked.Status).AllowsRetry() {
			return storage.ErrStatusNotRetryable
		}

		var counts struct {
			MaxNumber int `db:"max_number"`
			Active    int `db:"active"`
		}
		err = tx.GetContext(ctx, &counts, `
SELECT COALESCE(MAX(attempt_number), 0) AS max_number,
	COUNT(*) FILTER (WHERE status IN ('PENDING', 'IN_PROGRESS')) AS active
FROM retry_attempts
WHERE transaction_id = $1`, transactionID)
		if err != nil {
			return fmt.Errorf("failed to count attempts: %w", err)
		}
		if counts.Active > 0 {
			return storage.ErrActiveAttemptExists
		}
		if locked.RetryCount >= locked.MaxRetries {
			return storage.ErrRetryLimitReached
		}

		var row attemptRow
		err = tx.GetContext(ctx, &row, `
INSERT INTO retry_attempts (transaction_id, attempt_number, status, initiated_by, reason, initiated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+attemptColumns,
			transactionID, counts.MaxNumber+1, string(domain.RetryStatusPending), initiatedBy, reason, at,
		)
		if isUniqueViolation(err) {
			return storage.ErrActiveAttemptExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
UPDATE interface_exceptions
SET retry_count = retry_count + 1, last_retry_at = $2, updated_at = $2
WHERE transaction_id = $1`, transactionID, at)
		if err != nil {
			return fmt.Errorf("failed to increment retry count: %w", err)
		}

		created = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get retrieves one attempt.
func (r *AttemptRepo) Get(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
) (*domain.RetryAttempt, error) {
	var row attemptRow
	err := r.db.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM retry_attempts
WHERE transaction_id = $1 AND attempt_number = $2`, transactionID, attemptNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return row.toDomain(), nil
}

// Latest retrieves the attempt with the highest number.
func (r *AttemptRepo) Latest(ctx context.Context, transactionID string) (*domain.RetryAttempt, error) {
	var row attemptRow
	err := r.db.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM retry_attempts
WHERE transaction_id = $1
ORDER BY attempt_number DESC
LIMIT 1`, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return row.toDomain(), nil
}

// List retrieves all attempts of an exception ordered by number.
func (r *AttemptRepo) List(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, error) {
	var rows []attemptRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+attemptColumns+` FROM retry_attempts
WHERE transaction_id = $1
ORDER BY attempt_number`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return toAttempts(rows), nil
}

// Transition is a compare-and-set on the attempt status.
func (r *AttemptRepo) Transition(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
	from []domain.RetryStatus,
	to domain.RetryStatus,
	result *domain.AttemptResult,
	at time.Time,
) (*domain.RetryAttempt, error) {
	var completedAt sql.NullTime
	if to.IsTerminal() {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}
	var (
		success    sql.NullBool
		statusCode sql.NullInt64
		message    sql.NullString
		details    sql.NullString
		durationMs sql.NullInt64
	)
	if result != nil {
		success = sql.NullBool{Bool: result.Success, Valid: true}
		statusCode = sql.NullInt64{Int64: int64(result.StatusCode), Valid: true}
		message = sql.NullString{String: result.Message, Valid: true}
		details = sql.NullString{String: result.ErrorDetails, Valid: true}
		durationMs = sql.NullInt64{Int64: result.Duration.Milliseconds(), Valid: true}
	}

	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	query, args, err := sqlx.In(`
UPDATE retry_attempts SET
	status = ?,
	completed_at = COALESCE(?, completed_at),
	result_success = COALESCE(?, result_success),
	result_status_code = COALESCE(?, result_status_code),
	result_message = COALESCE(?, result_message),
	result_error_details = COALESCE(?, result_error_details),
	result_duration_ms = COALESCE(?, result_duration_ms)
WHERE transaction_id = ? AND attempt_number = ? AND status IN (?)
RETURNING `+attemptColumns,
		string(to), completedAt, success, statusCode, message, details, durationMs,
		transactionID, attemptNumber, fromStatuses,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transition query: %w", err)
	}

	var row attemptRow
	err = r.db.GetContext(ctx, &row, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.Get(ctx, transactionID, attemptNumber)
		if getErr != nil {
			return nil, getErr
		}
		return current, storage.ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition attempt: %w", err)
	}
	return row.toDomain(), nil
}

// ListStale returns active attempts initiated before the given time, oldest first.
func (r *AttemptRepo) ListStale(
	ctx context.Context,
	before time.Time,
	limit int,
) ([]*domain.RetryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []attemptRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+attemptColumns+` FROM retry_attempts
WHERE status IN ('PENDING', 'IN_PROGRESS') AND initiated_at < $1
ORDER BY initiated_at
LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	return toAttempts(rows), nil
}

func toAttempts(rows []attemptRow) []*domain.RetryAttempt {
	out := make([]*domain.RetryAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
