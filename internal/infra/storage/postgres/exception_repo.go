package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

const exceptionColumns = `transaction_id, external_id, interface_type, operation, status, severity,
	retryable, retry_count, max_retries, customer_id, exception_reason, occurred_at,
	created_at, updated_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by, last_retry_at`

// projectionQuery selects the fields mutation validation needs, with attempt counts.
const projectionQuery = `
SELECT e.transaction_id, e.status, e.retryable, e.retry_count, e.max_retries,
	(SELECT COUNT(*) FROM retry_attempts a WHERE a.transaction_id = e.transaction_id) AS total_attempts,
	(SELECT COUNT(*) FROM retry_attempts a WHERE a.transaction_id = e.transaction_id
		AND a.status IN ('PENDING', 'IN_PROGRESS')) AS active_attempts
FROM interface_exceptions e`

type exceptionRow struct {
	TransactionID   string       `db:"transaction_id"`
	ExternalID      string       `db:"external_id"`
	InterfaceType   string       `db:"interface_type"`
	Operation       string       `db:"operation"`
	Status          string       `db:"status"`
	Severity        string       `db:"severity"`
	Retryable       bool         `db:"retryable"`
	RetryCount      int          `db:"retry_count"`
	MaxRetries      int          `db:"max_retries"`
	CustomerID      string       `db:"customer_id"`
	ExceptionReason string       `db:"exception_reason"`
	OccurredAt      time.Time    `db:"occurred_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	AcknowledgedAt  sql.NullTime `db:"acknowledged_at"`
	AcknowledgedBy  string       `db:"acknowledged_by"`
	ResolvedAt      sql.NullTime `db:"resolved_at"`
	ResolvedBy      string       `db:"resolved_by"`
	LastRetryAt     sql.NullTime `db:"last_retry_at"`
}

func (r exceptionRow) toDomain() *domain.InterfaceException {
	return &domain.InterfaceException{
		TransactionID:   r.TransactionID,
		ExternalID:      r.ExternalID,
		InterfaceType:   domain.InterfaceType(r.InterfaceType),
		Operation:       r.Operation,
		Status:          domain.ExceptionStatus(r.Status),
		Severity:        domain.Severity(r.Severity),
		Retryable:       r.Retryable,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		CustomerID:      r.CustomerID,
		ExceptionReason: r.ExceptionReason,
		Timestamp:       r.OccurredAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		AcknowledgedAt:  nullTimePtr(r.AcknowledgedAt),
		AcknowledgedBy:  r.AcknowledgedBy,
		ResolvedAt:      nullTimePtr(r.ResolvedAt),
		ResolvedBy:      r.ResolvedBy,
		LastRetryAt:     nullTimePtr(r.LastRetryAt),
	}
}

// ExceptionRepo implements storage.ExceptionRepository using PostgreSQL.
type ExceptionRepo struct {
	db *DB
}

// NewExceptionRepo creates a new PostgreSQL exception repository.
func NewExceptionRepo(db *DB) *ExceptionRepo {
	return &ExceptionRepo{db: db}
}

// Create inserts a new exception.
func (r *ExceptionRepo) Create(ctx context.Context, exc *domain.InterfaceException) error {
	now := time.Now()
	createdAt := exc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	occurredAt := exc.Timestamp
	if occurredAt.IsZero() {
		occurredAt = now
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO interface_exceptions (`+exceptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		exc.TransactionID, exc.ExternalID, string(exc.InterfaceType), exc.Operation,
		string(exc.Status), string(exc.Severity), exc.Retryable, exc.RetryCount, exc.MaxRetries,
		exc.CustomerID, exc.ExceptionReason, occurredAt, createdAt, now,
		toNullTime(exc.AcknowledgedAt), exc.AcknowledgedBy, toNullTime(exc.ResolvedAt), exc.ResolvedBy,
		toNullTime(exc.LastRetryAt),
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateException
	}
	if err != nil {
		return fmt.Errorf("failed to create exception: %w", err)
	}
	return nil
}

// FindByTransactionID retrieves an exception by transaction id.
func (r *ExceptionRepo) FindByTransactionID(
	ctx context.Context,
	transactionID string,
) (*domain.InterfaceException, error) {
	var row exceptionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+exceptionColumns+` FROM interface_exceptions WHERE transaction_id = $1`, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrExceptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exception: %w", err)
	}
	return row.toDomain(), nil
}

// Exists reports whether an exception is stored.
func (r *ExceptionRepo) Exists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM interface_exceptions WHERE transaction_id = $1)`, transactionID)
	if err != nil {
		return false, fmt.Errorf("failed to check exception existence: %w", err)
	}
	return exists, nil
}

// ValidationProjection reads the validation fields for one exception.
func (r *ExceptionRepo) ValidationProjection(
	ctx context.Context,
	transactionID string,
) (*domain.ValidationProjection, error) {
	var p domain.ValidationProjection
	err := r.db.GetContext(ctx, &p, projectionQuery+` WHERE e.transaction_id = $1`, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrExceptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation projection: %w", err)
	}
	return &p, nil
}

// BatchProjections reads projections for many ids with a single query.
// Results follow the order of transactionIDs; missing ids are skipped.
func (r *ExceptionRepo) BatchProjections(
	ctx context.Context,
	transactionIDs []string,
) ([]domain.ValidationProjection, error) {
	if len(transactionIDs) == 0 {
		return nil, nil
	}
	metrics.DBBatchSize.WithLabelValues("batch_projections").Observe(float64(len(transactionIDs)))

	query, args, err := sqlx.In(projectionQuery+` WHERE e.transaction_id IN (?)`, transactionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}

	var rows []domain.ValidationProjection
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get batch projections: %w", err)
	}

	byID := make(map[string]domain.ValidationProjection, len(rows))
	for _, p := range rows {
		byID[p.TransactionID] = p
	}
	out := make([]domain.ValidationProjection, 0, len(rows))
	for _, id := range transactionIDs {
		if p, ok := byID[id]; ok {
			out = append(out, p)
			delete(byID, id)
		}
	}
	return out, nil
}

// UpdateStatus applies change when the stored status equals change.From and
// records it in the status history, in one transaction.
func (r *ExceptionRepo) UpdateStatus(
	ctx context.Context,
	change domain.StatusChange,
) (*domain.InterfaceException, error) {
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now()
	}
	acknowledge := change.To == domain.StatusAcknowledged
	resolve := change.To == domain.StatusResolved || change.To == domain.StatusRetriedSuccess

	var updated *domain.InterfaceException
	err := r.db.inUnitOfWork(ctx, func(tx *sqlx.Tx) error {
		var row exceptionRow
		err := tx.GetContext(ctx, &row, `
UPDATE interface_exceptions SET
	status = $1,
	updated_at = $2,
	acknowledged_at = CASE WHEN $3::boolean THEN $2 ELSE acknowledged_at END,
	acknowledged_by = CASE WHEN $3::boolean THEN $4 ELSE acknowledged_by END,
	resolved_at = CASE WHEN $5::boolean THEN $2 ELSE resolved_at END,
	resolved_by = CASE WHEN $5::boolean THEN $4 ELSE resolved_by END
WHERE transaction_id = $6 AND status = $7
RETURNING `+exceptionColumns,
			string(change.To), change.ChangedAt, acknowledge, change.ChangedBy, resolve,
			change.TransactionID, string(change.From),
		)
		if errors.Is(err, sql.ErrNoRows) {
			var current exceptionRow
			err := tx.GetContext(ctx, &current,
				`SELECT `+exceptionColumns+` FROM interface_exceptions WHERE transaction_id = $1`,
				change.TransactionID)
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrExceptionNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read exception: %w", err)
			}
			updated = current.toDomain()
			return storage.ErrStatusConflict
		}
		if err != nil {
			return fmt.Errorf("failed to update exception status: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO exception_status_changes (transaction_id, from_status, to_status, changed_by, changed_at, reason, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			change.TransactionID, string(change.From), string(change.To), change.ChangedBy,
			change.ChangedAt, change.Reason, change.Notes,
		)
		if err != nil {
			return fmt.Errorf("failed to record status change: %w", err)
		}
		updated = row.toDomain()
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return updated, err
		}
		return nil, err
	}
	return updated, nil
}

// StatusHistory returns status changes oldest first.
func (r *ExceptionRepo) StatusHistory(
	ctx context.Context,
	transactionID string,
) ([]domain.StatusChange, error) {
	var rows []struct {
		TransactionID string    `db:"transaction_id"`
		From          string    `db:"from_status"`
		To            string    `db:"to_status"`
		ChangedBy     string    `db:"changed_by"`
		ChangedAt     time.Time `db:"changed_at"`
		Reason        string    `db:"reason"`
		Notes         string    `db:"notes"`
	}
	err := r.db.SelectContext(ctx, &rows, `
SELECT transaction_id, from_status, to_status, changed_by, changed_at, reason, notes
FROM exception_status_changes
WHERE transaction_id = $1
ORDER BY changed_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}

	out := make([]domain.StatusChange, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.StatusChange{
			TransactionID: row.TransactionID,
			From:          domain.ExceptionStatus(row.From),
			To:            domain.ExceptionStatus(row.To),
			ChangedBy:     row.ChangedBy,
			ChangedAt:     row.ChangedAt,
			Reason:        row.Reason,
			Notes:         row.Notes,
		})
	}
	return out, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
