package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/storage"
)

// MemoryStorage keeps exceptions, attempts and status history in process memory.
// A single mutex covers all maps so attempt numbering and the active-attempt
// check happen atomically with the retry count increment.
type MemoryStorage struct {
	exceptions map[string]*domain.InterfaceException
	attempts   map[string][]*domain.RetryAttempt
	history    map[string][]domain.StatusChange
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		exceptions: make(map[string]*domain.InterfaceException),
		attempts:   make(map[string][]*domain.RetryAttempt),
		history:    make(map[string][]domain.StatusChange),
	}
}

// -----------------------------------------------------------------------------
// Exception Repository
// -----------------------------------------------------------------------------

type ExceptionRepo struct {
	store *MemoryStorage
}

func NewExceptionRepo(store *MemoryStorage) *ExceptionRepo {
	return &ExceptionRepo{store: store}
}

func (r *ExceptionRepo) Create(ctx context.Context, exc *domain.InterfaceException) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.exceptions[exc.TransactionID]; ok {
		return storage.ErrDuplicateException
	}
	now := time.Now()
	cp := *exc
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = now
	}
	cp.UpdatedAt = now
	r.store.exceptions[exc.TransactionID] = &cp
	return nil
}

func (r *ExceptionRepo) FindByTransactionID(
	ctx context.Context,
	transactionID string,
) (*domain.InterfaceException, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	exc, ok := r.store.exceptions[transactionID]
	if !ok {
		return nil, storage.ErrExceptionNotFound
	}
	cp := *exc
	return &cp, nil
}

func (r *ExceptionRepo) Exists(ctx context.Context, transactionID string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.exceptions[transactionID]
	return ok, nil
}

func (r *ExceptionRepo) ValidationProjection(
	ctx context.Context,
	transactionID string,
) (*domain.ValidationProjection, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.projectionLocked(transactionID)
	if !ok {
		return nil, storage.ErrExceptionNotFound
	}
	return &p, nil
}

func (r *ExceptionRepo) BatchProjections(
	ctx context.Context,
	transactionIDs []string,
) ([]domain.ValidationProjection, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.ValidationProjection, 0, len(transactionIDs))
	for _, id := range transactionIDs {
		if p, ok := r.store.projectionLocked(id); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *ExceptionRepo) UpdateStatus(
	ctx context.Context,
	change domain.StatusChange,
) (*domain.InterfaceException, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	exc, ok := r.store.exceptions[change.TransactionID]
	if !ok {
		return nil, storage.ErrExceptionNotFound
	}
	if exc.Status != change.From {
		cp := *exc
		return &cp, storage.ErrStatusConflict
	}
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now()
	}
	at := change.ChangedAt
	exc.Status = change.To
	exc.UpdatedAt = at
	switch change.To {
	case domain.StatusAcknowledged:
		exc.AcknowledgedAt = &at
		exc.AcknowledgedBy = change.ChangedBy
	case domain.StatusResolved, domain.StatusRetriedSuccess:
		exc.ResolvedAt = &at
		exc.ResolvedBy = change.ChangedBy
	}
	r.store.history[change.TransactionID] = append(r.store.history[change.TransactionID], change)
	cp := *exc
	return &cp, nil
}

func (r *ExceptionRepo) StatusHistory(
	ctx context.Context,
	transactionID string,
) ([]domain.StatusChange, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return append([]domain.StatusChange(nil), r.store.history[transactionID]...), nil
}

func (s *MemoryStorage) projectionLocked(transactionID string) (domain.ValidationProjection, bool) {
	exc, ok := s.exceptions[transactionID]
	if !ok {
		return domain.ValidationProjection{}, false
	}
	p := domain.ValidationProjection{
		TransactionID: exc.TransactionID,
		Status:        exc.Status,
		Retryable:     exc.Retryable,
		RetryCount:    exc.RetryCount,
		MaxRetries:    exc.MaxRetries,
		TotalAttempts: len(s.attempts[transactionID]),
	}
	for _, a := range s.attempts[transactionID] {
		if a.Status.IsActive() {
			p.ActiveAttempts++
		}
	}
	return p, true
}

// -----------------------------------------------------------------------------
// Attempt Repository
// -----------------------------------------------------------------------------

type AttemptRepo struct {
	store *MemoryStorage
}

func NewAttemptRepo(store *MemoryStorage) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) CreateNext(
	ctx context.Context,
	transactionID, initiatedBy, reason string,
	at time.Time,
) (*domain.RetryAttempt, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	exc, ok := r.store.exceptions[transactionID]
	if !ok {
		return nil, storage.ErrExceptionNotFound
	}
	if !exc.Retryable {
		return nil, storage.ErrNotRetryable
	}
	if !exc.Status.AllowsRetry() {
		return nil, storage.ErrStatusNotRetryable
	}

	next := 1
	for _, a := range r.store.attempts[transactionID] {
		if a.Status.IsActive() {
			return nil, storage.ErrActiveAttemptExists
		}
		if a.AttemptNumber >= next {
			next = a.AttemptNumber + 1
		}
	}
	if !exc.HasRetriesLeft() {
		return nil, storage.ErrRetryLimitReached
	}

	attempt := &domain.RetryAttempt{
		TransactionID: transactionID,
		AttemptNumber: next,
		Status:        domain.RetryStatusPending,
		InitiatedBy:   initiatedBy,
		Reason:        reason,
		InitiatedAt:   at,
	}
	r.store.attempts[transactionID] = append(r.store.attempts[transactionID], attempt)

	exc.RetryCount++
	exc.LastRetryAt = &at
	exc.UpdatedAt = at

	cp := *attempt
	return &cp, nil
}

func (r *AttemptRepo) Get(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
) (*domain.RetryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a := r.store.findAttemptLocked(transactionID, attemptNumber)
	if a == nil {
		return nil, storage.ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AttemptRepo) Latest(ctx context.Context, transactionID string) (*domain.RetryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.RetryAttempt
	for _, a := range r.store.attempts[transactionID] {
		if latest == nil || a.AttemptNumber > latest.AttemptNumber {
			latest = a
		}
	}
	if latest == nil {
		return nil, storage.ErrAttemptNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *AttemptRepo) List(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.RetryAttempt, 0, len(r.store.attempts[transactionID]))
	for _, a := range r.store.attempts[transactionID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (r *AttemptRepo) Transition(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
	from []domain.RetryStatus,
	to domain.RetryStatus,
	result *domain.AttemptResult,
	at time.Time,
) (*domain.RetryAttempt, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a := r.store.findAttemptLocked(transactionID, attemptNumber)
	if a == nil {
		return nil, storage.ErrAttemptNotFound
	}
	if !storage.StatusIn(a.Status, from) {
		cp := *a
		return &cp, storage.ErrStatusConflict
	}
	a.Status = to
	if result != nil {
		a.Result = *result
	}
	if to.IsTerminal() {
		a.CompletedAt = &at
	}
	cp := *a
	return &cp, nil
}

func (r *AttemptRepo) ListStale(
	ctx context.Context,
	before time.Time,
	limit int,
) ([]*domain.RetryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RetryAttempt
	for _, list := range r.store.attempts {
		for _, a := range list {
			if a.Status.IsActive() && a.InitiatedAt.Before(before) {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) findAttemptLocked(transactionID string, attemptNumber int) *domain.RetryAttempt {
	for _, a := range s.attempts[transactionID] {
		if a.AttemptNumber == attemptNumber {
			return a
		}
	}
	return nil
}
