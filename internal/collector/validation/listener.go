package validation

import (
	"context"
	"log/slog"

	"github.com/vietddude/collector/internal/core/domain"
)

// Listener drops verdicts made stale by domain events.
type Listener struct {
	cache  *Cache
	events <-chan domain.Event
	logger *slog.Logger
}

// NewListener creates a listener consuming events.
func NewListener(cache *Cache, events <-chan domain.Event) *Listener {
	return &Listener{
		cache:  cache,
		events: events,
		logger: slog.Default().With("component", "invalidation_listener"),
	}
}

// Run consumes events until ctx is done or the channel is closed.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("Invalidation listener started")
	defer l.logger.Info("Invalidation listener stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-l.events:
			if !ok {
				return
			}
			l.Handle(ctx, e)
		}
	}
}

// Handle invalidates the keys affected by one event. It never fails.
func (l *Listener) Handle(ctx context.Context, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Invalidation panicked", "event", e.EventType(), "panic", r)
		}
	}()

	reason, keys := KeysFor(e)
	for _, key := range keys {
		l.cache.deleteQuietly(ctx, reason, key)
	}
	if len(keys) > 0 {
		l.logger.Debug("Verdicts invalidated",
			"event", reason,
			"transaction_id", e.EventTransactionID(),
			"keys", len(keys),
		)
	}
}

// KeysFor returns the invalidation reason and the keys affected by e.
func KeysFor(e domain.Event) (string, []string) {
	tx := e.EventTransactionID()
	reason := string(e.EventType())

	switch ev := e.(type) {
	case domain.ExceptionStatusChanged:
		keys := []string{
			VerdictKey(KindExistence, tx),
			VerdictKey(KindStatus, tx),
		}
		for _, op := range Operations {
			keys = append(keys, OperationKey(op, tx))
		}
		return reason, keys

	case domain.RetryAttemptStarted:
		return reason, []string{
			OperationKey(OpRetry, tx),
			OperationKey(OpCancel, tx),
			VerdictKey(KindPendingRetry, tx),
		}

	case domain.RetryAttemptCompleted:
		keys := []string{
			OperationKey(OpRetry, tx),
			OperationKey(OpCancel, tx),
			VerdictKey(KindPendingRetry, tx),
		}
		if ev.Success {
			keys = append(keys, VerdictKey(KindExistence, tx), VerdictKey(KindStatus, tx))
		}
		return reason, keys
	}
	return reason, nil
}
