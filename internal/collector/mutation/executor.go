package mutation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/attempt"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/source"
	"github.com/vietddude/collector/internal/infra/storage"
)

// ErrExecutorClosed is returned by Dispatch after Shutdown.
var ErrExecutorClosed = errors.New("retry executor is shut down")

// Resolver finds the source client for an interface type.
type Resolver interface {
	Resolve(t domain.InterfaceType) (source.Client, error)
}

// Settler is the part of attempt.Tracker the executor drives.
type Settler interface {
	MarkInProgress(ctx context.Context, transactionID string, attemptNumber int) (*domain.RetryAttempt, error)
	Complete(
		ctx context.Context,
		transactionID string,
		attemptNumber int,
		result domain.AttemptResult,
	) (*domain.RetryAttempt, error)
	Abandon(ctx context.Context, transactionID string, attemptNumber int, message string) (*domain.RetryAttempt, error)
}

// Executor runs retry attempts in the background, one goroutine per attempt.
type Executor struct {
	resolver   Resolver
	exceptions storage.ExceptionRepository
	settler    Settler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewExecutor creates an executor.
func NewExecutor(resolver Resolver, exceptions storage.ExceptionRepository, settler Settler) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		resolver:   resolver,
		exceptions: exceptions,
		settler:    settler,
		logger:     slog.Default().With("component", "retry_executor"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Dispatch starts the attempt on its own goroutine.
func (e *Executor) Dispatch(a *domain.RetryAttempt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Retry execution panicked",
					"transaction_id", a.TransactionID,
					"attempt", a.AttemptNumber,
					"panic", r,
				)
			}
		}()
		e.Execute(e.ctx, a.TransactionID, a.AttemptNumber)
	}()
	return nil
}

// Execute runs one attempt to completion and returns the recorded result.
func (e *Executor) Execute(ctx context.Context, transactionID string, attemptNumber int) domain.AttemptResult {
	start := time.Now()
	log := e.logger.With("transaction_id", transactionID, "attempt", attemptNumber)

	if _, err := e.settler.MarkInProgress(ctx, transactionID, attemptNumber); err != nil {
		switch {
		case errors.Is(err, attempt.ErrAttemptCancelled):
			log.Info("Retry cancelled before execution")
		case errors.Is(err, attempt.ErrInvalidTransition):
			log.Warn("Retry already settled before execution", "error", err)
		default:
			log.Error("Failed to start retry execution", "error", err)
			e.abandon(ctx, log, transactionID, attemptNumber, err)
		}
		return domain.AttemptResult{Success: false, Message: err.Error()}
	}

	exc, err := e.exceptions.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return e.complete(ctx, log, transactionID, attemptNumber, "", start, domain.AttemptResult{
			Message:      "failed to load exception",
			ErrorDetails: err.Error(),
		})
	}

	res := e.run(ctx, exc)
	return e.complete(ctx, log, transactionID, attemptNumber, exc.InterfaceType, start, res)
}

func (e *Executor) run(ctx context.Context, exc *domain.InterfaceException) domain.AttemptResult {
	client, err := e.resolver.Resolve(exc.InterfaceType)
	if err != nil {
		return domain.AttemptResult{Message: err.Error(), ErrorDetails: err.Error()}
	}

	payload := client.GetOriginalPayload(ctx, exc)
	if !payload.Retrieved {
		return domain.AttemptResult{
			Message:      "failed to retrieve original payload",
			ErrorDetails: payload.ErrorMessage,
		}
	}

	sub := client.SubmitRetry(ctx, exc, payload.Payload)
	if !sub.Submitted {
		return domain.AttemptResult{
			StatusCode:   sub.StatusCode,
			Message:      "retry submission failed",
			ErrorDetails: sub.ErrorMessage,
		}
	}
	return domain.AttemptResult{
		Success:    true,
		StatusCode: sub.StatusCode,
		Message:    "retry submitted to " + client.ServiceName(),
	}
}

func (e *Executor) complete(
	ctx context.Context,
	log *slog.Logger,
	transactionID string,
	attemptNumber int,
	interfaceType domain.InterfaceType,
	start time.Time,
	res domain.AttemptResult,
) domain.AttemptResult {
	res.Duration = time.Since(start)

	a, err := e.settler.Complete(ctx, transactionID, attemptNumber, res)
	switch {
	case errors.Is(err, attempt.ErrAttemptCancelled):
		log.Info("Retry finished after cancellation, result discarded", "success", res.Success)
		return res
	case err != nil:
		log.Error("Failed to record retry result", "error", err)
		return res
	}

	metrics.RetryAttempts.WithLabelValues(string(interfaceType), string(a.Status)).Inc()
	metrics.RetryDuration.WithLabelValues(string(interfaceType)).Observe(res.Duration.Seconds())
	if res.Success {
		log.Info("Retry succeeded", "status_code", res.StatusCode, "duration", res.Duration)
	} else {
		log.Warn("Retry failed", "message", res.Message, "details", res.ErrorDetails)
	}
	return res
}

// abandon fails an attempt that could not start. It outlives ctx so a
// shutdown does not leave the attempt blocking new retries.
func (e *Executor) abandon(ctx context.Context, log *slog.Logger, transactionID string, attemptNumber int, cause error) {
	_, err := e.settler.Abandon(context.WithoutCancel(ctx), transactionID, attemptNumber, cause.Error())
	if err != nil && !errors.Is(err, attempt.ErrAttemptCancelled) {
		log.Error("Failed to abandon retry attempt", "error", err)
	}
}

// Shutdown stops accepting attempts and waits for running ones. When ctx
// ends first, running attempts are cancelled and ctx.Err is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
