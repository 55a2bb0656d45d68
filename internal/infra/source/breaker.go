package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/domain"
)

const (
	callRetrieve = "retrieve"
	callSubmit   = "submit"
)

var (
	errCallFailed  = errors.New("source call failed")
	errCallTimeout = errors.New("source call timed out")
)

// BreakerConfig configures the circuit breaker wrapped around every client.
type BreakerConfig struct {
	// MaxRequests is the number of probe calls allowed while half-open.
	MaxRequests uint32 `yaml:"max_requests"`
	// Interval is the rolling window for counts while closed.
	Interval time.Duration `yaml:"interval"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// MinRequests is the minimum number of calls in a window before the ratio applies.
	MinRequests uint32 `yaml:"min_requests"`
	// FailureRatio trips the breaker once reached.
	FailureRatio float64 `yaml:"failure_ratio"`
	// ConsecutiveFailures trips the breaker regardless of the ratio; 0 disables it.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// CallTimeout bounds every call made through the breaker.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		MinRequests:         5,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		CallTimeout:         30 * time.Second,
	}
}

// Breaker decorates a Client with a circuit breaker per call kind and a
// per-call timeout. While open, calls return a fallback result immediately.
type Breaker struct {
	client      Client
	callTimeout time.Duration
	retrieve    *gobreaker.CircuitBreaker[PayloadResult]
	submit      *gobreaker.CircuitBreaker[SubmitResult]
	logger      *slog.Logger
}

// NewBreaker wraps client.
func NewBreaker(client Client, cfg BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = defaults.FailureRatio
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	b := &Breaker{
		client:      client,
		callTimeout: cfg.CallTimeout,
		logger:      slog.Default().With("component", "breaker", "service", client.ServiceName()),
	}
	b.retrieve = gobreaker.NewCircuitBreaker[PayloadResult](b.settings(cfg, callRetrieve))
	b.submit = gobreaker.NewCircuitBreaker[SubmitResult](b.settings(cfg, callSubmit))
	return b
}

func (b *Breaker) settings(cfg BreakerConfig, call string) gobreaker.Settings {
	name := b.client.ServiceName() + ":" + call
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests || counts.Requests == 0 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			b.logger.Warn("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
}

// ServiceName returns the wrapped client's name.
func (b *Breaker) ServiceName() string {
	return b.client.ServiceName()
}

// Supports delegates to the wrapped client.
func (b *Breaker) Supports(t domain.InterfaceType) bool {
	return b.client.Supports(t)
}

// States returns the current state of both breakers.
func (b *Breaker) States() map[string]string {
	return map[string]string{
		b.retrieve.Name(): b.retrieve.State().String(),
		b.submit.Name():   b.submit.State().String(),
	}
}

// GetOriginalPayload fetches through the retrieve breaker.
func (b *Breaker) GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) PayloadResult {
	start := time.Now()
	res, err := b.retrieve.Execute(func() (PayloadResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()

		ch := make(chan PayloadResult, 1)
		go func() { ch <- b.client.GetOriginalPayload(callCtx, exc) }()

		select {
		case r := <-ch:
			if r.TimedOut {
				return r, errCallTimeout
			}
			if !r.Retrieved {
				return r, errCallFailed
			}
			return r, nil
		case <-callCtx.Done():
			r := failedPayload(exc, b.client.ServiceName(), b.timeoutMessage(ctx, callCtx))
			r.TimedOut = errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			return r, errCallTimeout
		}
	})
	b.observe(callRetrieve, start, err)

	if rejected(err) {
		return failedPayload(exc, b.client.ServiceName(), b.fallbackMessage())
	}
	return res
}

// SubmitRetry resubmits through the submit breaker.
func (b *Breaker) SubmitRetry(
	ctx context.Context,
	exc *domain.InterfaceException,
	payload json.RawMessage,
) SubmitResult {
	start := time.Now()
	res, err := b.submit.Execute(func() (SubmitResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()

		ch := make(chan SubmitResult, 1)
		go func() { ch <- b.client.SubmitRetry(callCtx, exc, payload) }()

		select {
		case r := <-ch:
			if r.TimedOut {
				return r, errCallTimeout
			}
			if !r.Submitted && countsAsFailure(r.StatusCode) {
				return r, errCallFailed
			}
			return r, nil
		case <-callCtx.Done():
			return SubmitResult{
				ErrorMessage: b.timeoutMessage(ctx, callCtx),
				TimedOut:     errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
			}, errCallTimeout
		}
	})
	b.observe(callSubmit, start, err)

	if rejected(err) {
		return SubmitResult{Submitted: false, ErrorMessage: b.fallbackMessage()}
	}
	return res
}

func (b *Breaker) fallbackMessage() string {
	return "Service unavailable - circuit breaker open for " + b.client.ServiceName()
}

func (b *Breaker) timeoutMessage(parent, callCtx context.Context) string {
	if parent.Err() != nil {
		return fmt.Sprintf("call to %s cancelled: %v", b.client.ServiceName(), parent.Err())
	}
	return fmt.Sprintf("call to %s exceeded timeout of %s", b.client.ServiceName(), b.callTimeout)
}

func (b *Breaker) observe(call string, start time.Time, err error) {
	service := b.client.ServiceName()
	outcome := "success"
	switch {
	case rejected(err):
		outcome = "rejected"
	case errors.Is(err, errCallTimeout):
		outcome = "timeout"
		metrics.SourceTimeouts.WithLabelValues(service, call).Inc()
	case err != nil:
		outcome = "failure"
	}
	metrics.SourceCallsTotal.WithLabelValues(service, call, outcome).Inc()
	if outcome != "rejected" {
		metrics.SourceCallDuration.WithLabelValues(service, call).Observe(time.Since(start).Seconds())
	}
}

func rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// countsAsFailure reports whether a rejected resubmission says something about
// the service health. Client errors other than throttling do not trip the breaker.
func countsAsFailure(statusCode int) bool {
	switch {
	case statusCode == 0:
		return true
	case statusCode == 429:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
