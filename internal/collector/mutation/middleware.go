package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/auth"
)

// Handler serves one mutation.
type Handler func(ctx context.Context, req Request) Result

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain wraps h so that the first middleware runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns a panic in the chain into an INTERNAL_ERROR result.
func Recover(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (res Result) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Mutation panicked",
						"operation", req.Operation,
						"transaction_id", req.TransactionID,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					res = failure(req, CodeInternalError, fmt.Sprintf("internal error: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logging logs the outcome of every mutation.
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) Result {
			start := time.Now()
			res := next(ctx, req)

			attrs := []any{
				"operation", req.Operation,
				"transaction_id", req.TransactionID,
				"user", auth.UserOrAnonymous(ctx),
				"duration", time.Since(start),
			}
			if res.Success {
				logger.Info("Mutation applied", attrs...)
			} else {
				logger.Warn("Mutation rejected", append(attrs, "code", res.Code, "message", res.Message)...)
			}
			return res
		}
	}
}

// Metrics counts outcomes and times the synchronous span.
func Metrics() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) Result {
			start := time.Now()
			res := next(ctx, req)
			op := string(req.Operation)
			metrics.MutationsTotal.WithLabelValues(op, res.outcome()).Inc()
			metrics.MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			return res
		}
	}
}

// Audit records every mutation with sink, including rejected ones.
func Audit(sink AuditSink) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) Result {
			start := time.Now()
			res := next(ctx, req)
			sink.Record(ctx, AuditRecord{
				ID:            newAuditID(),
				Operation:     string(req.Operation),
				TransactionID: req.TransactionID,
				UserID:        auth.UserOrAnonymous(ctx),
				Success:       res.Success,
				Code:          string(res.Code),
				Message:       res.Message,
				Duration:      time.Since(start),
				At:            start,
			})
			return res
		}
	}
}

// Permit holds a limiter permit for the duration of the handler.
func Permit(l *limiter.Limiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) Result {
			p, err := l.Acquire(ctx, string(req.Operation))
			if err != nil {
				return limitFailure(req, err)
			}
			defer p.Release()
			return next(ctx, req)
		}
	}
}

func limitFailure(req Request, err error) Result {
	var le *limiter.LimitError
	if errors.As(err, &le) {
		if le.Scope == limiter.ScopeUser {
			return failure(req, CodeUserLimitExceeded, le.Error())
		}
		return failure(req, CodeSystemLimitExceeded, le.Error())
	}
	return failure(req, CodeSystemLimitExceeded, err.Error())
}
