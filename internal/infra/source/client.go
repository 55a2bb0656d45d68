// Package source talks to the services that originally produced a failed
// operation: it fetches the original payload and resubmits it.
package source

import (
	"context"
	"encoding/json"

	"github.com/vietddude/collector/internal/core/domain"
)

// Client is one source-service integration. Failures are reported inside the
// returned results, never as panics or errors.
type Client interface {
	ServiceName() string
	Supports(t domain.InterfaceType) bool
	GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) PayloadResult
	SubmitRetry(ctx context.Context, exc *domain.InterfaceException, payload json.RawMessage) SubmitResult
}

// PayloadResult is the outcome of fetching an original payload.
type PayloadResult struct {
	TransactionID string               `json:"transaction_id"`
	InterfaceType domain.InterfaceType `json:"interface_type"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	SourceService string               `json:"source_service"`
	Retrieved     bool                 `json:"retrieved"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	TimedOut      bool                 `json:"timed_out,omitempty"`
}

// SubmitResult is the outcome of resubmitting a payload.
type SubmitResult struct {
	StatusCode   int             `json:"status_code,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Submitted    bool            `json:"submitted"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TimedOut     bool            `json:"timed_out,omitempty"`
}

// GetPayloadAsync runs GetOriginalPayload on its own goroutine.
func GetPayloadAsync(ctx context.Context, c Client, exc *domain.InterfaceException) <-chan PayloadResult {
	ch := make(chan PayloadResult, 1)
	go func() {
		ch <- c.GetOriginalPayload(ctx, exc)
	}()
	return ch
}

// SubmitRetryAsync runs SubmitRetry on its own goroutine.
func SubmitRetryAsync(
	ctx context.Context,
	c Client,
	exc *domain.InterfaceException,
	payload json.RawMessage,
) <-chan SubmitResult {
	ch := make(chan SubmitResult, 1)
	go func() {
		ch <- c.SubmitRetry(ctx, exc, payload)
	}()
	return ch
}

func failedPayload(exc *domain.InterfaceException, service, msg string) PayloadResult {
	return PayloadResult{
		TransactionID: exc.TransactionID,
		InterfaceType: exc.InterfaceType,
		SourceService: service,
		Retrieved:     false,
		ErrorMessage:  msg,
	}
}

func supports(types []domain.InterfaceType, t domain.InterfaceType) bool {
	for _, s := range types {
		if s == t {
			return true
		}
	}
	return false
}
