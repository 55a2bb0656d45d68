package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/collector/internal/core/domain"
)

// ConnProvider hands out the shared persistent connection, or nil while it is
// unavailable. connection.Manager implements it.
type ConnProvider interface {
	Conn() grpc.ClientConnInterface
}

// StreamConfig configures a persistent-connection source client.
type StreamConfig struct {
	Name        string                 `yaml:"name"`
	Resource    string                 `yaml:"resource"`
	CallTimeout time.Duration          `yaml:"call_timeout"`
	Types       []domain.InterfaceType `yaml:"types"`
}

// StreamClient retrieves payloads over the persistent connection and submits
// retries through an HTTP client.
type StreamClient struct {
	cfg    StreamConfig
	conns  ConnProvider
	submit *HTTPClient
}

// NewStreamClient creates a hybrid client. submit handles SubmitRetry.
func NewStreamClient(cfg StreamConfig, conns ConnProvider, submit *HTTPClient) *StreamClient {
	if cfg.Resource == "" {
		cfg.Resource = "orders"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &StreamClient{cfg: cfg, conns: conns, submit: submit}
}

// ServiceName returns the configured client name.
func (c *StreamClient) ServiceName() string {
	return c.cfg.Name
}

// Supports reports whether the client serves interface type t.
func (c *StreamClient) Supports(t domain.InterfaceType) bool {
	return supports(c.cfg.Types, t)
}

// Route returns the route addressing an exception's payload.
func (c *StreamClient) Route(exc *domain.InterfaceException) string {
	return c.cfg.Resource + "." + exc.ExternalID
}

// GetOriginalPayload requests the payload by route over the shared connection.
func (c *StreamClient) GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) PayloadResult {
	conn := c.conns.Conn()
	if conn == nil {
		return failedPayload(exc, c.cfg.Name, "persistent connection unavailable (fallback mode)")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	route := c.Route(exc)
	resp, err := routerClient{cc: conn}.Route(callCtx, route)
	if err != nil {
		return c.failure(exc, route, err)
	}

	body := []byte(resp.GetValue())
	if len(body) == 0 {
		return failedPayload(exc, c.cfg.Name, "empty payload for route "+route)
	}
	if !json.Valid(body) {
		return failedPayload(exc, c.cfg.Name, "invalid JSON payload for route "+route)
	}
	return PayloadResult{
		TransactionID: exc.TransactionID,
		InterfaceType: exc.InterfaceType,
		Payload:       json.RawMessage(body),
		SourceService: c.cfg.Name,
		Retrieved:     true,
	}
}

func (c *StreamClient) failure(exc *domain.InterfaceException, route string, err error) PayloadResult {
	st := status.Convert(err)
	switch st.Code() {
	case codes.NotFound:
		name := route
		if resource, ok := notFoundResource(st); ok {
			name = resource
		}
		return failedPayload(exc, c.cfg.Name, "payload not found for "+name)
	case codes.DeadlineExceeded:
		res := failedPayload(exc, c.cfg.Name,
			fmt.Sprintf("request timeout after %s for route %s", c.cfg.CallTimeout, route))
		res.TimedOut = true
		return res
	case codes.Unavailable:
		return failedPayload(exc, c.cfg.Name, "service unavailable: "+st.Message())
	default:
		return failedPayload(exc, c.cfg.Name,
			fmt.Sprintf("route %s failed: %s: %s", route, st.Code(), st.Message()))
	}
}

// SubmitRetry delegates to the configured HTTP retry endpoint.
func (c *StreamClient) SubmitRetry(
	ctx context.Context,
	exc *domain.InterfaceException,
	payload json.RawMessage,
) SubmitResult {
	if c.submit == nil {
		return SubmitResult{ErrorMessage: "no retry endpoint configured for " + c.cfg.Name}
	}
	return c.submit.SubmitRetry(ctx, exc, payload)
}
