package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

const (
	defaultUserAgent   = "interface-exception-collector/1.0"
	defaultAuthHeader  = "X-API-Key"
	defaultPayloadPath = "/api/v1/{resource}/{transactionId}/payload"
	defaultRetryPath   = "/api/v1/{resource}/{transactionId}/retry"
	maxBodyExcerpt     = 256
	maxResponseBytes   = 4 << 20
)

// HTTPConfig configures one request/response source client.
type HTTPConfig struct {
	Name        string                 `yaml:"name"`
	BaseURL     string                 `yaml:"base_url"`
	Resource    string                 `yaml:"resource"`
	PayloadPath string                 `yaml:"payload_path"`
	RetryPath   string                 `yaml:"retry_path"`
	Timeout     time.Duration          `yaml:"timeout"`
	APIKey      string                 `yaml:"api_key"`
	AuthHeader  string                 `yaml:"auth_header"`
	BearerToken string                 `yaml:"bearer_token"`
	UserAgent   string                 `yaml:"user_agent"`
	Types       []domain.InterfaceType `yaml:"types"`
}

// HTTPClient implements Client over REST endpoints.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates a REST source client with a pooled transport.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PayloadPath == "" {
		cfg.PayloadPath = defaultPayloadPath
	}
	if cfg.RetryPath == "" {
		cfg.RetryPath = defaultRetryPath
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = defaultAuthHeader
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ServiceName returns the configured client name.
func (c *HTTPClient) ServiceName() string {
	return c.cfg.Name
}

// Supports reports whether the client serves interface type t.
func (c *HTTPClient) Supports(t domain.InterfaceType) bool {
	return supports(c.cfg.Types, t)
}

// GetOriginalPayload fetches the original payload with GET.
func (c *HTTPClient) GetOriginalPayload(ctx context.Context, exc *domain.InterfaceException) PayloadResult {
	url := c.cfg.BaseURL + c.expand(c.cfg.PayloadPath, exc)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failedPayload(exc, c.cfg.Name, fmt.Sprintf("create request: %v", err))
	}
	c.setHeaders(req, exc)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		res := failedPayload(exc, c.cfg.Name, c.describe(err))
		res.TimedOut = isTimeout(err)
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		res := failedPayload(exc, c.cfg.Name, fmt.Sprintf("read response: %v", err))
		res.TimedOut = isTimeout(err)
		return res
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failedPayload(exc, c.cfg.Name,
			fmt.Sprintf("http %d: %s", resp.StatusCode, excerpt(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return failedPayload(exc, c.cfg.Name, "empty payload")
	}
	if !json.Valid(body) {
		return failedPayload(exc, c.cfg.Name, "invalid JSON payload: "+excerpt(body))
	}

	return PayloadResult{
		TransactionID: exc.TransactionID,
		InterfaceType: exc.InterfaceType,
		Payload:       json.RawMessage(body),
		SourceService: c.cfg.Name,
		Retrieved:     true,
	}
}

// SubmitRetry resubmits the payload with POST, or PUT for modify/update operations.
func (c *HTTPClient) SubmitRetry(
	ctx context.Context,
	exc *domain.InterfaceException,
	payload json.RawMessage,
) SubmitResult {
	url := c.cfg.BaseURL + c.expand(c.cfg.RetryPath, exc)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, RetryMethod(exc.Operation), url, bytes.NewReader(payload))
	if err != nil {
		return SubmitResult{ErrorMessage: fmt.Sprintf("create request: %v", err)}
	}
	c.setHeaders(req, exc)
	req.Header.Set("X-Retry-Attempt", "true")
	req.Header.Set("X-Retry-Count", strconv.Itoa(exc.RetryCount+1))
	req.Header.Set("X-Original-Transaction-ID", exc.TransactionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{ErrorMessage: c.describe(err), TimedOut: isTimeout(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SubmitResult{
			StatusCode:   resp.StatusCode,
			ErrorMessage: fmt.Sprintf("read response: %v", err),
			TimedOut:     isTimeout(err),
		}
	}

	res := SubmitResult{
		StatusCode: resp.StatusCode,
		Body:       asJSON(body),
		Submitted:  resp.StatusCode >= 200 && resp.StatusCode <= 299,
	}
	if !res.Submitted {
		res.ErrorMessage = fmt.Sprintf("http %d: %s", resp.StatusCode, excerpt(body))
	}
	return res
}

// RetryMethod picks PUT for operations that modify or update, POST otherwise.
func RetryMethod(operation string) string {
	op := strings.ToUpper(operation)
	if strings.Contains(op, "MODIFY") || strings.Contains(op, "UPDATE") {
		return http.MethodPut
	}
	return http.MethodPost
}

func (c *HTTPClient) setHeaders(req *http.Request, exc *domain.InterfaceException) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", exc.TransactionID)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	switch {
	case c.cfg.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	case c.cfg.APIKey != "":
		req.Header.Set(c.cfg.AuthHeader, c.cfg.APIKey)
	}
}

func (c *HTTPClient) expand(path string, exc *domain.InterfaceException) string {
	return strings.NewReplacer(
		"{resource}", c.cfg.Resource,
		"{transactionId}", exc.TransactionID,
		"{externalId}", exc.ExternalID,
	).Replace(path)
}

func (c *HTTPClient) describe(err error) string {
	if isTimeout(err) {
		return fmt.Sprintf("request timeout after %s: %v", c.cfg.Timeout, err)
	}
	return fmt.Sprintf("request failed: %v", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyExcerpt {
		return s[:maxBodyExcerpt] + "..."
	}
	return s
}

// asJSON keeps a valid JSON body as-is and wraps anything else as a JSON string.
func asJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return json.RawMessage(quoted)
}
