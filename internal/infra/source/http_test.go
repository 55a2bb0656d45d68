package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

func testException() *domain.InterfaceException {
	return &domain.InterfaceException{
		TransactionID: "TXN-123",
		ExternalID:    "ORDER-123",
		InterfaceType: domain.InterfaceTypeOrder,
		Operation:     "CREATE_ORDER",
		RetryCount:    1,
		MaxRetries:    3,
	}
}

func TestHTTPClient_GetOriginalPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders/TXN-123/payload" {
			t.Errorf("expected payload path, got %s", r.URL.Path)
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.Header.Get("X-Correlation-ID"); got != "TXN-123" {
			t.Errorf("expected correlation id TXN-123, got %q", got)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("expected api key header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"orderId":"ORDER-123","items":2}`))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPConfig{
		Name:     "order-service",
		BaseURL:  server.URL,
		Resource: "orders",
		APIKey:   "secret",
		Types:    []domain.InterfaceType{domain.InterfaceTypeOrder},
	})

	res := c.GetOriginalPayload(context.Background(), testException())
	if !res.Retrieved {
		t.Fatalf("expected payload retrieved, got %+v", res)
	}
	var payload map[string]any
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["orderId"] != "ORDER-123" {
		t.Errorf("unexpected payload %v", payload)
	}
	if res.SourceService != "order-service" || res.TransactionID != "TXN-123" {
		t.Errorf("unexpected result metadata %+v", res)
	}
}

func TestHTTPClient_GetOriginalPayload_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "order missing", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPConfig{Name: "order-service", BaseURL: server.URL, Resource: "orders"})
	res := c.GetOriginalPayload(context.Background(), testException())
	if res.Retrieved {
		t.Fatal("expected failure for 404")
	}
	if !strings.Contains(res.ErrorMessage, "404") || !strings.Contains(res.ErrorMessage, "order missing") {
		t.Errorf("expected status and body excerpt, got %q", res.ErrorMessage)
	}
}

func TestHTTPClient_GetOriginalPayload_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPConfig{Name: "slow", BaseURL: server.URL, Resource: "orders", Timeout: 50 * time.Millisecond})
	res := c.GetOriginalPayload(context.Background(), testException())
	if res.Retrieved || !res.TimedOut {
		t.Fatalf("expected timed out result, got %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "timeout") {
		t.Errorf("expected timeout message, got %q", res.ErrorMessage)
	}
}

func TestHTTPClient_SubmitRetry(t *testing.T) {
	tests := []struct {
		operation  string
		wantMethod string
	}{
		{"CREATE_ORDER", http.MethodPost},
		{"MODIFY_ORDER", http.MethodPut},
		{"update_collection", http.MethodPut},
	}

	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != tt.wantMethod {
					t.Errorf("expected %s, got %s", tt.wantMethod, r.Method)
				}
				if r.URL.Path != "/api/v1/orders/TXN-123/retry" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if got := r.Header.Get("X-Retry-Count"); got != "2" {
					t.Errorf("expected retry count header 2, got %q", got)
				}
				if got := r.Header.Get("X-Retry-Attempt"); got != "true" {
					t.Errorf("expected retry attempt header, got %q", got)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("expected bearer token, got %q", got)
				}
				body, _ := io.ReadAll(r.Body)
				if string(body) != `{"orderId":"ORDER-123"}` {
					t.Errorf("unexpected body %s", body)
				}
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"accepted":true}`))
			}))
			defer server.Close()

			c := NewHTTPClient(HTTPConfig{Name: "order-service", BaseURL: server.URL, Resource: "orders", BearerToken: "tok"})
			exc := testException()
			exc.Operation = tt.operation

			res := c.SubmitRetry(context.Background(), exc, json.RawMessage(`{"orderId":"ORDER-123"}`))
			if !res.Submitted || res.StatusCode != http.StatusAccepted {
				t.Fatalf("expected accepted submission, got %+v", res)
			}
			if string(res.Body) != `{"accepted":true}` {
				t.Errorf("unexpected body %s", res.Body)
			}
		})
	}
}

func TestHTTPClient_SubmitRetry_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("duplicate order"))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPConfig{Name: "order-service", BaseURL: server.URL, Resource: "orders"})
	res := c.SubmitRetry(context.Background(), testException(), nil)
	if res.Submitted {
		t.Fatal("expected rejected submission")
	}
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", res.StatusCode)
	}
	if string(res.Body) != `"duplicate order"` {
		t.Errorf("expected non-JSON body wrapped as a string, got %s", res.Body)
	}
}

func TestHTTPClient_CustomPaths(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/partner-order-provider/orders/ORDER-123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPConfig{
		Name:      "partner-order-service",
		BaseURL:   server.URL + "/",
		RetryPath: "/v1/partner-order-provider/orders/{externalId}",
	})
	if res := c.SubmitRetry(context.Background(), testException(), nil); !res.Submitted {
		t.Errorf("expected submission, got %+v", res)
	}
}

func TestAsyncHelpers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/payload") {
			_, _ = w.Write([]byte(`{"orderId":"ORDER-123"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPConfig{
		Name:     "order-service",
		BaseURL:  server.URL,
		Resource: "orders",
		Types:    []domain.InterfaceType{domain.InterfaceTypeOrder},
	})
	ctx := context.Background()
	exc := testException()

	var payload PayloadResult
	select {
	case payload = <-GetPayloadAsync(ctx, c, exc):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
	if !payload.Retrieved {
		t.Fatalf("expected payload retrieved, got %+v", payload)
	}

	select {
	case sub := <-SubmitRetryAsync(ctx, c, exc, payload.Payload):
		if !sub.Submitted || sub.StatusCode != http.StatusAccepted {
			t.Errorf("expected accepted submission, got %+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission")
	}
}
