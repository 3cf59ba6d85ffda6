package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/google/uuid"
)

func TestGetCorrelationID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"set", context.WithValue(context.Background(), CorrelationIDKey, "abc-123"), "abc-123"},
		{"empty", context.Background(), ""},
		{"wrong type", context.WithValue(context.Background(), CorrelationIDKey, 12345), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCorrelationID(tt.ctx); got != tt.want {
				t.Errorf("GetCorrelationID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"generates id", ""},
		{"propagates id", "notebook-run-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetCorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
			if tt.incoming != "" {
				req.Header.Set(CorrelationIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if tt.incoming != "" && captured != tt.incoming {
				t.Errorf("captured = %q, want %q", captured, tt.incoming)
			}
			if tt.incoming == "" {
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("generated id %q is not a UUID: %v", captured, err)
				}
			}
			if got := rec.Header().Get(CorrelationIDHeader); got != captured {
				t.Errorf("response header = %q, want %q", got, captured)
			}
		})
	}
}

func TestLoggingMiddleware_CapturesStatusCode(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		writeHeader bool
	}{
		{"ok", http.StatusOK, true},
		{"bad request", http.StatusBadRequest, true},
		{"internal error", http.StatusInternalServerError, true},
		{"implicit ok", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.writeHeader {
					w.WriteHeader(tt.statusCode)
				}
				w.Write([]byte("body"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/grade", nil))

			if rec.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.statusCode)
			}
			if rec.Body.String() != "body" {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string panic", "boom"},
		{"nil panic", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.value)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/grade", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", rec.Code)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.New(&ratelimit.Config{Rate: 1, Burst: 1, Interval: time.Minute})
	defer limiter.Close()

	handler := rateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path, addr string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("/v1/suites", "10.0.0.1:5000"); code != http.StatusOK {
		t.Errorf("first request = %d, want 200", code)
	}
	if code := do("/v1/suites", "10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("second request from same host = %d, want 429", code)
	}
	if code := do("/v1/suites", "10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("other host = %d, want 200", code)
	}
	if code := do("/v1/health", "10.0.0.1:5002"); code != http.StatusOK {
		t.Errorf("health check = %d, want 200", code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := rateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/suites", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d = %d, want 204", i, rec.Code)
		}
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.4:41234"
	if got := clientKey(req); got != "192.168.1.4" {
		t.Errorf("clientKey() = %q", got)
	}

	req.RemoteAddr = "pipe"
	if got := clientKey(req); got != "pipe" {
		t.Errorf("clientKey() = %q, want raw address", got)
	}
}

func TestMiddlewareChain_WithPanic(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetCorrelationID(r.Context())
		panic("simulated panic")
	})
	handler := recoveryMiddleware(correlationIDMiddleware(loggingMiddleware(inner)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/grade", nil))

	if captured == "" {
		t.Error("correlation id should be set before the panic")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
