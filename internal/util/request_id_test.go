package util

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestIDKeepsIncomingHeader(t *testing.T) {
	const incoming = "req-paper-42"
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromRequest(r); got != incoming {
			t.Fatalf("request id in context = %q, want %q", got, incoming)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Request-Id", "  "+incoming+" ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != incoming {
		t.Fatalf("response request id = %q, want %q", got, incoming)
	}
}

func TestWithRequestIDReplacesMissingOrOversizedID(t *testing.T) {
	for name, incoming := range map[string]string{
		"missing":   "",
		"oversized": strings.Repeat("a", maxRequestIDLen+1),
	} {
		t.Run(name, func(t *testing.T) {
			var seen string
			handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromRequest(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if incoming != "" {
				req.Header.Set("X-Request-Id", incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-Id")
			if got == "" || got == incoming || len(got) != 36 {
				t.Fatalf("expected generated uuid, got %q", got)
			}
			if seen != got {
				t.Fatalf("context id %q differs from header %q", seen, got)
			}
		})
	}
}

func TestWithRequestIDAttachesLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFromContext(r.Context()).Info("handled")
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-log-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), `"request_id":"req-log-1"`) {
		t.Fatalf("expected request_id on log record, got %s", buf.String())
	}
}
