package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"angkor/offline/internal/logging"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	var seen string
	var logs bytes.Buffer
	logger := logging.New(logging.Options{JSON: true, Output: &logs})
	handler := Middleware(logger, "https://app.angkor.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		WriteJSON(w, http.StatusTeapot, map[string]any{"ok": true})
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("request id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.angkor.test" {
		t.Fatalf("missing CORS header")
	}
	var line map[string]any
	if err := json.Unmarshal(logs.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"] != float64(http.StatusTeapot) || line["path"] != "/api/health" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestMiddlewareKeepsIncomingRequestID(t *testing.T) {
	handler := Middleware(logging.Discard(), "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q, want req-42", got)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]string{"action": "sync"})

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if rec.Code != http.StatusForbidden || body["code"] != "FORBIDDEN" || body["details"] == nil {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
}

func TestDecodeBodyRejectsInvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	var target map[string]any
	if err := DecodeBody(req, &target); err == nil {
		t.Fatal("expected invalid JSON error")
	}
}

func TestBearerTokenAndSplitPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer  abc ")
	if got := BearerToken(req); got != "abc" {
		t.Fatalf("BearerToken() = %q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(req); got != "" {
		t.Fatalf("BearerToken() = %q, want empty", got)
	}
	if parts := SplitPath("/__agent/cache/profile/"); len(parts) != 3 || parts[2] != "profile" {
		t.Fatalf("SplitPath() = %v", parts)
	}
	if parts := SplitPath("/"); parts != nil {
		t.Fatalf("SplitPath(/) = %v", parts)
	}
}
