package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if seen == "" {
		t.Fatal("Handler saw no request id in the context")
	}
	if got := w.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("Response header %q does not match context id %q", got, seen)
	}
	if len(seen) != 36 {
		t.Errorf("Expected a UUID, got %q", seen)
	}
}

func TestRequestIDPreservesCallerSupplied(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "upstream-chain-7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != "upstream-chain-7" {
		t.Errorf("Caller-supplied id was replaced, got %q", seen)
	}
	if got := w.Header().Get(RequestIDHeader); got != "upstream-chain-7" {
		t.Errorf("Caller-supplied id not echoed, got %q", got)
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := RequestIDFrom(req.Context()); id != "" {
		t.Errorf("Expected empty id outside the middleware, got %q", id)
	}
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one completion line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("Expected status 418 in the log, got %v", fields["status"])
	}
	if fields["method"] != http.MethodPost || fields["path"] != "/v1/messages" {
		t.Errorf("Request identity missing from the log: %v", fields)
	}
}

func TestRequestLoggerDefaultsTo200(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one completion line, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusOK) {
		t.Errorf("Implicit WriteHeader should log as 200, got %v", got)
	}
}

func TestStatusWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	if _, ok := interface{}(ww).(http.Flusher); !ok {
		t.Fatal("statusWriter must keep http.Flusher reachable for streaming")
	}
	ww.Flush()
	if !rec.Flushed {
		t.Error("Flush was not forwarded to the underlying writer")
	}
}
