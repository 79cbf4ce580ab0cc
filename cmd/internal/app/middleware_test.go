package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 502, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
		{status: 42, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "unknown"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("busy"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/messages", nil))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d want=409", rr.Code)
	}

	var entry struct {
		Level       string `json:"level"`
		Msg         string `json:"msg"`
		Method      string `json:"method"`
		Path        string `json:"path"`
		Status      int    `json:"status"`
		StatusClass string `json:"status_class"`
		Result      string `json:"result"`
		Bytes       int64  `json:"bytes"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry.Msg != "http.request" || entry.Level != "WARN" {
		t.Fatalf("msg=%q level=%q want http.request/WARN", entry.Msg, entry.Level)
	}
	if entry.Method != http.MethodPost || entry.Path != "/api/messages" {
		t.Fatalf("method=%q path=%q", entry.Method, entry.Path)
	}
	if entry.Status != http.StatusConflict || entry.StatusClass != "4xx" || entry.Result != "client_error" || entry.Bytes != 4 {
		t.Fatalf("entry=%+v", entry)
	}
}

func TestWithRequestLogging_RequestID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := middleware.RequestID(WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), log))

	req := httptest.NewRequest(http.MethodPost, "/api/typing", nil)
	req.Header.Set(middleware.RequestIDHeader, "ui-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry struct {
		RequestID string `json:"request_id"`
		Status    int    `json:"status"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.RequestID != "ui-123" || entry.Status != http.StatusNoContent {
		t.Fatalf("entry=%+v want request_id=ui-123 status=204", entry)
	}
}

func TestWithRequestLogging_DefaultStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), log)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Status != http.StatusOK {
		t.Fatalf("status=%d want=200", entry.Status)
	}
}
