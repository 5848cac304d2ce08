package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := New(&buf, "info", "auto")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("topup settled", "payment_id", "pay-1")
	_ = sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got=%d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["msg"] != "topup settled" || entry["payment_id"] != "pay-1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Fatalf("expected level parse error")
	}
}

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := New(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	h := Middleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("conflict"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/cashless/accounts", nil))
	_ = sync()

	if !strings.Contains(buf.String(), `"status":409`) || !strings.Contains(buf.String(), `"size":8`) {
		t.Fatalf("unexpected access log: %s", buf.String())
	}
}
