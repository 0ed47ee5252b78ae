package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogRecordsStatusAndBytes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "req-1")

	h := WithRequestLog("stylesync", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/catalog", nil)
	req = req.WithContext(ContextWithLogger(req.Context(), logger))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "http_request" || line["level"] != "ERROR" {
		t.Fatalf("unexpected log line %v", line)
	}
	if line["status"] != float64(http.StatusBadGateway) || line["bytes"] != float64(len("upstream")) {
		t.Fatalf("unexpected status/bytes in %v", line)
	}
	if line["request_id"] != "req-1" || line["service"] != "stylesync" || line["path"] != "/v1/catalog" {
		t.Fatalf("missing request fields in %v", line)
	}
}

func TestStatusRecorderUnwrapsForFlush(t *testing.T) {
	h := WithRequestLog("", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data: x\n\n"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("flush through recorder: %v", err)
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog/stream", nil))
	if !rec.Flushed {
		t.Fatalf("expected underlying writer to be flushed")
	}
}
