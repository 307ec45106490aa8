package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := WithRequestLog("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	cases := []struct {
		path   string
		level  string
		status float64
	}{
		{"/api/documents", "INFO", 200},
		{"/healthz", "DEBUG", 200},
		{"/api/boom", "ERROR", 502},
	}
	for _, tc := range cases {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req = req.WithContext(ContextWithLogger(req.Context(), logger))
		h.ServeHTTP(httptest.NewRecorder(), req)

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("%s: decode log line %q: %v", tc.path, buf.String(), err)
		}
		if line["msg"] != "http_request" || line["level"] != tc.level || line["status"] != tc.status {
			t.Fatalf("%s: log = %v, want level %s status %v", tc.path, line, tc.level, tc.status)
		}
		if line["component"] != "api" {
			t.Fatalf("%s: component = %v", tc.path, line["component"])
		}
	}
}
