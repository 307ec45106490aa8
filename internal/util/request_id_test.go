package util

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func serveWithRequestID(t *testing.T, incoming string) (ctxID, headerID string) {
	t.Helper()
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromRequest(r)
		if LoggerFromContext(r.Context()) == slog.Default() {
			t.Fatal("expected request-scoped logger")
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	if incoming != "" {
		req.Header.Set("X-Request-Id", incoming)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get("X-Request-Id")
}

func TestWithRequestIDKeepsWellFormedID(t *testing.T) {
	ctxID, headerID := serveWithRequestID(t, "edge-7f3a:01")
	if ctxID != "edge-7f3a:01" || headerID != "edge-7f3a:01" {
		t.Fatalf("ids = %q/%q, want edge-7f3a:01", ctxID, headerID)
	}
}

func TestWithRequestIDReplacesMissingOrHostileID(t *testing.T) {
	for _, incoming := range []string{"", "has space", "line\nbreak", strings.Repeat("a", 200)} {
		ctxID, headerID := serveWithRequestID(t, incoming)
		if ctxID != headerID {
			t.Fatalf("context id %q != header id %q", ctxID, headerID)
		}
		if _, err := uuid.Parse(ctxID); err != nil {
			t.Fatalf("incoming %q: generated id %q is not a uuid", incoming, ctxID)
		}
	}
}

func TestRequestIDFromContextWithoutMiddleware(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("RequestIDFromContext = %q, want empty", got)
	}
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("RequestIDFromRequest(nil) = %q, want empty", got)
	}
}
