package runtime

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-companion/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthAndReadiness(t *testing.T) {
	rt := New(config.Default(), testLogger())

	rec := httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy runtime before start, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := New(config.Default(), testLogger())
	b := New(config.Default(), testLogger())
	if a.sessionID == "" || a.sessionID == b.sessionID {
		t.Fatalf("expected distinct session ids, got %q and %q", a.sessionID, b.sessionID)
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "test"
	shutdown, handler, err := setupTelemetry(cfg, testLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer shutdown(t.Context())
	if handler == nil {
		t.Fatal("expected metrics handler")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint to respond, got %d", rec.Code)
	}
}
