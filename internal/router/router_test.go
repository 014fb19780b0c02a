package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/yousef-awad/copilot-more/internal/config"
	"github.com/yousef-awad/copilot-more/internal/credential"
	"github.com/yousef-awad/copilot-more/internal/metrics"
	"github.com/yousef-awad/copilot-more/internal/proxy"
	"github.com/yousef-awad/copilot-more/internal/ratelimit"
	"github.com/yousef-awad/copilot-more/internal/usage"
)

func testSetup() http.Handler {
	cfg := &config.Config{
		Addr:           ":0",
		Env:            "test",
		EditorVersion:  "test/1.0",
		MaxTokens:      1024,
		TimeoutSeconds: 5,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	store := usage.NewMemoryStore()
	pool := credential.NewPool([]string{"gho_test"}, 0, cfg.EditorVersion, nil, log)
	limiter := ratelimit.New(store, log)
	reg := metrics.New()
	handler := proxy.New(cfg, pool, limiter, store, reg, log)
	return New(cfg, log, handler, reg)
}

func TestHealthEndpoint(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rw.Result().StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodOptions, "/chat/completions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}

func TestRequestIDInjected(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header to be set")
	}
}

func TestClientAuthorizationHeaderStripped(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "token gho_client_supplied")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if req.Header.Get("Authorization") != "" {
		t.Fatal("expected client-supplied Authorization header to be stripped")
	}
	if rw.Header().Get("X-Copilot-More-Gateway") != "true" {
		t.Fatal("expected gateway marker header on response")
	}
}
