/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway router with middleware chain:
             CORS → Security Headers → Request ID → Recoverer
             → Request Logger → Header Normalization → Body Size
             Limit → Timeout. Routes: GET /models,
             POST /chat/completions, GET /healthz, GET /metrics.
Root Cause:  This proxy serves exactly one endpoint pair against one
             upstream; the router only needs to mount those routes
             and the operational ones behind the same middleware
             discipline the teacher used for its much larger surface.
Context:     Trimmed from the multi-feature gateway router (which
             mounted provider config, routing rules, semantic cache,
             analytics, experiments, policy, and intelligence
             sub-APIs) down to the routes this proxy actually serves,
             keeping the teacher's middleware ordering and body-limit
             pattern intact.
Suitability: L3 for proper middleware chain design.
──────────────────────────────────────────────────────────────
*/

// Package router wires the HTTP middleware chain and routes for the
// Copilot proxy.
package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/yousef-awad/copilot-more/internal/config"
	gwmw "github.com/yousef-awad/copilot-more/internal/middleware"
	"github.com/yousef-awad/copilot-more/internal/metrics"
	"github.com/yousef-awad/copilot-more/internal/proxy"
)

// New returns a configured chi Router with the full middleware chain
// and all routes mounted.
func New(cfg *config.Config, appLogger zerolog.Logger, handler *proxy.Handler, reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection
	r.Use(gwmw.RequestIDMiddleware)

	// 4. Panic recovery
	r.Use(chimw.Recoverer)

	// 5. Request logger
	r.Use(mwRequestLogger(appLogger))

	// 6. Header normalization — strips client-supplied auth headers
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	r.Use(headerNorm.Handler)

	// 7. Body size limit
	r.Use(mwMaxBodySize(1 * 1024 * 1024))

	// 8. Upstream timeout
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)
	r.Use(timeoutMW.Handler)

	// --- Operational endpoints ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"copilot-more"}`))
	})

	if reg != nil {
		r.Get("/metrics", reg.Handler())
	}

	// --- Proxy endpoints ---
	r.Get("/models", handler.Models)
	r.Post("/chat/completions", handler.ChatCompletions)

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("COPILOT_MORE_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
