/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Request header normalization. Strips any client-supplied
             Authorization or editor-version header so a caller can
             never override the credential pool's managed session
             token, and tags every response with a gateway marker.
Root Cause:  The proxy is the only party that may authenticate to
             Copilot; trusting a client-forwarded Authorization header
             would let a caller impersonate the gateway's own
             credentials upstream.
Context:     Narrowed from the multi-provider gateway's much larger
             per-vendor header strip list down to the one thing this
             single-upstream proxy needs to guard.
Suitability: L2 for straightforward header manipulation.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"net/http"

	"github.com/rs/zerolog"
)

// HeaderNormalization strips client-supplied auth headers before the
// request reaches the proxy handler.
type HeaderNormalization struct {
	logger zerolog.Logger
}

// NewHeaderNormalization creates a new header normalization middleware.
func NewHeaderNormalization(logger zerolog.Logger) *HeaderNormalization {
	return &HeaderNormalization{logger: logger}
}

var headersToStripFromRequest = []string{
	"Authorization",
	"editor-version",
}

// Handler returns the HTTP middleware handler.
func (h *HeaderNormalization) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, header := range headersToStripFromRequest {
			if r.Header.Get(header) != "" {
				h.logger.Debug().
					Str("header", header).
					Str("path", r.URL.Path).
					Msg("stripped client-supplied auth header")
				r.Header.Del(header)
			}
		}

		w.Header().Set("X-Copilot-More-Gateway", "true")
		next.ServeHTTP(w, r)
	})
}
