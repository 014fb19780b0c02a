/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       HTTP proxy handler implementing GET /models and
             POST /chat/completions against GitHub Copilot's backing
             API: request normalization, rate-limit admission,
             credential-pool session tokens, SSE passthrough, and
             post-stream usage accounting.
Root Cause:  This is the one endpoint pair the whole service exists
             to serve; everything else in the repo exists to support
             it safely.
Context:     Replaces the multi-provider registry dispatch with a
             single fixed Copilot upstream, keeping the handler's
             error-response shape and the SSE streaming/flush
             discipline from the teacher's proxy handler.
Suitability: L3 model for SSE streaming in Go and proxy logic.
──────────────────────────────────────────────────────────────
*/

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/yousef-awad/copilot-more/internal/config"
	"github.com/yousef-awad/copilot-more/internal/credential"
	"github.com/yousef-awad/copilot-more/internal/metrics"
	"github.com/yousef-awad/copilot-more/internal/ratelimit"
	"github.com/yousef-awad/copilot-more/internal/sse"
	"github.com/yousef-awad/copilot-more/internal/usage"
)

// Handler serves the Copilot-backed chat-completion proxy endpoints.
type Handler struct {
	logger    zerolog.Logger
	cfg       *config.Config
	pool      *credential.Pool
	limiter   *ratelimit.Limiter
	store     usage.Store
	sanitizer Sanitizer
	client    *retryablehttp.Client
	metrics   *metrics.Registry
}

// New builds a proxy Handler. reg may be nil, in which case request
// metrics are not recorded.
func New(cfg *config.Config, pool *credential.Pool, limiter *ratelimit.Limiter, store usage.Store, reg *metrics.Registry, logger zerolog.Logger) *Handler {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	return &Handler{
		logger:    logger.With().Str("component", "proxy").Logger(),
		cfg:       cfg,
		pool:      pool,
		limiter:   limiter,
		store:     store,
		sanitizer: NewDefaultSanitizer(),
		client:    client,
		metrics:   reg,
	}
}

// Models handles GET /models, proxying the upstream model listing.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	tok, err := h.pool.Active(r.Context())
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "credential_error", err.Error())
		return
	}

	req, err := retryablehttp.NewRequestWithContext(r.Context(), http.MethodGet, tok.APIBase+"/models", nil)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("editor-version", h.cfg.EditorVersion)

	resp, err := h.client.Do(req)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("error fetching models: %s", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	if resp.StatusCode != http.StatusOK {
		h.logger.Error().Int("status", resp.StatusCode).Bytes("body", body).Msg("models API error")
		h.writeError(w, resp.StatusCode, "upstream_error", fmt.Sprintf("models API error: %s", string(body)))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// ChatCompletions handles POST /chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body: "+err.Error())
		return
	}

	var full map[string]interface{}
	if err := json.Unmarshal(raw, &full); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}

	normalized, statusErr := h.normalizeRequest(full)
	if statusErr != nil {
		h.writeError(w, statusErr.status, "invalid_request", statusErr.message)
		return
	}

	model, _ := normalized["model"].(string)
	isStreaming, _ := normalized["stream"].(bool)
	now := time.Now()

	if delay, err := h.limiter.CheckRequest(model, now); err != nil {
		if h.metrics != nil {
			h.metrics.TrackRateLimitRejection(model)
		}
		h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
		return
	} else if delay != nil {
		if cancelled := h.sleep(r.Context(), *delay); cancelled {
			h.writeClientCancelled(w)
			return
		}
	}

	if h.cfg.SleepBetweenCalls > 0 {
		if cancelled := h.sleep(r.Context(), h.cfg.SleepBetweenCalls); cancelled {
			h.writeClientCancelled(w)
			return
		}
	}

	tok, err := h.pool.Active(r.Context())
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "credential_error", err.Error())
		return
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	isO1 := strings.HasPrefix(model, "o1")
	if isO1 && isStreaming {
		h.handleO1Stream(w, r, tok, model, payload, now)
		return
	}

	h.handlePassthroughStream(w, r, tok, model, payload, now)
}

type statusError struct {
	status  int
	message string
}

// normalizeRequest mirrors the upstream's preprocessing: sanitizes
// string content, flattens text-only content arrays, rewrites system
// role to user for o1 models (which reject it), and fills max_tokens.
func (h *Handler) normalizeRequest(body map[string]interface{}) (map[string]interface{}, *statusError) {
	messagesRaw, _ := body["messages"].([]interface{})
	model, _ := body["model"].(string)
	isO1 := strings.HasPrefix(model, "o1")

	processed := make([]interface{}, 0, len(messagesRaw))
	for _, m := range messagesRaw {
		msg, ok := m.(map[string]interface{})
		if !ok {
			processed = append(processed, m)
			continue
		}

		switch content := msg["content"].(type) {
		case string:
			cleaned, warnings := h.sanitizer.Sanitize(content)
			if len(warnings) > 0 {
				h.logger.Warn().Strs("warnings", warnings).Msg("string sanitization warnings")
			}
			msg["content"] = cleaned
			processed = append(processed, msg)
		case []interface{}:
			for _, item := range content {
				part, ok := item.(map[string]interface{})
				if !ok {
					return nil, &statusError{http.StatusBadRequest, "invalid content array item"}
				}
				if part["type"] != "text" {
					return nil, &statusError{http.StatusBadRequest, "only text type is supported in content array"}
				}
				text, _ := part["text"].(string)
				cleaned, warnings := h.sanitizer.Sanitize(text)
				if len(warnings) > 0 {
					h.logger.Warn().Strs("warnings", warnings).Msg("string sanitization warnings")
				}
				processed = append(processed, map[string]interface{}{
					"role":    msg["role"],
					"content": cleaned,
				})
			}
		default:
			processed = append(processed, msg)
		}
	}

	if isO1 {
		for _, m := range processed {
			msg, ok := m.(map[string]interface{})
			if ok && msg["role"] == "system" {
				msg["role"] = "user"
			}
		}
	}

	out := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["messages"] = processed
	if _, ok := out["max_tokens"]; !ok {
		out["max_tokens"] = h.cfg.MaxTokens
	}
	return out, nil
}

// sleep waits for the given duration or until ctx is cancelled,
// reporting whether cancellation won the race so callers can
// distinguish an elapsed delay from a client disconnecting mid-wait.
func (h *Handler) sleep(ctx context.Context, seconds float64) (cancelled bool) {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return false
	}
}

// writeClientCancelled reports the client disconnecting while the
// request was waiting out a rate-limit-induced delay, using the
// non-standard 499 status nginx popularized for exactly this case.
func (h *Handler) writeClientCancelled(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(499)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "client_cancelled",
			"message": "client disconnected while waiting on rate-limit delay",
		},
	})
}

// handlePassthroughStream forwards the upstream response to the
// client as-is (streaming or not), accumulating the body to extract
// usage telemetry once the stream ends.
func (h *Handler) handlePassthroughStream(w http.ResponseWriter, r *http.Request, tok credential.SessionToken, model string, payload []byte, start time.Time) {
	req, err := retryablehttp.NewRequestWithContext(r.Context(), http.MethodPost, tok.APIBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("editor-version", h.cfg.EditorVersion)

	resp, err := h.client.Do(req)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("API error: %s", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		h.logger.Error().Int("status", resp.StatusCode).Bytes("body", body).Msg("upstream API error")
		h.writeError(w, resp.StatusCode, "upstream_error", fmt.Sprintf("API error: %s", string(body)))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	result := forwardAndAccumulate(r.Context(), w, resp.Body, h.logger)
	if result.Err != nil {
		h.writeStreamErrorFrame(w, result.Err)
	}
	h.recordUsageAndFinish(model, result.Accumulated, start)
}

// writeStreamErrorFrame appends a terminal SSE error frame to an
// already-open event stream when the upstream body fails mid-read
// (timeout, connection reset), so the client sees the failure instead
// of a silently truncated stream.
func (h *Handler) writeStreamErrorFrame(w http.ResponseWriter, streamErr error) {
	frame, err := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "upstream_io_error",
			"message": streamErr.Error(),
		},
	})
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
		h.logger.Debug().Err(err).Msg("client disconnected writing terminal error frame")
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleO1Stream performs a non-streaming call to the upstream (o1
// models only support non-streaming responses) and converts the
// single JSON body into the SSE frames a streaming client expects.
func (h *Handler) handleO1Stream(w http.ResponseWriter, r *http.Request, tok credential.SessionToken, model string, payload []byte, start time.Time) {
	var body map[string]interface{}
	_ = json.Unmarshal(payload, &body)
	body["stream"] = false
	nonStreamPayload, _ := json.Marshal(body)

	req, err := retryablehttp.NewRequestWithContext(r.Context(), http.MethodPost, tok.APIBase+"/chat/completions", bytes.NewReader(nonStreamPayload))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("editor-version", h.cfg.EditorVersion)

	resp, err := h.client.Do(req)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("API error: %s", err))
		return
	}
	defer resp.Body.Close()

	upstreamBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	if resp.StatusCode != http.StatusOK {
		h.logger.Error().Int("status", resp.StatusCode).Bytes("body", upstreamBody).Msg("upstream API error")
		h.writeError(w, resp.StatusCode, "upstream_error", fmt.Sprintf("API error: %s", string(upstreamBody)))
		return
	}

	synthesized, err := sse.SynthesizeO1Events(upstreamBody)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "upstream_error", "failed to convert o1 response: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(synthesized); err != nil {
		h.logger.Debug().Err(err).Msg("client disconnected writing synthesized o1 stream")
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// Usage is extracted from the raw upstream JSON, not the synthesized
	// SSE frames: SynthesizeO1Events drops the usage object when
	// reshaping the response into deltas.
	h.recordUsageAndFinish(model, upstreamBody, start)
}

// recordUsageAndFinish parses accumulated SSE bytes for usage data,
// records it in the usage store, then runs the token-rate check and
// records the completed request for request-rate accounting.
func (h *Handler) recordUsageAndFinish(model string, accumulated []byte, start time.Time) {
	events := sse.Parse(accumulated, h.logger)
	u := sse.ExtractUsage(events)

	now := time.Now()
	if u.Found {
		if err := h.store.Record(model, u.InputTokens, u.OutputTokens, now); err != nil {
			h.logger.Error().Err(err).Msg("failed to record usage")
		}
	}

	if _, err := h.limiter.CheckTokens(model, now); err != nil {
		h.logger.Warn().Err(err).Str("model", model).Msg("token rate limit exceeded after response")
	}
	h.limiter.RecordRequest(model, now)

	if h.metrics != nil {
		h.metrics.TrackRequest(model, http.StatusOK, float64(time.Since(start).Milliseconds()))
	}

	h.logger.Info().
		Str("model", model).
		Int("input_tokens", u.InputTokens).
		Int("output_tokens", u.OutputTokens).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("chat completion finished")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}
