package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yousef-awad/copilot-more/internal/config"
	"github.com/yousef-awad/copilot-more/internal/credential"
	"github.com/yousef-awad/copilot-more/internal/metrics"
	"github.com/yousef-awad/copilot-more/internal/ratelimit"
	"github.com/yousef-awad/copilot-more/internal/usage"
)

func testConfig() *config.Config {
	return &config.Config{
		EditorVersion:  "test/1.0",
		MaxTokens:      1024,
		TimeoutSeconds: 5,
	}
}

// newTestHandler builds a Handler whose credential pool exchanges
// tokens against githubSrv (standing in for api.github.com) and whose
// session token's APIBase points at copilotSrv (standing in for the
// Copilot chat-completion API).
func newTestHandler(t *testing.T, githubSrv, copilotSrv *httptest.Server) (*Handler, usage.Store, *ratelimit.Limiter) {
	t.Helper()
	log := zerolog.Nop()
	store := usage.NewMemoryStore()
	pool := credential.NewPool([]string{"gho_test"}, 0, "test/1.0", nil, log)
	pool.ExchangeURL = githubSrv.URL
	limiter := ratelimit.New(store, log)
	h := New(testConfig(), pool, limiter, store, metrics.New(), log)
	return h, store, limiter
}

// tokenExchangeServer returns a server that answers the token exchange
// GET with a fresh session token whose APIBase is apiBase.
func tokenExchangeServer(t *testing.T, apiBase string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"token":"sess","expires_at":%d,"endpoints":{"api":%q}}`,
			time.Now().Add(time.Hour).Unix(), apiBase)
	}))
}

func TestNormalizeRequest_FlattensTextContentArray(t *testing.T) {
	h, _, _ := newTestHandler(t, httptest.NewServer(nil), httptest.NewServer(nil))
	body := map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{
				"role": "user",
				"content": []interface{}{
					map[string]interface{}{"type": "text", "text": "hello"},
				},
			},
		},
	}

	out, statusErr := h.normalizeRequest(body)
	require.Nil(t, statusErr)
	msgs := out["messages"].([]interface{})
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "hello", msg["content"])
}

func TestNormalizeRequest_BadRequestOnNonTextContentPart(t *testing.T) {
	h, _, _ := newTestHandler(t, httptest.NewServer(nil), httptest.NewServer(nil))
	body := map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{
				"role": "user",
				"content": []interface{}{
					map[string]interface{}{"type": "image_url", "image_url": "http://example.com/x.png"},
				},
			},
		},
	}

	_, statusErr := h.normalizeRequest(body)
	require.NotNil(t, statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.status)
}

func TestNormalizeRequest_O1RewritesSystemRoleToUser(t *testing.T) {
	h, _, _ := newTestHandler(t, httptest.NewServer(nil), httptest.NewServer(nil))
	body := map[string]interface{}{
		"model": "o1-preview",
		"messages": []interface{}{
			map[string]interface{}{"role": "system", "content": "be terse"},
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	}

	out, statusErr := h.normalizeRequest(body)
	require.Nil(t, statusErr)
	msgs := out["messages"].([]interface{})
	for _, m := range msgs {
		msg := m.(map[string]interface{})
		assert.NotEqual(t, "system", msg["role"], "no message may carry role=system once normalized for an o1 model")
	}
}

func TestChatCompletions_O1StreamingSynthesizesSSE(t *testing.T) {
	copilotSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"], "o1 requests must be forced to non-streaming upstream")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{
			"id": "resp-1", "created": 1, "model": "o1-preview",
			"choices": [{"index":0,"message":{"content":"hi there"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`)
	}))
	defer copilotSrv.Close()

	githubSrv := tokenExchangeServer(t, copilotSrv.URL)
	defer githubSrv.Close()

	h, store, _ := newTestHandler(t, githubSrv, copilotSrv)

	reqBody := `{"model":"o1-preview","stream":true,"messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(reqBody))
	rw := httptest.NewRecorder()

	h.ChatCompletions(rw, req)

	resp := rw.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(out), `"content":"hi there"`)
	assert.Contains(t, string(out), "data: [DONE]")

	summary, err := store.Query(time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "o1-preview")
	require.NoError(t, err)
	assert.Equal(t, 5, summary.InputTokens)
	assert.Equal(t, 7, summary.OutputTokens)
}

func TestChatCompletions_UsageRecordThenRateLimitAdmission(t *testing.T) {
	copilotSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":10,\"total_tokens\":20}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer copilotSrv.Close()

	githubSrv := tokenExchangeServer(t, copilotSrv.URL)
	defer githubSrv.Close()

	h, _, limiter := newTestHandler(t, githubSrv, copilotSrv)

	requests := 1
	limiter.AddRule("gpt-4", config.RateLimitRule{
		WindowMinutes: 1, Requests: &requests, Behavior: config.BehaviorError,
	})

	reqBody := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`

	req1 := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(reqBody))
	rw1 := httptest.NewRecorder()
	h.ChatCompletions(rw1, req1)
	require.Equal(t, http.StatusOK, rw1.Result().StatusCode)

	// The first request's completion must have recorded both usage and
	// the request-rate counter before the second request is admitted.
	req2 := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(reqBody))
	rw2 := httptest.NewRecorder()
	h.ChatCompletions(rw2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rw2.Result().StatusCode)
}

func TestChatCompletions_ClientCancelledDuringRateLimitSleepReturns499(t *testing.T) {
	copilotSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called once the client cancels during the rate-limit delay")
	}))
	defer copilotSrv.Close()

	githubSrv := tokenExchangeServer(t, copilotSrv.URL)
	defer githubSrv.Close()

	h, _, limiter := newTestHandler(t, githubSrv, copilotSrv)

	requests := 1
	limiter.AddRule("gpt-4", config.RateLimitRule{
		WindowMinutes: 1, Requests: &requests, Behavior: config.BehaviorDelay,
	})
	limiter.RecordRequest("gpt-4", time.Now())

	reqBody := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(reqBody)).WithContext(ctx)
	rw := httptest.NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	h.ChatCompletions(rw, req)
	assert.Equal(t, 499, rw.Result().StatusCode)
}

type canned struct {
	status int
	header http.Header
	body   io.ReadCloser
}

func (c canned) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: c.status, Header: c.header, Body: c.body}, nil
}

type errAfterReader struct {
	data []byte
	sent bool
	err  error
}

func (r *errAfterReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		n := copy(p, r.data)
		return n, nil
	}
	return 0, r.err
}

func (r *errAfterReader) Close() error { return nil }

func TestChatCompletions_PassthroughStream_UpstreamIOErrorAppendsTerminalFrame(t *testing.T) {
	githubSrv := tokenExchangeServer(t, "http://copilot.invalid")
	defer githubSrv.Close()

	h, _, _ := newTestHandler(t, githubSrv, nil)

	h.client.HTTPClient.Transport = canned{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"text/event-stream"}},
		body: &errAfterReader{
			data: []byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"),
			err:  errors.New("connection reset by peer"),
		},
	}

	reqBody := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(reqBody))
	rw := httptest.NewRecorder()

	h.ChatCompletions(rw, req)

	resp := rw.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(out), "upstream_io_error")
	assert.Contains(t, string(out), "connection reset by peer")
}
