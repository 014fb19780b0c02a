/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Session-token cache over a pool of refresh credentials,
             with synchronous forward-only failover when the active
             credential is rejected by the upstream token exchange.
Root Cause:  The proxy must never forward a client's own credentials
             upstream; it hides the token exchange behind a pool that
             can rotate past a revoked credential without downtime.
Context:     Adapted from the connection-pool's mutex/map idiom for
             the credential/session-token cache this proxy actually
             needs.
Suitability: L3 model for concurrency-sensitive pool design.
──────────────────────────────────────────────────────────────
*/

// Package credential manages the pool of GitHub Copilot refresh
// credentials and the short-lived session tokens exchanged for them.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/yousef-awad/copilot-more/internal/metrics"
)

const tokenExchangeURL = "https://api.github.com/copilot_internal/v2/token"

// sessionTokenFreshness is the lead time before expiry at which a
// cached session token is considered stale and must be refreshed.
const sessionTokenFreshness = 300 * time.Second

// SessionToken is a short-lived token exchanged for a refresh
// credential, plus the upstream API base it is valid against.
type SessionToken struct {
	Token     string
	ExpiresAt time.Time
	APIBase   string
}

func (t SessionToken) fresh(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && t.ExpiresAt.After(now.Add(sessionTokenFreshness))
}

// Pool manages a set of refresh credentials, the active index, the
// session token cached per index, and any recorded exchange errors.
type Pool struct {
	logger zerolog.Logger
	client *retryablehttp.Client

	// ExchangeURL is the token-exchange endpoint. It defaults to
	// GitHub's and exists as an exported field so callers in other
	// packages can point it at a test double without a transport.
	ExchangeURL string

	editorVersion string
	credentials   []string
	metrics       *metrics.Registry

	mu     sync.Mutex
	active int
	tokens map[int]SessionToken
	errors map[int]string
}

// NewPool builds a credential pool over the given refresh credentials.
// activeIndex must be within range; callers validate this via config.
// reg may be nil, in which case failover events are not recorded.
func NewPool(credentials []string, activeIndex int, editorVersion string, reg *metrics.Registry, logger zerolog.Logger) *Pool {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	return &Pool{
		logger:        logger.With().Str("component", "credential_pool").Logger(),
		client:        client,
		ExchangeURL:   tokenExchangeURL,
		editorVersion: editorVersion,
		credentials:   credentials,
		metrics:       reg,
		active:        activeIndex,
		tokens:        make(map[int]SessionToken),
		errors:        make(map[int]string),
	}
}

// Active returns a valid session token, refreshing the active
// credential (and failing over past it) if the cached token is
// missing or within sessionTokenFreshness of expiry.
func (p *Pool) Active(ctx context.Context) (SessionToken, error) {
	now := time.Now()

	p.mu.Lock()
	idx := p.active
	if tok, ok := p.tokens[idx]; ok && tok.fresh(now) {
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	return p.refreshWithFailover(ctx, idx)
}

// refreshWithFailover refreshes the credential at idx. If the
// exchange fails and idx is still the active credential, it walks
// forward through the remaining credentials (2s before each attempt,
// 1s between failures) until one succeeds, with no wrap-around.
func (p *Pool) refreshWithFailover(ctx context.Context, idx int) (SessionToken, error) {
	tok, err := p.exchange(ctx, idx)
	if err == nil {
		p.mu.Lock()
		p.tokens[idx] = tok
		delete(p.errors, idx)
		p.mu.Unlock()
		return tok, nil
	}

	p.mu.Lock()
	p.errors[idx] = err.Error()
	isActive := idx == p.active
	p.mu.Unlock()

	if !isActive {
		return SessionToken{}, err
	}

	for next := idx + 1; next < len(p.credentials); next++ {
		select {
		case <-ctx.Done():
			return SessionToken{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}

		p.logger.Info().Int("index", next).Msg("attempting failover to next credential")
		tok, err := p.exchange(ctx, next)
		if err == nil {
			p.mu.Lock()
			p.active = next
			p.tokens[next] = tok
			delete(p.errors, next)
			p.mu.Unlock()
			p.logger.Info().Int("index", next).Msg("failed over to credential")
			if p.metrics != nil {
				p.metrics.TrackCredentialFailover(idx)
				p.metrics.ActiveCredentialIndex(next)
			}
			return tok, nil
		}

		p.mu.Lock()
		p.errors[next] = err.Error()
		p.mu.Unlock()
		p.logger.Error().Int("index", next).Err(err).Msg("candidate credential also failed")

		select {
		case <-ctx.Done():
			return SessionToken{}, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return SessionToken{}, fmt.Errorf("all available credentials have failed")
}

// exchange performs the GitHub Copilot token exchange for a single
// credential index. It never touches the pool's mutex or shared
// state; callers are responsible for recording the outcome.
func (p *Pool) exchange(ctx context.Context, idx int) (SessionToken, error) {
	if idx < 0 || idx >= len(p.credentials) {
		return SessionToken{}, fmt.Errorf("invalid credential index: %d", idx)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.ExchangeURL, nil)
	if err != nil {
		return SessionToken{}, err
	}
	req.Header.Set("Authorization", "token "+p.credentials[idx])
	req.Header.Set("editor-version", p.editorVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return SessionToken{}, fmt.Errorf("credential %d: exchange request failed: %w", idx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SessionToken{}, fmt.Errorf("credential %d: reading exchange response: %w", idx, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := parseGitHubError(body)
		return SessionToken{}, fmt.Errorf("credential %d: exchange failed: %d %s", idx, resp.StatusCode, msg)
	}

	var parsed struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
		Endpoints struct {
			API string `json:"api"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return SessionToken{}, fmt.Errorf("credential %d: decoding exchange response: %w", idx, err)
	}

	return SessionToken{
		Token:     parsed.Token,
		ExpiresAt: time.Unix(parsed.ExpiresAt, 0),
		APIBase:   parsed.Endpoints.API,
	}, nil
}

// parseGitHubError extracts the most useful error message out of a
// GitHub API error body, tolerating both the error_details envelope
// and the flat message field, and falling back to the raw body.
func parseGitHubError(body []byte) string {
	if msg := gjson.GetBytes(body, "error_details.message"); msg.Exists() {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return msg.String()
	}
	return string(body)
}

// Errors returns a snapshot of the currently recorded per-credential
// exchange errors, keyed by credential index.
func (p *Pool) Errors() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]string, len(p.errors))
	for k, v := range p.errors {
		out[k] = v
	}
	return out
}

// ActiveIndex returns the currently active credential index.
func (p *Pool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
