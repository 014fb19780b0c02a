package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, urls []string, active int) *Pool {
	t.Helper()
	p := NewPool([]string{"gho_one", "gho_two", "gho_three"}, active, "test/1.0", nil, zerolog.Nop())
	p.client.RetryMax = 0
	return p
}

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Authorization"), "token gho_")
		assert.NotEmpty(t, r.Header.Get("editor-version"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestPool_Active_UsesFreshCachedToken(t *testing.T) {
	p := newTestPool(t, nil, 0)
	p.tokens[0] = SessionToken{
		Token:     "cached",
		ExpiresAt: time.Now().Add(time.Hour),
		APIBase:   "https://api.example.com",
	}

	tok, err := p.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", tok.Token)
}

func TestPool_Active_RefreshesExpiredToken(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"token":"fresh","expires_at":` +
			itoa(time.Now().Add(time.Hour).Unix()) + `,"endpoints":{"api":"https://api.example.com"}}`))
	}))
	defer srv.Close()

	p := newTestPool(t, nil, 0)
	overrideExchangeURL(t, p, srv.URL)

	tok, err := p.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Token)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestPool_RefreshWithFailover_AdvancesPastRejectedCredential(t *testing.T) {
	var callCount int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&callCount, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"token":"second","expires_at":` +
			itoa(time.Now().Add(time.Hour).Unix()) + `,"endpoints":{"api":"https://api.example.com"}}`))
	}))
	defer srv.Close()

	p := newTestPool(t, nil, 0)
	overrideExchangeURL(t, p, srv.URL)

	start := time.Now()
	tok, err := p.Active(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "second", tok.Token)
	assert.Equal(t, 1, p.ActiveIndex())
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)

	errs := p.Errors()
	_, hadErr := errs[0]
	assert.True(t, hadErr, "the rejected credential keeps its recorded error after failover")
	assert.Contains(t, errs[0], "bad credentials")
	_, hadErr = errs[1]
	assert.False(t, hadErr, "the credential failover landed on has no recorded error")
}

func TestPool_AllCredentialsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_details":{"message":"revoked"}}`))
	}))
	defer srv.Close()

	p := newTestPool(t, nil, 0)
	overrideExchangeURL(t, p, srv.URL)

	_, err := p.Active(context.Background())
	require.Error(t, err)
	errs := p.Errors()
	assert.Len(t, errs, len(p.credentials))
}

func TestParseGitHubError(t *testing.T) {
	assert.Equal(t, "bad creds", parseGitHubError([]byte(`{"error_details":{"message":"bad creds"}}`)))
	assert.Equal(t, "flat message", parseGitHubError([]byte(`{"message":"flat message"}`)))
	assert.Equal(t, "not json", parseGitHubError([]byte(`not json`)))
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// overrideExchangeURL points a pool's exchange calls at a test server by
// swapping in a transport that rewrites the GitHub host to the server's.
func overrideExchangeURL(t *testing.T, p *Pool, url string) {
	t.Helper()
	p.client.HTTPClient.Transport = rewriteTransport{target: url}
}

type rewriteTransport struct {
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := http.NewRequest(req.Method, rt.target, req.Body)
	if err != nil {
		return nil, err
	}
	u.Header = req.Header
	return http.DefaultTransport.RoundTrip(u)
}
