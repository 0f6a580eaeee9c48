package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/metrics"
	"github.com/dpup/authrelay/provider"
	"github.com/dpup/authrelay/provider/fake"
	"github.com/dpup/authrelay/relay"
	"github.com/dpup/authrelay/session"
	"github.com/dpup/authrelay/session/memstore"
	"github.com/dpup/authrelay/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testSecret   = "httpapi-test-secret"
	testCallback = "http://relay.test/auth/fake/callback"
)

type fixture struct {
	handler http.Handler
	fake    *fake.Provider
	states  *provider.StateCodec
	store   session.Store
}

type fixtureOption struct {
	store      session.Store
	relayOpts  []relay.Option
	routerOpts []RouterOption
	fakeOpts   []fake.Option
	providers  []provider.Provider
}

func newFixture(t *testing.T, o fixtureOption) *fixture {
	t.Helper()
	signer, err := token.NewSigner(testSecret)
	require.NoError(t, err)
	states, err := provider.NewStateCodec(testSecret)
	require.NoError(t, err)

	store := o.store
	if store == nil {
		store = memstore.New()
	}
	h, err := relay.New(signer, store, o.relayOpts...)
	require.NoError(t, err)

	fp := fake.New(testCallback, o.fakeOpts...)
	providers := append([]provider.Provider{fp}, o.providers...)
	c := NewController(h, states, providers...)

	routerOpts := append([]RouterOption{WithLogger(logging.NewZapLogger(zap.NewNop()))}, o.routerOpts...)
	handler, err := NewRouter(c, routerOpts...)
	require.NoError(t, err)
	return &fixture{handler: handler, fake: fp, states: states, store: store}
}

func (f *fixture) do(t *testing.T, method, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// login follows the redirect from the fake provider and returns the token.
func (f *fixture) login(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodGet, "/auth/fake", "")
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	w = f.do(t, http.MethodGet, loc.RequestURI(), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.Token)
	return res.Token
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res.Error
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	tok := f.login(t)

	stored, ok, err := f.store.Get(context.Background(), "fake-user-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tok, stored)

	w := f.do(t, http.MethodGet, "/auth/verify", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subject":"fake-user-123"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/auth/session", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subject":"fake-user-123"}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/auth/logout", tok)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/auth/session", tok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "revoked", errorKind(t, w))

	// Signature checks stay valid until the token expires.
	w = f.do(t, http.MethodGet, "/auth/verify", tok)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInitiateRedirect(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	w := f.do(t, http.MethodGet, "/auth/fake", "")
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/fake/callback", loc.Path)

	_, err = f.states.Verify(loc.Query().Get("state"), fake.ProviderName)
	assert.NoError(t, err)
}

func TestCallbackErrors(t *testing.T) {
	unavailable := failingStore{err: session.Unavailable(errors.New("connection refused"))}
	fastRetry := relay.WithRetryPolicy(relay.RetryPolicy{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxElapsed:      50 * time.Millisecond,
	})

	tests := []struct {
		name     string
		opts     fixtureOption
		setup    func(*fixture)
		query    func(state string) string
		path     string
		wantCode int
		wantKind string
	}{
		{
			name:     "unknown provider",
			path:     "/auth/nope/callback",
			query:    func(state string) string { return "code=u1&state=" + state },
			wantCode: http.StatusNotFound,
			wantKind: "invalid_request",
		},
		{
			name:     "missing state",
			query:    func(string) string { return "code=u1" },
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_request",
		},
		{
			name:     "forged state",
			query:    func(string) string { return "code=u1&state=bm9wZQ" },
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_request",
		},
		{
			name:     "missing code",
			query:    func(state string) string { return "state=" + state },
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_request",
		},
		{
			name:     "user denied consent",
			query:    func(state string) string { return "error=access_denied&state=" + state },
			wantCode: http.StatusForbidden,
			wantKind: "access_denied",
		},
		{
			name:  "provider rejects code",
			setup: func(f *fixture) {
				f.fake.FailWith(errors.Cause(provider.ErrRejected, errors.New("invalid_grant")))
			},
			query:    func(state string) string { return "code=u1&state=" + state },
			wantCode: http.StatusUnauthorized,
			wantKind: "auth_error",
		},
		{
			name:     "store unavailable",
			opts:     fixtureOption{store: unavailable, relayOpts: []relay.Option{fastRetry}},
			query:    func(state string) string { return "code=u1&state=" + state },
			wantCode: http.StatusServiceUnavailable,
			wantKind: "transient_failure",
		},
		{
			name:     "empty identity",
			opts:     fixtureOption{fakeOpts: []fake.Option{fake.WithIdentity("blank", provider.Identity{})}},
			query:    func(state string) string { return "code=blank&state=" + state },
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			if tt.setup != nil {
				tt.setup(f)
			}
			path := tt.path
			if path == "" {
				path = "/auth/fake/callback"
			}
			w := f.do(t, http.MethodGet, path+"?"+tt.query(f.states.New(fake.ProviderName)), "")
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantKind, errorKind(t, w))
		})
	}
}

func TestStateBoundToProvider(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	w := f.do(t, http.MethodGet, "/auth/fake/callback?code=u1&state="+f.states.New("google"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.fake.Calls())
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	tok := f.login(t)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic " + tok},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not-a-token"},
		{"tampered", "Bearer " + tok[:len(tok)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/auth/verify", "/auth/session", "/auth/logout"} {
				method := http.MethodGet
				if path == "/auth/logout" {
					method = http.MethodPost
				}
				req := httptest.NewRequest(method, path, nil)
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				w := httptest.NewRecorder()
				f.handler.ServeHTTP(w, req)
				assert.Equal(t, http.StatusUnauthorized, w.Code, path)
				assert.Equal(t, "invalid_token", errorKind(t, w), path)
			}
		})
	}
}

func TestReloginRevokesPreviousSession(t *testing.T) {
	f := newFixture(t, fixtureOption{})
	first := f.login(t)
	time.Sleep(1100 * time.Millisecond) // tokens have second precision
	second := f.login(t)
	require.NotEqual(t, first, second)

	w := f.do(t, http.MethodGet, "/auth/session", first)
	assert.Equal(t, "revoked", errorKind(t, w))
	w = f.do(t, http.MethodGet, "/auth/session", second)
	assert.Equal(t, http.StatusOK, w.Code)
}

// noIDTokens is a provider that only supports the redirect flow.
type noIDTokens struct{}

func (noIDTokens) Name() string              { return "basic" }
func (noIDTokens) AuthCodeURL(string) string { return "http://basic.test/authorize" }
func (noIDTokens) Identify(context.Context, string) (provider.Identity, error) {
	return provider.Identity{ExternalID: "basic-user"}, nil
}

func TestIDTokenLogin(t *testing.T) {
	f := newFixture(t, fixtureOption{providers: []provider.Provider{noIDTokens{}}})

	post := func(path, contentType, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		return w
	}

	w := post("/auth/fake/idtoken", "application/json", `{"id_token":"u7"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"token"`)

	w = post("/auth/fake/idtoken", "application/x-www-form-urlencoded", "id_token=u8")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, ok, err := f.store.Get(context.Background(), "u8")
	require.NoError(t, err)
	assert.True(t, ok)

	w = post("/auth/fake/idtoken", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", errorKind(t, w))

	w = post("/auth/fake/idtoken", "application/json", `{"id_token":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post("/auth/basic/idtoken", "application/json", `{"id_token":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "invalid_request", errorKind(t, w))
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, 0)
	defer rl.Stop()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	f := newFixture(t, fixtureOption{routerOpts: []RouterOption{
		WithRateLimiter(rl),
		WithMetrics(collector, metrics.Handler(reg)),
	}})

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/auth/fake", "")
		require.Equal(t, http.StatusFound, w.Code)
	}
	w := f.do(t, http.MethodGet, "/auth/fake", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", errorKind(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health checks are not limited.
	w = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authrelay_rate_limited_total 1")
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 1, time.Minute)
	defer rl.Stop()

	rl.get("10.0.0.1")
	rl.get("10.0.0.2")
	require.Equal(t, 2, rl.Len())

	rl.cleanup(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, rl.Len())
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	f := newFixture(t, fixtureOption{routerOpts: []RouterOption{
		WithMetrics(collector, metrics.Handler(reg)),
	}})
	tok := f.login(t)
	f.do(t, http.MethodGet, "/auth/verify", tok)
	f.do(t, http.MethodGet, "/auth/verify", "nope")

	w := f.do(t, http.MethodGet, "/metrics", "")
	body := w.Body.String()
	assert.Contains(t, body, `authrelay_http_requests_total{route="/auth/{provider}/callback",status_code="200"} 1`)
	assert.Contains(t, body, `authrelay_http_requests_total{route="/auth/{provider}",status_code="302"} 1`)
	assert.Contains(t, body, `authrelay_token_verifications_total{result="valid"} 1`)
	assert.Contains(t, body, `authrelay_token_verifications_total{result="invalid_token"} 1`)
	assert.NotContains(t, body, "fake-user-123")
}

func TestHealthz(t *testing.T) {
	healthy := true
	f := newFixture(t, fixtureOption{routerOpts: []RouterOption{
		WithHealthCheck(func(context.Context) error {
			if healthy {
				return nil
			}
			return session.Unavailable(errors.New("ping: connection refused"))
		}),
	}})

	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	healthy = false
	w = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "transient_failure", errorKind(t, w))
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, fixtureOption{routerOpts: []RouterOption{
		WithSecurityHeaders(SecurityHeaders{
			XFramesOptions:        XFramesOptionsSameOrigin,
			HSTSExpiration:        365 * 24 * time.Hour,
			HSTSIncludeSubdomains: true,
			HSTSPreload:           true,
		}),
	}})
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "max-age=31536000; includeSubDomains; preload", w.Header().Get("Strict-Transport-Security"))
	assert.NotEmpty(t, w.Header().Get(logging.RequestIDHeader))

	_, err := SecurityHeaders{HSTSExpiration: time.Hour, HSTSPreload: true}.Middleware()
	assert.ErrorIs(t, err, ErrBadHSTSExpiration)
}

func TestLogsOmitCodesAndTokens(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newFixture(t, fixtureOption{
		fakeOpts: []fake.Option{fake.WithIdentity("secret-auth-code", provider.Identity{ExternalID: "u1"})},
		routerOpts: []RouterOption{
			WithLogger(logging.NewZapLogger(zap.New(core))),
		},
	})

	w := f.do(t, http.MethodGet, "/auth/fake/callback?code=secret-auth-code&state="+f.states.New(fake.ProviderName), "")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	f.do(t, http.MethodGet, "/auth/session", res.Token)

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		line := entry.Message
		for k, v := range entry.ContextMap() {
			line += " " + k + "=" + toString(v)
		}
		assert.NotContains(t, line, "secret-auth-code")
		assert.NotContains(t, line, res.Token)
	}
}

func toString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type failingStore struct {
	err error
}

func (s failingStore) Put(context.Context, string, string, time.Duration) error { return s.err }
func (s failingStore) Get(context.Context, string) (string, bool, error)        { return "", false, s.err }
func (s failingStore) Delete(context.Context, string) error                     { return s.err }
