package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareLogsCompletion(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	mw := Middleware(NewZapLogger(zap.New(core)))

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Track(r.Context(), "provider", "google")
		w.WriteHeader(http.StatusFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=secret-code&state=abc", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))

	require.Equal(t, 1, obs.Len())
	entry := obs.All()[0]
	assert.Equal(t, "request complete", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "/auth/google/callback", fields["http.path"])
	assert.Equal(t, int64(http.StatusFound), fields["http.status"])
	assert.Equal(t, "google", fields["provider"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "secret-code", "authorization codes must not be logged")
		}
	}
}

func TestMiddlewareReusesRequestID(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	h := Middleware(NewZapLogger(zap.New(core)))(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "3f1c1e8a-7c1b-4f7e-9a44-2b1f4c7f9d10")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "3f1c1e8a-7c1b-4f7e-9a44-2b1f4c7f9d10", rr.Header().Get(RequestIDHeader))
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	h := Middleware(NewZapLogger(zap.New(core)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/verify", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal_error"}`, rr.Body.String())

	require.Equal(t, 1, obs.Len())
	fields := obs.All()[0].ContextMap()
	assert.Equal(t, true, fields["error.panic"])
	assert.Equal(t, "boom", fields["error"])
}
