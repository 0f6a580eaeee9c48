package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/dpup/authrelay/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

type fakeGoogle struct {
	*httptest.Server
	tokenStatus    int
	userInfoStatus int
	userInfo       map[string]interface{}
	gotCode        string
	gotAuthHeader  string
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{
		tokenStatus:    http.StatusOK,
		userInfoStatus: http.StatusOK,
		userInfo: map[string]interface{}{
			"sub":            "108093472958",
			"email":          "u1@x.com",
			"email_verified": true,
			"name":           "Jyn Erso",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.gotCode = r.PostForm.Get("code")
		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "provider-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.gotAuthHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.userInfoStatus)
		json.NewEncoder(w).Encode(f.userInfo)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGoogle) provider(t *testing.T, opts ...Option) *Provider {
	opts = append([]Option{
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   f.URL + "/auth",
			TokenURL:  f.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}),
		WithUserInfoURL(f.URL + "/userinfo"),
		WithHTTPClient(f.Client()),
	}, opts...)
	p, err := New("client-id", "client-secret", "http://localhost:8082/auth/google/callback", opts...)
	require.NoError(t, err)
	return p
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New("", "secret", "")
	require.Error(t, err)
	_, err = New("id", "", "")
	require.Error(t, err)
}

func TestAuthCodeURL(t *testing.T) {
	p, err := New("client-id", "client-secret", "http://localhost:8082/auth/google/callback")
	require.NoError(t, err)

	u, err := url.Parse(p.AuthCodeURL("the-state"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", u.Host)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "the-state", q.Get("state"))
	assert.Equal(t, "http://localhost:8082/auth/google/callback", q.Get("redirect_uri"))
	assert.Equal(t, "online", q.Get("access_type"))
	assert.Empty(t, q.Get("client_secret"))
}

func TestAuthCodeURLWithScopes(t *testing.T) {
	p, err := New("id", "secret", "", WithScopes("openid", "https://www.googleapis.com/auth/calendar.readonly"))
	require.NoError(t, err)

	u, err := url.Parse(p.AuthCodeURL("s"))
	require.NoError(t, err)
	assert.Equal(t, "openid https://www.googleapis.com/auth/calendar.readonly", u.Query().Get("scope"))
}

func TestIdentify(t *testing.T) {
	f := newFakeGoogle(t)
	p := f.provider(t)

	id, err := p.Identify(t.Context(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, provider.Identity{
		ExternalID:    "108093472958",
		Email:         "u1@x.com",
		EmailVerified: true,
		Name:          "Jyn Erso",
		Provider:      ProviderName,
	}, id)
	assert.Equal(t, "auth-code", f.gotCode)
	assert.Equal(t, "Bearer provider-access-token", f.gotAuthHeader)
}

func TestIdentifyErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeGoogle)
		code  string
		want  error
	}{
		{"missing code", func(*fakeGoogle) {}, "", provider.ErrMissingCode},
		{"code rejected", func(f *fakeGoogle) { f.tokenStatus = http.StatusBadRequest }, "c", provider.ErrRejected},
		{"token endpoint down", func(f *fakeGoogle) { f.tokenStatus = http.StatusBadGateway }, "c", provider.ErrUnreachable},
		{"userinfo unauthorized", func(f *fakeGoogle) { f.userInfoStatus = http.StatusUnauthorized }, "c", provider.ErrRejected},
		{"userinfo down", func(f *fakeGoogle) { f.userInfoStatus = http.StatusServiceUnavailable }, "c", provider.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGoogle(t)
			tt.setup(f)
			_, err := f.provider(t).Identify(t.Context(), tt.code)
			require.ErrorIs(t, err, tt.want)
			assert.NotContains(t, err.Error(), "provider-access-token")
			assert.NotContains(t, err.Error(), "client-secret")
		})
	}
}

func TestIdentifyUnreachable(t *testing.T) {
	f := newFakeGoogle(t)
	p := f.provider(t)
	f.Close()

	_, err := p.Identify(t.Context(), "c")
	require.ErrorIs(t, err, provider.ErrUnreachable)
}

func TestIdentifyCanceled(t *testing.T) {
	f := newFakeGoogle(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.provider(t).Identify(ctx, "c")
	require.ErrorIs(t, err, context.Canceled)
}

func TestIdentifyIDToken(t *testing.T) {
	var gotAudience string
	p, err := New("client-id", "secret", "", WithIDTokenValidator(func(_ context.Context, tok, aud string) (*idtoken.Payload, error) {
		gotAudience = aud
		if tok != "good-id-token" {
			return nil, errors.New("idtoken: invalid token")
		}
		return &idtoken.Payload{
			Subject: "108093472958",
			Claims: map[string]interface{}{
				"email":          "u1@x.com",
				"email_verified": "true",
			},
		}, nil
	}))
	require.NoError(t, err)

	id, err := p.IdentifyIDToken(t.Context(), "good-id-token")
	require.NoError(t, err)
	assert.Equal(t, "client-id", gotAudience)
	assert.Equal(t, "108093472958", id.ExternalID)
	assert.Equal(t, "u1@x.com", id.Email)
	assert.True(t, id.EmailVerified)

	_, err = p.IdentifyIDToken(t.Context(), "forged")
	require.ErrorIs(t, err, provider.ErrRejected)

	_, err = p.IdentifyIDToken(t.Context(), "")
	require.ErrorIs(t, err, provider.ErrRejected)
}
