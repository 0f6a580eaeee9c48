// Package google implements provider.Provider for Google OAuth2.
//
// https://developers.google.com/identity/protocols/oauth2/web-server#httprest
//
// The server side flow:
//
//  1. The relay redirects the browser to Google with a signed state.
//  2. The user logs in and grants access.
//  3. Google redirects back to /auth/google/callback with a code.
//  4. The code is exchanged for an access token.
//  5. The access token is used to fetch the user's profile.
//
// ID tokens obtained client side via Google Sign-In can also be verified with
// IdentifyIDToken.
//
// For development the Authorized redirect URI should be set to:
// http://localhost:8082/auth/google/callback
package google

import (
	"context"
	"net/http"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/provider"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

// ProviderName is used in routes and in the identity's Provider field.
const ProviderName = "google"

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"openid", "email", "profile"}

// IDTokenValidator validates a Google ID token for the given audience.
type IDTokenValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Option configures the provider.
type Option func(*Provider)

// WithScopes replaces the default scopes.
func WithScopes(scopes ...string) Option {
	return func(p *Provider) {
		if len(scopes) > 0 {
			p.conf.Scopes = scopes
		}
	}
}

// WithEndpoint overrides Google's OAuth2 endpoints, for tests.
func WithEndpoint(e oauth2.Endpoint) Option {
	return func(p *Provider) {
		p.conf.Endpoint = e
	}
}

// WithUserInfoURL overrides the profile endpoint, for tests.
func WithUserInfoURL(u string) Option {
	return func(p *Provider) {
		p.userInfoURL = u
	}
}

// WithHTTPClient sets the client used for the token exchange and profile
// fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithIDTokenValidator replaces idtoken.Validate, for tests.
func WithIDTokenValidator(v IDTokenValidator) Option {
	return func(p *Provider) {
		p.validateIDToken = v
	}
}

// New returns a Google provider. Client ID and secret are required.
func New(clientID, clientSecret, callbackURL string, opts ...Option) (*Provider, error) {
	if clientID == "" {
		return nil, errors.New("google: config missing client id").WithReason("config_error")
	}
	if clientSecret == "" {
		return nil, errors.New("google: config missing client secret").WithReason("config_error")
	}
	p := &Provider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  callbackURL,
			Scopes:       DefaultScopes,
		},
		userInfoURL:     userInfoEndpoint,
		validateIDToken: idtoken.Validate,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Provider is a Google OAuth2 identity provider.
type Provider struct {
	conf            *oauth2.Config
	userInfoURL     string
	httpClient      *http.Client
	validateIDToken IDTokenValidator
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.IDTokenVerifier = (*Provider)(nil)
)

func (p *Provider) Name() string {
	return ProviderName
}

// AuthCodeURL returns Google's consent page URL with the configured scopes.
func (p *Provider) AuthCodeURL(state string) string {
	return p.conf.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// Identify exchanges the authorization code and fetches the user's profile.
// Provider access and refresh tokens are discarded once the profile is read.
func (p *Provider) Identify(ctx context.Context, code string) (provider.Identity, error) {
	if code == "" {
		return provider.Identity{}, errors.Mark(provider.ErrMissingCode, 0)
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	logging.Debug(ctx, "google: starting token exchange")
	tok, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return provider.Identity{}, exchangeError(ctx, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return provider.Identity{}, errors.Wrap(err, 0)
	}
	resp, err := p.conf.Client(ctx, tok).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return provider.Identity{}, ctx.Err()
		}
		return provider.Identity{}, errors.Cause(provider.ErrUnreachable, errors.Errorf("google: failed to fetch user profile: %s", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return provider.Identity{}, errors.Cause(provider.ErrUnreachable, errors.Errorf("google: user info status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return provider.Identity{}, errors.Cause(provider.ErrRejected, errors.Errorf("google: user info status %d", resp.StatusCode))
	}

	info, err := UserInfoFromJSON(resp.Body)
	if err != nil {
		return provider.Identity{}, err
	}
	logging.Debugw(ctx, "google: user profile fetched", logging.Subject(info.ID)...)
	return info.Identity(), nil
}

// IdentifyIDToken validates an ID token issued to this client and returns the
// identity it asserts.
func (p *Provider) IdentifyIDToken(ctx context.Context, idToken string) (provider.Identity, error) {
	if idToken == "" {
		return provider.Identity{}, errors.Cause(provider.ErrRejected, errors.New("google: empty id token"))
	}
	payload, err := p.validateIDToken(ctx, idToken, p.conf.ClientID)
	if err != nil {
		return provider.Identity{}, errors.Cause(provider.ErrRejected, errors.Errorf("google: failed to validate id token: %s", err))
	}
	claims := payload.Claims
	if claims == nil {
		claims = map[string]interface{}{}
	}
	if _, ok := claims["sub"]; !ok && payload.Subject != "" {
		claims["sub"] = payload.Subject
	}
	info, err := UserInfoFromClaims(claims)
	if err != nil {
		return provider.Identity{}, err
	}
	return info.Identity(), nil
}

// exchangeError classifies a failed code exchange. Google answers a bad,
// expired or reused code with a 4xx; anything else means it could not be
// reached.
func exchangeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return errors.Cause(provider.ErrUnreachable, errors.Errorf("google: token endpoint status %d", re.Response.StatusCode))
		}
		reason := re.ErrorCode
		if reason == "" && re.Response != nil {
			reason = http.StatusText(re.Response.StatusCode)
		}
		return errors.Cause(provider.ErrRejected, errors.Errorf("google: token exchange failed: %s", reason))
	}
	return errors.Cause(provider.ErrUnreachable, errors.Errorf("google: token exchange failed: %s", err))
}
