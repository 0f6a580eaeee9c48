// Package fake provides an identity provider for local development and
// integration tests.
//
// AuthCodeURL skips any login page and points straight back at the callback,
// using the configured default subject as the authorization code. Identify
// treats the code as the subject, so tests can log in as anyone by calling the
// callback with ?code=<subject>.
package fake

import (
	"context"
	"net/url"
	"sync"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/provider"
)

const (
	// ProviderName is used in routes and in the identity's Provider field.
	ProviderName = "fake"

	defaultSubject = "fake-user-123"
)

// Option configures the provider.
type Option func(*Provider)

// WithDefaultSubject sets the code placed in the redirect URL.
func WithDefaultSubject(subject string) Option {
	return func(p *Provider) {
		p.defaultSubject = subject
	}
}

// WithIdentity returns id for the given code instead of deriving one.
func WithIdentity(code string, id provider.Identity) Option {
	return func(p *Provider) {
		p.identities[code] = id
	}
}

// New returns a fake provider that redirects to callbackURL.
func New(callbackURL string, opts ...Option) *Provider {
	p := &Provider{
		callbackURL:    callbackURL,
		defaultSubject: defaultSubject,
		identities:     map[string]provider.Identity{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provider is a fake identity provider.
type Provider struct {
	callbackURL    string
	defaultSubject string

	mu         sync.Mutex
	identities map[string]provider.Identity
	err        error
	calls      int
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.IDTokenVerifier = (*Provider)(nil)
)

func (p *Provider) Name() string {
	return ProviderName
}

// AuthCodeURL returns the callback URL with the default subject as the code.
func (p *Provider) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("code", p.defaultSubject)
	q.Set("state", state)
	return p.callbackURL + "?" + q.Encode()
}

// Identify returns the identity registered for code, or one derived from it.
func (p *Provider) Identify(ctx context.Context, code string) (provider.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := ctx.Err(); err != nil {
		return provider.Identity{}, err
	}
	if p.err != nil {
		return provider.Identity{}, p.err
	}
	if code == "" {
		return provider.Identity{}, errors.Mark(provider.ErrMissingCode, 0)
	}
	if id, ok := p.identities[code]; ok {
		return id, nil
	}
	return provider.Identity{
		ExternalID:    code,
		Email:         code + "@example.com",
		EmailVerified: true,
		Provider:      ProviderName,
	}, nil
}

// IdentifyIDToken treats the ID token like an authorization code.
func (p *Provider) IdentifyIDToken(ctx context.Context, idToken string) (provider.Identity, error) {
	if idToken == "" {
		return provider.Identity{}, errors.Cause(provider.ErrRejected, errors.New("fake: empty id token"))
	}
	return p.Identify(ctx, idToken)
}

// FailWith makes subsequent Identify calls return err. Pass nil to recover.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns how many times Identify was called.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
