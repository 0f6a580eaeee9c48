// Package httpapi exposes the login relay over HTTP.
//
// Routes:
//
//	GET  /auth/{provider}           302 to the provider's consent page
//	GET  /auth/{provider}/callback  200 {"token": "..."}
//	POST /auth/{provider}/idtoken   200 {"token": "..."} for client side ID tokens
//	GET  /auth/verify               200 {"subject": "..."}, stateless
//	GET  /auth/session              200 {"subject": "..."}, checked against the store
//	POST /auth/logout               204
//	GET  /healthz
//	GET  /metrics
//
// Failures respond with {"error": "<kind>"} and an HTTP status derived from
// the error.
package httpapi

import (
	"context"
	"net/url"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/provider"
	"github.com/dpup/authrelay/relay"
	"google.golang.org/grpc/codes"
)

var (
	// ErrUnknownProvider is returned for routes naming an unconfigured provider.
	ErrUnknownProvider = errors.NewC("httpapi: unknown provider", codes.NotFound).
				WithReason("invalid_request")

	// ErrIDTokenUnsupported is returned when a provider can not verify ID
	// tokens.
	ErrIDTokenUnsupported = errors.NewC("httpapi: provider does not accept id tokens", codes.NotFound).
				WithReason("invalid_request")
)

// Controller implements the two legs of the login flow on top of a relay
// handler.
type Controller struct {
	relay     *relay.Handler
	states    *provider.StateCodec
	providers map[string]provider.Provider
}

// NewController returns a controller serving the given providers.
func NewController(h *relay.Handler, states *provider.StateCodec, providers ...provider.Provider) *Controller {
	c := &Controller{
		relay:     h,
		states:    states,
		providers: map[string]provider.Provider{},
	}
	for _, p := range providers {
		c.providers[p.Name()] = p
	}
	return c
}

// Initiate returns the URL the browser should be redirected to.
func (c *Controller) Initiate(ctx context.Context, name string) (string, error) {
	p, err := c.provider(name)
	if err != nil {
		return "", err
	}
	logging.Infow(ctx, "auth: redirecting to provider", "provider", name)
	return p.AuthCodeURL(c.states.New(name)), nil
}

// Callback completes a login from the provider's redirect back to the relay.
func (c *Controller) Callback(ctx context.Context, name string, q url.Values) (relay.Result, error) {
	p, err := c.provider(name)
	if err != nil {
		return relay.Result{}, err
	}
	if _, err := c.states.Verify(q.Get("state"), name); err != nil {
		return relay.Result{}, err
	}
	if err := provider.CallbackError(q.Get("error"), q.Get("error_description")); err != nil {
		return relay.Result{}, err
	}

	id, err := p.Identify(ctx, q.Get("code"))
	if err != nil {
		return relay.Result{}, err
	}
	return c.complete(ctx, name, id)
}

// IDToken completes a login from an ID token obtained client side.
func (c *Controller) IDToken(ctx context.Context, name, idToken string) (relay.Result, error) {
	p, err := c.provider(name)
	if err != nil {
		return relay.Result{}, err
	}
	v, ok := p.(provider.IDTokenVerifier)
	if !ok {
		return relay.Result{}, errors.Mark(ErrIDTokenUnsupported, 0)
	}
	id, err := v.IdentifyIDToken(ctx, idToken)
	if err != nil {
		return relay.Result{}, err
	}
	return c.complete(ctx, name, id)
}

func (c *Controller) complete(ctx context.Context, name string, id provider.Identity) (relay.Result, error) {
	if id.Provider == "" {
		id.Provider = name
	}
	logging.TrackSubject(ctx, id.ExternalID)
	return c.relay.HandleCallback(ctx, id)
}

func (c *Controller) provider(name string) (provider.Provider, error) {
	p, ok := c.providers[name]
	if !ok {
		return nil, errors.Cause(ErrUnknownProvider, errors.Errorf("provider %q is not configured", name))
	}
	return p, nil
}
