// Package provider defines how authrelay talks to an external identity
// provider, and the signed state that ties a callback to the redirect that
// started it.
//
// A login has two legs. The relay redirects the browser to AuthCodeURL, then
// the provider redirects back to the callback with an authorization code,
// which Identify exchanges for the user's identity. Implementations live in
// sub-packages: google for Google OAuth2, fake for local development and
// tests.
package provider

import (
	"context"

	"github.com/dpup/authrelay/errors"
	"google.golang.org/grpc/codes"
)

var (
	// ErrDenied is returned when the user declined consent at the provider.
	ErrDenied = errors.NewC("provider: user denied access", codes.PermissionDenied).
			WithReason("access_denied")

	// ErrRejected is returned when the provider refused the authorization code
	// or credentials, e.g. an expired or replayed code.
	ErrRejected = errors.NewC("provider: login rejected", codes.Unauthenticated).
			WithReason("auth_error")

	// ErrUnreachable is returned when the provider could not be contacted.
	ErrUnreachable = errors.NewC("provider: unreachable", codes.Unavailable).
			WithReason("transient_failure")

	// ErrInvalidState is returned when the callback's state parameter is
	// missing, expired, forged or was issued for another provider.
	ErrInvalidState = errors.NewC("provider: invalid state", codes.InvalidArgument).
			WithReason("invalid_request")

	// ErrMissingCode is returned when a callback carries neither a code nor an
	// error.
	ErrMissingCode = errors.NewC("provider: missing authorization code", codes.InvalidArgument).
			WithReason("invalid_request")
)

// Identity is what the provider asserts about the user. It is created at
// callback time and never persisted by the relay.
type Identity struct {
	// Provider scoped unique identifier. Becomes the session subject.
	ExternalID string

	// Optional, empty if the provider did not share it.
	Email         string
	EmailVerified bool
	Name          string

	// Name of the provider that asserted the identity.
	Provider string
}

// Provider is an OAuth2 identity provider.
type Provider interface {
	// Name is used in routes, e.g. /auth/{name}/callback.
	Name() string

	// AuthCodeURL returns the provider's authorization URL for the given state,
	// including the requested scopes.
	AuthCodeURL(state string) string

	// Identify exchanges an authorization code for the user's identity.
	Identify(ctx context.Context, code string) (Identity, error)
}

// IDTokenVerifier is implemented by providers that can also accept an ID token
// obtained client side, e.g. via Google Sign-In.
type IDTokenVerifier interface {
	IdentifyIDToken(ctx context.Context, idToken string) (Identity, error)
}

// CallbackError maps the `error` query parameter of an OAuth2 callback to an
// error. Returns nil if the parameter is empty.
func CallbackError(code, description string) error {
	switch code {
	case "":
		return nil
	case "access_denied":
		return errors.Mark(ErrDenied, 0)
	case "temporarily_unavailable", "server_error":
		return errors.Cause(ErrUnreachable, errors.Errorf("provider returned %s", code))
	}
	if description != "" {
		return errors.Cause(ErrRejected, errors.Errorf("provider returned %s: %s", code, description))
	}
	return errors.Cause(ErrRejected, errors.Errorf("provider returned %s", code))
}
