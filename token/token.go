// Package token issues and verifies signed session tokens.
//
// Tokens are HS256 JWTs carrying the subject, issuer, issue time and expiry.
// Verification only needs the signing key, so it never touches the session
// store.
package token

import (
	"crypto/sha256"
	"io"
	"strings"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/codes"
)

// DefaultIssuer is written to the `iss` claim unless overridden.
const DefaultIssuer = "authrelay"

// HKDF info strings for the keys derived from the configured secret.
const (
	PurposeSession = "authrelay session token v1"
	PurposeState   = "authrelay oauth state v1"
)

var (
	// ErrMissingSecret is returned when a signer is constructed without a key.
	ErrMissingSecret = errors.NewC("token: no signing secret configured", codes.FailedPrecondition).
				WithReason("config_error").
				WithHTTPStatusCode(500)

	// ErrExpired is returned when a token is past its expiry.
	ErrExpired = errors.NewC("token: expired", codes.Unauthenticated).
			WithReason("expired")

	// ErrInvalidToken is returned when a token is malformed, has a bad signature
	// or was issued by someone else.
	ErrInvalidToken = errors.NewC("token: invalid", codes.Unauthenticated).
			WithReason("invalid_token")

	// ErrInvalidArgument is returned by Issue for an empty subject or a
	// non-positive lifetime.
	ErrInvalidArgument = errors.NewC("token: invalid argument", codes.InvalidArgument).
				WithReason("invalid_request")
)

// SessionToken is a freshly minted token and the claims it carries.
type SessionToken struct {
	Raw       string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// String returns the encoded token.
func (t SessionToken) String() string {
	return t.Raw
}

// Claims are the JWT claims of a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// Option customizes a Signer.
type Option func(*Signer)

// WithIssuer sets the issuer written to and required on tokens.
func WithIssuer(issuer string) Option {
	return func(s *Signer) {
		s.issuer = issuer
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// Signer mints and verifies session tokens. It is safe for concurrent use and
// holds no mutable state after construction.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewSigner derives a signing key from secret and returns a Signer.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.Mark(ErrMissingSecret, 0)
	}
	key, err := DeriveKey(secret, PurposeSession)
	if err != nil {
		return nil, errors.Cause(ErrMissingSecret, err)
	}
	s := &Signer{
		key:    key,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a token for subject that expires after ttl. Claims have second
// precision: the issue time is rounded down and the expiry up, so a token is
// never issued already expired.
func (s *Signer) Issue(subject string, ttl time.Duration) (SessionToken, error) {
	if len(s.key) == 0 || s.now == nil {
		return SessionToken{}, errors.Mark(ErrMissingSecret, 0)
	}
	if strings.TrimSpace(subject) == "" {
		return SessionToken{}, errors.Cause(ErrInvalidArgument, errors.New("subject is empty"))
	}
	if ttl <= 0 {
		return SessionToken{}, errors.Cause(ErrInvalidArgument, errors.Errorf("ttl must be positive, got %s", ttl))
	}
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(now.Add(ttl))),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return SessionToken{}, errors.Wrap(err, 0).WithCode(codes.Internal)
	}
	return SessionToken{
		Raw:       raw,
		Subject:   subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the signature and expiry of a token and returns its subject.
func (s *Signer) Verify(raw string) (string, error) {
	claims, err := s.Parse(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Parse verifies a token and returns all of its claims.
func (s *Signer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(*jwt.Token) (interface{}, error) {
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, errors.Cause(ErrExpired, err)
	default:
		return nil, errors.Cause(ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, errors.Mark(ErrInvalidToken, 0)
	}
	return claims, nil
}

func ceilSecond(t time.Time) time.Time {
	if f := t.Truncate(time.Second); !f.Equal(t) {
		return f.Add(time.Second)
	}
	return t
}

// DeriveKey expands secret into a 32 byte key bound to purpose, so the same
// secret never signs two kinds of payload with the same key.
func DeriveKey(secret, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
