// Package relay turns a verified external identity into a session.
//
// A callback moves through Received → Minted → Stored → Responded. The token
// is only returned once the session record has been written, so any service
// reading the store sees the new session before the client can present it.
// If the store stays unavailable after the retry budget is spent the login
// fails with ErrTransientFailure and the minted token is discarded.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/provider"
	"github.com/dpup/authrelay/session"
	"github.com/dpup/authrelay/token"
	"google.golang.org/grpc/codes"
)

// DefaultTTL is the lifetime of tokens and session records.
const DefaultTTL = time.Hour

var (
	// ErrInvalidIdentity is returned when the provider asserted no subject.
	ErrInvalidIdentity = errors.NewC("relay: identity has no external id", codes.InvalidArgument).
				WithReason("invalid_identity")

	// ErrTransientFailure is returned when the session could not be stored
	// within the retry budget. Clients should retry the login.
	ErrTransientFailure = errors.NewC("relay: session store unavailable", codes.Unavailable).
				WithReason("transient_failure")

	// ErrRevoked is returned by CheckSession when a validly signed token no
	// longer matches the stored session, because of logout or a newer login.
	ErrRevoked = errors.NewC("relay: session revoked", codes.Unauthenticated).
			WithReason("revoked")
)

// Signer mints and verifies session tokens.
type Signer interface {
	Issue(subject string, ttl time.Duration) (token.SessionToken, error)
	Verify(raw string) (string, error)
}

// Observer receives callback outcomes, e.g. for metrics.
type Observer interface {
	// ObserveCallback is called once per HandleCallback with the outcome
	// ("success" or an error reason) and the time taken.
	ObserveCallback(outcome string, d time.Duration)

	// ObserveStoreRetry is called before each retried store operation.
	ObserveStoreRetry(op string)
}

// RetryPolicy bounds retries of an unavailable session store.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy allows two retries within a budget well under two
// seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      2,
	InitialInterval: 100 * time.Millisecond,
	MaxElapsed:      1500 * time.Millisecond,
}

// Result is returned to the client on a successful login.
type Result struct {
	Token     string    `json:"token"`
	Subject   string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithTTL sets the token and record lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		h.ttl = ttl
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *Handler) {
		h.retry = p
	}
}

// WithWriteGrace lets an in-flight session write finish for up to d after the
// request context is cancelled. By default cancellation aborts the write and
// the client must log in again.
func WithWriteGrace(d time.Duration) Option {
	return func(h *Handler) {
		h.writeGrace = d
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) {
		h.observer = o
	}
}

// Handler performs the post-authentication step. It holds no mutable state
// and is safe for concurrent use.
type Handler struct {
	signer     Signer
	store      session.Store
	ttl        time.Duration
	retry      RetryPolicy
	writeGrace time.Duration
	observer   Observer
}

// New returns a Handler that mints with signer and records sessions in store.
func New(signer Signer, store session.Store, opts ...Option) (*Handler, error) {
	if signer == nil || store == nil {
		return nil, errors.New("relay: signer and store are required").WithReason("config_error")
	}
	h := &Handler{
		signer:   signer,
		store:    store,
		ttl:      DefaultTTL,
		retry:    DefaultRetryPolicy,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.ttl <= 0 {
		return nil, errors.Errorf("relay: ttl must be positive, got %s", h.ttl).WithReason("config_error")
	}
	if h.retry.MaxRetries < 0 {
		h.retry.MaxRetries = 0
	}
	return h, nil
}

// TTL returns the lifetime of issued tokens.
func (h *Handler) TTL() time.Duration {
	return h.ttl
}

// HandleCallback mints a token for the identity, records it and returns it.
func (h *Handler) HandleCallback(ctx context.Context, id provider.Identity) (res Result, err error) {
	start := time.Now()
	defer func() {
		h.observer.ObserveCallback(outcome(err), time.Since(start))
	}()

	subject := id.ExternalID
	if strings.TrimSpace(subject) == "" {
		return Result{}, errors.Mark(ErrInvalidIdentity, 0)
	}
	ctx = logging.WithSubject(ctx, subject)

	tok, err := h.signer.Issue(subject, h.ttl)
	if err != nil {
		return Result{}, err
	}

	writeCtx := ctx
	if h.writeGrace > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), h.writeGrace)
		defer cancel()
	}
	if err := h.withRetries(writeCtx, "put", func(ctx context.Context) error {
		return h.store.Put(ctx, subject, tok.Raw, h.ttl)
	}); err != nil {
		return Result{}, h.storeError(ctx, "put", err)
	}

	logging.Infow(ctx, "relay: session issued",
		"provider", id.Provider,
		"expires_at", tok.ExpiresAt.UTC().Format(time.RFC3339))
	return Result{Token: tok.Raw, Subject: subject, ExpiresAt: tok.ExpiresAt}, nil
}

// Verify checks a token's signature and expiry without touching the store.
func (h *Handler) Verify(raw string) (string, error) {
	return h.signer.Verify(raw)
}

// CheckSession verifies a token and confirms it is still the current session
// for its subject.
func (h *Handler) CheckSession(ctx context.Context, raw string) (string, error) {
	subject, err := h.signer.Verify(raw)
	if err != nil {
		return "", err
	}
	var stored string
	var ok bool
	err = h.withRetries(ctx, "get", func(ctx context.Context) error {
		var err error
		stored, ok, err = h.store.Get(ctx, subject)
		return err
	})
	if err != nil {
		return "", h.storeError(ctx, "get", err)
	}
	if !ok || stored != raw {
		return "", errors.Mark(ErrRevoked, 0)
	}
	return subject, nil
}

// Logout deletes the session record for the token's subject. Tokens remain
// verifiable until they expire, but CheckSession rejects them.
func (h *Handler) Logout(ctx context.Context, raw string) error {
	subject, err := h.signer.Verify(raw)
	if err != nil {
		return err
	}
	err = h.withRetries(ctx, "delete", func(ctx context.Context) error {
		return h.store.Delete(ctx, subject)
	})
	if err != nil {
		return h.storeError(ctx, "delete", err)
	}
	logging.Infow(ctx, "relay: session deleted", logging.Subject(subject)...)
	return nil
}

// withRetries runs op, retrying only session.ErrUnavailable within the retry
// policy. Attempts share a single deadline of MaxElapsed, so a slow store
// cannot stretch the call past the budget.
func (h *Handler) withRetries(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retry.InitialInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(h.retry.MaxRetries + 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.observer.ObserveStoreRetry(op)
			logging.Warnw(ctx, "relay: session store unavailable, retrying",
				"op", op,
				"error", err,
				"backoff_ms", next.Milliseconds())
		}),
	}

	budgetCtx := ctx
	if h.retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(h.retry.MaxElapsed))
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, h.retry.MaxElapsed)
		defer cancel()
	}

	_, err := backoff.Retry(budgetCtx, func() (struct{}, error) {
		err := fn(budgetCtx)
		if err == nil || errors.Is(err, session.ErrUnavailable) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, opts...)
	if err != nil && ctx.Err() == nil && budgetCtx.Err() != nil {
		// The budget ran out while the caller was still waiting.
		return session.Unavailable(errors.Errorf("%s: retry budget of %s exhausted: %v", op, h.retry.MaxElapsed, err))
	}
	return err
}

// storeError maps a store failure onto the outward taxonomy. Details stay in
// the logs.
func (h *Handler) storeError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, session.ErrUnavailable):
		logging.Errorw(ctx, "relay: session store unavailable", "op", op, "error", err)
		return errors.Cause(ErrTransientFailure, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logging.Warnw(ctx, "relay: session store operation cancelled", "op", op, "error", err)
		return errors.Wrap(err, 0).WithCode(codes.Unavailable).WithReason("transient_failure")
	case errors.Is(err, session.ErrInvalidRecord):
		return err
	}
	logging.Errorw(ctx, "relay: session store failed", "op", op, "error", err)
	return errors.Wrap(err, 0).WithCode(codes.Internal).WithReason("internal_error")
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return errors.Reason(err, "internal_error")
}

type nopObserver struct{}

func (nopObserver) ObserveCallback(string, time.Duration) {}
func (nopObserver) ObserveStoreRetry(string)              {}
