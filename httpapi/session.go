package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/relay"
	"google.golang.org/grpc/codes"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.NewC("httpapi: missing bearer token", codes.Unauthenticated).
	WithReason("invalid_token")

type subjectKey struct{}

// SubjectFromContext returns the subject attached by RequireSession.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// ContextWithSubject attaches a verified subject to ctx.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", errors.Mark(ErrMissingToken, 0)
	}
	return strings.TrimSpace(tok), nil
}

// RequireSession rejects requests without a current session and exposes the
// verified subject to next through SubjectFromContext. When stateful is false
// only the token signature and expiry are checked.
func RequireSession(h *relay.Handler, stateful bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := BearerToken(r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			var subject string
			if stateful {
				subject, err = h.CheckSession(r.Context(), raw)
			} else {
				subject, err = h.Verify(raw)
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			logging.TrackSubject(r.Context(), subject)
			next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
		})
	}
}
