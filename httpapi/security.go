package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dpup/authrelay/errors"
	"google.golang.org/grpc/codes"
)

type XFramesOptions string

const (
	XFramesOptionsNone       XFramesOptions = ""
	XFramesOptionsDeny       XFramesOptions = "DENY"
	XFramesOptionsSameOrigin XFramesOptions = "SAMEORIGIN"
)

// HSTS requires a minimum expiration of 1 year for preload.
var ErrBadHSTSExpiration = errors.NewC("httpapi: HSTS preload requires expiration of at least 1 year", codes.FailedPrecondition).
	WithReason("config_error")

// SecurityHeaders are set on every response.
type SecurityHeaders struct {
	// X-Frame-Options controls whether the browser should allow the page to be
	// rendered in a frame or iframe.
	XFramesOptions XFramesOptions

	// Strict-Transport-Security (HSTS) tells the browser to always use HTTPS
	// when connecting to the site.
	HSTSExpiration        time.Duration
	HSTSIncludeSubdomains bool
	HSTSPreload           bool
}

// Middleware returns a middleware applying the headers. Responses are never
// cached since they may carry session tokens.
func (s SecurityHeaders) Middleware() (func(http.Handler) http.Handler, error) {
	headers, err := s.compute()
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func (s SecurityHeaders) compute() (map[string]string, error) {
	h := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	if s.XFramesOptions != XFramesOptionsNone {
		h["X-Frame-Options"] = string(s.XFramesOptions)
	}
	if s.HSTSExpiration > 0 {
		v := fmt.Sprintf("max-age=%.0f", s.HSTSExpiration.Seconds())
		if s.HSTSIncludeSubdomains {
			v += "; includeSubDomains"
		}
		if s.HSTSPreload {
			if s.HSTSExpiration < time.Hour*24*365 {
				return nil, errors.Mark(ErrBadHSTSExpiration, 0)
			}
			v += "; preload"
		}
		h["Strict-Transport-Security"] = v
	}
	return h, nil
}
