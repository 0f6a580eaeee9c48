package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc/codes"
)

const maxBodyBytes = 64 << 10

var (
	// ErrMissingIDToken is returned when an ID token login has no token.
	ErrMissingIDToken = errors.NewC("httpapi: missing id_token", codes.InvalidArgument).
				WithReason("invalid_request")

	// ErrUnhealthy is returned by the health check when a dependency is down.
	ErrUnhealthy = errors.NewC("httpapi: unhealthy", codes.Unavailable).
			WithReason("transient_failure")
)

// HealthCheck reports whether a dependency, such as the session store, is
// reachable.
type HealthCheck func(ctx context.Context) error

// RouterOption configures NewRouter.
type RouterOption func(*router)

// WithLogger sets the base logger for the request scope.
func WithLogger(l logging.Logger) RouterOption {
	return func(r *router) {
		r.logger = l
	}
}

// WithMetrics records request and verification metrics and serves the
// registry on /metrics.
func WithMetrics(c *metrics.Collector, h http.Handler) RouterOption {
	return func(r *router) {
		r.metrics = c
		r.metricsHandler = h
	}
}

// WithRateLimiter limits requests to the /auth routes.
func WithRateLimiter(rl *RateLimiter) RouterOption {
	return func(r *router) {
		r.limiter = rl
	}
}

// WithSecurityHeaders overrides the default security headers.
func WithSecurityHeaders(s SecurityHeaders) RouterOption {
	return func(r *router) {
		r.security = s
	}
}

// WithHealthCheck adds a dependency check to /healthz.
func WithHealthCheck(fn HealthCheck) RouterOption {
	return func(r *router) {
		r.health = append(r.health, fn)
	}
}

type router struct {
	c              *Controller
	logger         logging.Logger
	metrics        *metrics.Collector
	metricsHandler http.Handler
	limiter        *RateLimiter
	security       SecurityHeaders
	health         []HealthCheck
}

// NewRouter returns the HTTP handler for the relay.
func NewRouter(c *Controller, opts ...RouterOption) (http.Handler, error) {
	rt := &router{
		c:        c,
		logger:   logging.NewDevLogger(),
		security: SecurityHeaders{XFramesOptions: XFramesOptionsDeny},
	}
	for _, opt := range opts {
		opt(rt)
	}

	secure, err := rt.security.Middleware()
	if err != nil {
		return nil, err
	}

	mux := chi.NewRouter()
	mux.Use(logging.Middleware(rt.logger))
	mux.Use(secure)
	if rt.metrics != nil {
		mux.Use(rt.instrument)
	}

	mux.Get("/healthz", rt.healthz)
	if rt.metricsHandler != nil {
		mux.Method(http.MethodGet, "/metrics", rt.metricsHandler)
	}

	mux.Route("/auth", func(r chi.Router) {
		if rt.limiter != nil {
			if rt.metrics != nil {
				rt.limiter.OnLimited(rt.metrics.RecordRateLimited)
			}
			r.Use(rt.limiter.Middleware)
		}
		r.Get("/verify", JSONHandler(rt.verify).ServeHTTP)
		r.Get("/session", JSONHandler(rt.session).ServeHTTP)
		r.Post("/logout", JSONHandler(rt.logout).ServeHTTP)
		r.Get("/{provider}", rt.initiate)
		r.Get("/{provider}/callback", JSONHandler(rt.callback).ServeHTTP)
		r.Post("/{provider}/idtoken", JSONHandler(rt.idToken).ServeHTTP)
	})

	return mux, nil
}

type subjectResponse struct {
	Subject string `json:"subject"`
}

type idTokenRequest struct {
	IDToken string `json:"id_token"`
}

func (rt *router) initiate(w http.ResponseWriter, r *http.Request) {
	u, err := rt.c.Initiate(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (rt *router) callback(r *http.Request) (any, error) {
	return rt.c.Callback(r.Context(), chi.URLParam(r, "provider"), r.URL.Query())
}

func (rt *router) idToken(r *http.Request) (any, error) {
	raw, err := readIDToken(r)
	if err != nil {
		return nil, err
	}
	return rt.c.IDToken(r.Context(), chi.URLParam(r, "provider"), raw)
}

func (rt *router) verify(r *http.Request) (any, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	subject, err := rt.c.relay.Verify(raw)
	rt.recordVerification(err)
	if err != nil {
		return nil, err
	}
	logging.TrackSubject(r.Context(), subject)
	return subjectResponse{Subject: subject}, nil
}

func (rt *router) session(r *http.Request) (any, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	subject, err := rt.c.relay.CheckSession(r.Context(), raw)
	rt.recordVerification(err)
	if err != nil {
		return nil, err
	}
	logging.TrackSubject(r.Context(), subject)
	return subjectResponse{Subject: subject}, nil
}

func (rt *router) logout(r *http.Request) (any, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	return nil, rt.c.relay.Logout(r.Context(), raw)
}

func (rt *router) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range rt.health {
		if err := check(ctx); err != nil {
			writeError(w, r, errors.Cause(ErrUnhealthy, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records the status of every request against its route pattern
// so that path parameters do not create new series.
func (rt *router) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		rt.metrics.RecordHTTPStatus(route, status)
	})
}

func (rt *router) recordVerification(err error) {
	if rt.metrics == nil {
		return
	}
	if err != nil {
		rt.metrics.RecordVerification(errors.Reason(err, "internal_error"))
		return
	}
	rt.metrics.RecordVerification("valid")
}

// readIDToken accepts either a JSON body or a form post.
func readIDToken(r *http.Request) (string, error) {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var raw string
	if mt == "application/json" {
		var req idTokenRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil && err != io.EOF {
			return "", errors.Cause(ErrMissingIDToken, err)
		}
		raw = req.IDToken
	} else {
		r.Body = body
		if err := r.ParseForm(); err != nil {
			return "", errors.Cause(ErrMissingIDToken, err)
		}
		raw = r.PostForm.Get("id_token")
	}
	if strings.TrimSpace(raw) == "" {
		return "", errors.Mark(ErrMissingIDToken, 0)
	}
	return raw, nil
}
