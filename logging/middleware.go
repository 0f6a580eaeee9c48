package logging

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/google/uuid"
)

const (
	stackSize = 5

	// RequestIDHeader is echoed back on every response and reused when the
	// caller supplies one.
	RequestIDHeader = "X-Request-Id"
)

// Middleware returns an HTTP middleware that creates a new logging scope for
// each request, recovers from panics and logs a single line when the request
// completes. Only the path is logged; query strings can carry authorization
// codes and are never recorded.
func Middleware(base Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(reqID); err != nil {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			ctx := With(r.Context(), base.Named("http").With("request_id", reqID))
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				if p := recover(); p != nil {
					Track(ctx, "error.panic", true)
					TrackError(ctx, errors.Wrap(p, 2))
					if !rec.wroteHeader {
						rec.Header().Set("Content-Type", "application/json")
						rec.WriteHeader(http.StatusInternalServerError)
						_, _ = rec.Write([]byte(`{"error":"internal_error"}` + "\n"))
					}
				}
				logRequest(ctx, r, rec.statusCode(), time.Since(start))
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// TrackError adds error fields to the logging scope so they are reported by
// the request middleware.
func TrackError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	Track(ctx, "error", err.Error())
	Track(ctx, "error.type", reflect.TypeOf(err).String())
	Track(ctx, "error.http_status", errors.HTTPStatusCode(err))

	// Add a minimalist stack trace to the log.
	var relayErr *errors.Error
	if errors.As(err, &relayErr) {
		Track(ctx, "error.stack_trace", relayErr.MinimalStack(0, stackSize))
		Track(ctx, "error.original_type", relayErr.TypeName())
	}
}

func logRequest(ctx context.Context, r *http.Request, status int, d time.Duration) {
	logger := FromContext(ctx).
		With("http.method", r.Method).
		With("http.path", r.URL.Path).
		With("http.status", status).
		With("http.duration_ms", d.Milliseconds())

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed")
	case status >= http.StatusBadRequest:
		logger.Warn("request rejected")
	default:
		logger.Info("request complete")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) statusCode() int {
	if !s.wroteHeader {
		return http.StatusOK
	}
	return s.status
}

// Unwrap allows http.ResponseController to reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
