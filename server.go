// Package authrelay assembles the login relay: configuration, the session
// store, the token signer, identity providers and the HTTP server.
//
// Usage:
//
//	cfg, err := authrelay.LoadConfig()
//	...
//	s, err := authrelay.New(cfg)
//	...
//	err = s.Start()
package authrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/dpup/authrelay/httpapi"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/relay"
	"github.com/dpup/authrelay/session"
	"github.com/dpup/authrelay/token"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server serves the relay's HTTP API.
type Server struct {
	// Address to listen on, host:port.
	addr string

	// Maximum time to drain connections on shutdown.
	shutdownTimeout time.Duration

	// Context that is propagated to handlers.
	baseContext context.Context

	store   session.Store
	signer  *token.Signer
	relay   *relay.Handler
	limiter *httpapi.RateLimiter
	handler http.Handler

	// Resources owned by the server, closed on shutdown.
	closers []io.Closer

	mu         sync.Mutex
	httpServer *http.Server
	closeOnce  sync.Once
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return gziphandler.GzipHandler(s.handler)
}

// Relay returns the callback handler, e.g. to mint tokens out of band.
func (s *Server) Relay() *relay.Handler {
	return s.relay
}

// Signer returns the session token signer.
func (s *Server) Signer() *token.Signer {
	return s.signer
}

// Store returns the session store.
func (s *Server) Store() session.Store {
	return s.store
}

// Start serves requests until SIGINT or SIGTERM is received, then drains
// connections and releases resources.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(s.baseContext, syscall.SIGTERM, os.Interrupt)
	defer stop()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logging.Info(s.baseContext, "👋 Graceful shutdown triggered...")
		done <- s.Shutdown(context.Background())
	}()

	if err := s.Serve(ln); err != nil {
		return err
	}
	return <-done
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.baseContext
		},
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	logging.Infof(s.baseContext, "🚀  Listening for traffic on http://%s", ln.Addr())
	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return err // The server wasn't shutdown gracefully.
	}
	return nil
}

// Shutdown stops accepting connections, waits for in-flight requests up to the
// configured timeout and closes the session store.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			logging.Errorw(s.baseContext, "❌ Shutdown error", "error", err)
		} else {
			logging.Info(s.baseContext, "👍 Connections drained")
		}
	}
	return errors.Join(err, s.closeResources())
}

func (s *Server) closeResources() error {
	var err error
	s.closeOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		var errs []error
		for _, c := range s.closers {
			errs = append(errs, c.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
