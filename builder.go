package authrelay

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/httpapi"
	"github.com/dpup/authrelay/logging"
	"github.com/dpup/authrelay/metrics"
	"github.com/dpup/authrelay/provider"
	"github.com/dpup/authrelay/provider/fake"
	"github.com/dpup/authrelay/provider/google"
	"github.com/dpup/authrelay/relay"
	"github.com/dpup/authrelay/session"
	"github.com/dpup/authrelay/session/memstore"
	"github.com/dpup/authrelay/session/redisstore"
	"github.com/dpup/authrelay/session/sqlstore"
	"github.com/dpup/authrelay/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Idle clients are dropped from the rate limiter after this long.
const rateLimitIdle = 10 * time.Minute

// ServerOption customizes how the server is assembled.
type ServerOption func(*builder)

// WithContext sets the base context for request handling.
func WithContext(ctx context.Context) ServerOption {
	return func(b *builder) {
		b.baseContext = ctx
	}
}

// WithLogger overrides the logger built from the logging config.
func WithLogger(l logging.Logger) ServerOption {
	return func(b *builder) {
		b.logger = l
	}
}

// WithStore uses the given session store instead of the configured driver.
// The caller remains responsible for closing it.
func WithStore(s session.Store) ServerOption {
	return func(b *builder) {
		b.store = s
	}
}

// WithProvider adds an identity provider alongside the configured one.
func WithProvider(p provider.Provider) ServerOption {
	return func(b *builder) {
		b.providers = append(b.providers, p)
	}
}

// WithRegistry registers metrics with reg instead of a new registry.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(b *builder) {
		b.registry = reg
	}
}

type builder struct {
	cfg         *Config
	baseContext context.Context
	logger      logging.Logger
	store       session.Store
	providers   []provider.Provider
	registry    *prometheus.Registry
}

// New assembles a server from cfg. Every component is constructed here once
// and handed to the components that depend on it.
func New(cfg *Config, opts ...ServerOption) (*Server, error) {
	b := &builder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

func (b *builder) build() (_ *Server, err error) {
	cfg := b.cfg
	if b.baseContext == nil {
		b.baseContext = context.Background()
	}
	if b.logger == nil {
		if b.logger, err = logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level); err != nil {
			return nil, errors.Cause(ErrConfig, err)
		}
	}
	ctx := logging.With(b.baseContext, b.logger)
	for _, w := range cfg.Warnings {
		logging.Warn(ctx, "config: "+w.String())
	}

	s := &Server{
		baseContext:     ctx,
		addr:            cfg.ListenAddr(),
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	store := b.store
	if store == nil {
		if store, err = b.openStore(); err != nil {
			return nil, err
		}
		if c, ok := store.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}
	s.store = store

	if s.signer, err = token.NewSigner(cfg.Auth.SigningKey, token.WithIssuer(cfg.Auth.Issuer)); err != nil {
		return nil, err
	}
	states, err := provider.NewStateCodec(cfg.Auth.SigningKey,
		provider.WithStateExpiration(cfg.Provider.StateExpiration))
	if err != nil {
		return nil, err
	}

	if b.registry == nil {
		b.registry = prometheus.NewRegistry()
		b.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collector := metrics.NewCollector(b.registry)

	if s.relay, err = relay.New(s.signer, store,
		relay.WithTTL(cfg.Auth.Expiration),
		relay.WithWriteGrace(cfg.Auth.WriteGrace),
		relay.WithRetryPolicy(relay.RetryPolicy{
			MaxRetries:      cfg.Auth.Retry.MaxRetries,
			InitialInterval: cfg.Auth.Retry.InitialInterval,
			MaxElapsed:      cfg.Auth.Retry.MaxElapsed,
		}),
		relay.WithObserver(collector),
	); err != nil {
		return nil, err
	}

	p, err := b.buildProvider()
	if err != nil {
		return nil, err
	}
	controller := httpapi.NewController(s.relay, states, append([]provider.Provider{p}, b.providers...)...)

	routerOpts := []httpapi.RouterOption{
		httpapi.WithLogger(b.logger),
		httpapi.WithMetrics(collector, metrics.Handler(b.registry)),
		httpapi.WithSecurityHeaders(httpapi.SecurityHeaders{
			XFramesOptions: httpapi.XFramesOptions(cfg.Server.Security.XFramesOptions),
			HSTSExpiration: cfg.Server.Security.HSTSExpiration,
		}),
	}
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		routerOpts = append(routerOpts, httpapi.WithHealthCheck(pinger.Ping))
	}
	if cfg.Limit.RPS > 0 {
		s.limiter = httpapi.NewRateLimiter(cfg.Limit.RPS, cfg.Limit.Burst, rateLimitIdle)
		routerOpts = append(routerOpts, httpapi.WithRateLimiter(s.limiter))
	}
	if s.handler, err = httpapi.NewRouter(controller, routerOpts...); err != nil {
		return nil, err
	}

	logging.Infow(ctx, "authrelay: configured",
		"provider", p.Name(),
		"store", cfg.Store.Driver,
		"ttl", cfg.Auth.Expiration.String())
	return s, nil
}

func (b *builder) openStore() (session.Store, error) {
	sc := b.cfg.Store
	switch sc.Driver {
	case "", "memory":
		return memstore.New(memstore.WithSweepInterval(sc.SweepInterval)), nil
	case "redis":
		return redisstore.Open(sc.DSN, redisstore.WithKeyPrefix(sc.KeyPrefix))
	case "postgres", "sqlite", "sqlite3":
		opts := []sqlstore.Option{
			sqlstore.WithSweepInterval(sc.SweepInterval),
			sqlstore.WithLogger(b.logger.Named("sqlstore")),
			sqlstore.WithAutoCreateTable(true),
		}
		if sc.Table != "" {
			opts = append(opts, sqlstore.WithTable(sc.Table))
		}
		return sqlstore.Open(sc.Driver, sc.DSN, opts...)
	}
	return nil, errors.Cause(ErrConfig, fmt.Errorf("unknown store.driver %q", sc.Driver))
}

func (b *builder) buildProvider() (provider.Provider, error) {
	pc := b.cfg.Provider
	switch pc.Name {
	case google.ProviderName:
		return google.New(pc.ClientID, pc.ClientSecret, pc.CallbackURL, google.WithScopes(pc.Scopes...))
	case fake.ProviderName:
		return fake.New(pc.CallbackURL), nil
	}
	return nil, errors.Cause(ErrConfig, fmt.Errorf("unknown provider.name %q", pc.Name))
}
