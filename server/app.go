package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"traced/federation"
	"traced/guard"
	"traced/session"
)

const (
	nonceSweepInterval   = time.Minute
	sessionSweepInterval = 10 * time.Minute
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Providers *federation.Registry
	Nonces    federation.NonceStore
	Redirects *federation.RedirectBuilder
	Exchanger *federation.Exchanger
	Flow      *federation.Flow
	Sessions  *session.Store
	Guard     *guard.Table
	Cookies   session.CookieOptions
	Metrics   *Metrics
	Proxy     *CatalogProxy
	Limiter   *RateLimiter

	stop    chan struct{}
	closers []func() error
}

// Option customises NewApp.
type Option func(*appOptions)

type appOptions struct {
	httpClient *http.Client
	persister  session.Persister
	nonces     federation.NonceStore
}

// WithHTTPClient sets the client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *appOptions) { o.httpClient = c }
}

// WithPersister overrides the configured session backend.
func WithPersister(p session.Persister) Option {
	return func(o *appOptions) { o.persister = p }
}

// WithNonceStore overrides the configured nonce backend.
func WithNonceStore(s federation.NonceStore) Option {
	return func(o *appOptions) { o.nonces = s }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Login.ExchangeTimeout}
	}

	providers, err := federation.NewRegistry(cfg.Descriptors()...)
	if err != nil {
		return nil, err
	}
	table, err := cfg.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Providers: providers,
		Guard:     table,
		Cookies: session.CookieOptions{
			Secure: !cfg.Server.DevMode,
			Domain: cfg.Server.CookieDomain,
		},
		Metrics: NewMetrics(),
		stop:    make(chan struct{}),
	}
	app.closers = append(app.closers, func() error { close(app.stop); return nil })

	nonces := o.nonces
	if nonces == nil {
		nonces, err = app.openNonceStore(ctx)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
	}
	app.Nonces = nonces

	persister := o.persister
	if persister == nil {
		persister, err = app.openPersister(ctx)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
	}
	app.Sessions = session.NewStore(persister, cfg.Sessions.TTL, logger)
	warmed, err := app.Sessions.Warm(ctx)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	app.Sessions.StartSweeper(app.stop, sessionSweepInterval)

	app.Redirects = federation.NewRedirectBuilder(providers, nonces)
	app.Exchanger = federation.NewExchanger(providers, federation.ExchangerConfig{
		HTTPClient: o.httpClient,
		Timeout:    cfg.Login.ExchangeTimeout,
		Roles:      federation.NewStaticRoles(cfg.Admins),
		Logger:     logger,
	})
	app.Flow = federation.NewFlow(nonces, app.Exchanger, app.Sessions, app.Metrics, logger)

	if cfg.Login.RateLimit.PerMinute > 0 {
		app.Limiter = NewRateLimiter(cfg.Login.RateLimit.PerMinute, cfg.Login.RateLimit.Burst, cfg.Server.TrustProxyHeaders)
	}

	if cfg.Catalog.Target != "" {
		app.Proxy, err = NewCatalogProxy(cfg.Catalog, logger)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
	}

	logger.Info("gateway initialised",
		"providers", providers.IDs(),
		"nonce_backend", cfg.Login.NonceBackend,
		"session_backend", cfg.Sessions.Backend,
		"sessions_loaded", warmed,
		"guarded_routes", len(table.Routes()),
		"catalog", cfg.Catalog.Target != "",
	)
	return app, nil
}

func (a *App) openNonceStore(ctx context.Context) (federation.NonceStore, error) {
	cfg := a.Config.Login
	switch cfg.NonceBackend {
	case BackendRedis:
		client, err := federation.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return federation.NewRedisNonceStore(client, cfg.NonceTTL), nil
	default:
		store := federation.NewMemoryNonceStore(cfg.NonceTTL)
		store.StartSweeper(a.stop, nonceSweepInterval)
		return store, nil
	}
}

func (a *App) openPersister(ctx context.Context) (session.Persister, error) {
	cfg := a.Config.Sessions
	var driver string
	switch cfg.Backend {
	case BackendSQLite:
		driver = session.DriverSQLite
	case BackendPostgres:
		driver = session.DriverPostgres
	default:
		return session.NewMemoryPersister(), nil
	}

	p, err := session.OpenSQL(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

// Close stops background work and releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
