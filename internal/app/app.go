// Package app wires the livescribe subsystems into a running server.
//
// New builds the recognition backend, the session registry, the optional
// transcript archive and the HTTP surface from a [config.Config]. Run serves
// HTTP until its context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithArchiveLog, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/api"
	"github.com/MrWong99/livescribe/internal/archive"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

const readHeaderTimeout = 10 * time.Second

// checker is implemented by backends and stores that can report readiness.
type checker interface {
	Check(ctx context.Context) error
}

// App owns every subsystem's lifetime.
type App struct {
	cfg       *config.Config
	providers *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	provider     asr.Provider
	providerName string
	metrics      *observe.Metrics
	metricsH     http.Handler
	archiveLog   archive.Log
	guard        *archive.Guard
	registry     *session.Registry
	health       *health.Handler
	server       *http.Server
	levelVar     *slog.LevelVar
	checkers     []health.Checker

	ready chan struct{}
	addr  string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithProvider injects the recognition backend instead of building it from
// the provider registry.
func WithProvider(p asr.Provider, name string) Option {
	return func(a *App) {
		a.provider = p
		a.providerName = name
	}
}

// WithArchiveLog injects the transcript archive instead of connecting to
// PostgreSQL.
func WithArchiveLog(l archive.Log) Option {
	return func(a *App) { a.archiveLog = l }
}

// WithMetrics sets the metric instruments and the handler served on
// /metrics. Without it, [observe.DefaultMetrics] is used and /metrics is not
// served.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsH = h
	}
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// New creates an App by wiring every subsystem together. providers resolves
// the backend names in cfg.Providers; it may be nil when WithProvider is
// given.
func New(ctx context.Context, cfg *config.Config, providers *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	defaults, err := cfg.Recognition.ToASR()
	if err != nil {
		return nil, fmt.Errorf("app: recognition defaults: %w", err)
	}

	if err := a.initProvider(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	regOpts := []session.Option{
		session.WithProviderName(a.providerName),
		session.WithMetrics(a.metrics),
		session.WithDefaults(defaults),
		session.WithMaxSessions(cfg.Sessions.MaxSessions),
		session.WithMaxBufferedBytes(cfg.Sessions.MaxBufferedBytes),
		session.WithResetOnPause(cfg.Sessions.ResetOnPause),
		session.WithIdleTimeout(cfg.Sessions.IdleTimeout),
	}
	apiOpts := []api.Option{
		api.WithOriginPatterns(cfg.Server.WSOriginPatterns...),
		api.WithWSReadLimit(cfg.Server.WSReadLimit),
	}
	if a.guard != nil {
		regOpts = append(regOpts, session.WithSink(a.guard))
		apiOpts = append(apiOpts, api.WithHistory(a.guard))
	}
	a.registry = session.NewRegistry(a.provider, regOpts...)

	a.health = health.New(a.checkers...)

	mux := http.NewServeMux()
	api.New(a.registry, apiOpts...).Register(mux)
	a.health.Register(mux)
	if a.metricsH != nil {
		mux.Handle("GET /metrics", a.metricsH)
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("app: initialised",
		"provider", a.providerName,
		"archive", a.guard != nil,
		"max_sessions", cfg.Sessions.MaxSessions,
	)
	return a, nil
}

// initProvider builds the primary backend and wraps it with the configured
// fallbacks.
func (a *App) initProvider() error {
	if a.provider != nil {
		if c, ok := a.provider.(checker); ok {
			a.checkers = append(a.checkers, health.Checker{Name: "asr", Check: c.Check})
		}
		return nil
	}
	if a.providers == nil {
		return errors.New("no provider registry")
	}

	entries := append([]config.ProviderEntry{a.cfg.Providers.ASR}, a.cfg.Providers.ASRFallbacks...)
	built := make([]asr.Provider, 0, len(entries))
	for _, entry := range entries {
		p, err := a.providers.CreateASR(entry)
		if err != nil {
			return err
		}
		built = append(built, p)
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		if c, ok := p.(checker); ok {
			// With fallbacks configured no single backend is critical.
			a.checkers = append(a.checkers, health.Checker{
				Name:     "asr/" + entry.Name,
				Check:    c.Check,
				Optional: len(entries) > 1,
			})
		}
		slog.Info("app: provider created", "kind", "asr", "name", entry.Name)
	}

	a.providerName = entries[0].Name
	if len(built) == 1 {
		a.provider = built[0]
		return nil
	}

	fb := resilience.NewASRFallback(built[0], entries[0].Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("app: backend circuit changed", "provider", name, "from", from.String(), "to", to.String())
			},
		},
	})
	for i, p := range built[1:] {
		fb.AddFallback(entries[i+1].Name, p)
	}
	fb.SetMetrics(a.metrics)
	a.provider = fb
	a.providerName = "fallback"
	return nil
}

// initArchive connects the transcript archive when one is configured.
func (a *App) initArchive(ctx context.Context) error {
	var pool *archive.PostgresLog
	if a.archiveLog == nil && a.cfg.Archive.PostgresDSN != "" {
		pl, err := archive.NewPostgresLog(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		pool = pl
		a.archiveLog = pl
	}
	if a.archiveLog == nil {
		return nil
	}
	a.guard = archive.NewGuard(a.archiveLog)
	// The guard flushes its queue before the pool goes away.
	a.closers = append(a.closers, a.guard.Close)
	if pool != nil {
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	}
	a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: a.guard.Check, Optional: true})
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the address Run is listening on. Valid after Ready is closed.
func (a *App) Addr() string { return a.addr }

// Run serves HTTP until ctx is cancelled or the server fails. It returns nil
// when ctx ends; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addr = ln.Addr().String()
	close(a.ready)
	slog.Info("app: listening", "addr", a.addr)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies the hot-reloadable parts of a changed configuration. It
// matches [config.ChangeFunc].
func (a *App) ApplyConfig(_, cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", string(d.NewLogLevel))
	}
	if d.RecognitionChanged {
		defaults, err := cfg.Recognition.ToASR()
		if err == nil {
			err = a.registry.SetDefaults(defaults)
		}
		if err != nil {
			slog.Warn("app: recognition defaults not applied", "err", err)
		} else {
			slog.Info("app: recognition defaults changed", "sample_rate_hz", defaults.SampleRateHz, "language", defaults.LanguageCode)
		}
	}
	if d.MaxSessionsChanged {
		a.registry.SetMaxSessions(d.NewMaxSessions)
		slog.Info("app: session limit changed", "max_sessions", d.NewMaxSessions)
	}
}

// Shutdown marks the server as draining, stops every session (which ends
// transcript streams), stops the HTTP server and runs the closers. It
// respects the ctx deadline: remaining closers are skipped once it expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.registry.Len(), "closers", len(a.closers))
		a.health.SetDraining(true)

		a.registry.Close()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
