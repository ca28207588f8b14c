package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

var (
	// ErrSessionNotFound is returned for an unknown session key.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrInvalidConfig wraps every recognition-configuration validation
	// failure reported by [Registry.Create].
	ErrInvalidConfig = errors.New("session: invalid recognition config")

	// ErrTooManySessions is returned by [Registry.Create] when the configured
	// session limit is reached.
	ErrTooManySessions = errors.New("session: too many sessions")

	// ErrRegistryClosed is returned by [Registry.Create] after Close.
	ErrRegistryClosed = errors.New("session: registry closed")
)

// Option is a functional option for [NewRegistry].
type Option func(*Registry)

// WithMaxSessions limits the number of concurrent sessions. n <= 0 means
// unlimited.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions.Store(int64(n)) }
}

// WithMaxBufferedBytes bounds every session's audio buffer (drop-oldest).
func WithMaxBufferedBytes(n int) Option {
	return func(r *Registry) { r.maxBuffered = n }
}

// WithResetOnPause makes Pause clear the session's buffered audio.
func WithResetOnPause(v bool) Option {
	return func(r *Registry) { r.resetOnPause = v }
}

// WithIdleTimeout enables the reaper: sessions without activity and without
// an attached consumer for longer than d are deleted. Zero disables reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSink forwards every final transcript of every session to s.
func WithSink(s Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDefaults sets the recognition configuration returned by
// [Registry.Defaults].
func WithDefaults(cfg asr.RecognitionConfig) Option {
	return func(r *Registry) { r.defaults = cfg }
}

// WithProviderName labels provider metrics.
func WithProviderName(name string) Option {
	return func(r *Registry) { r.providerName = name }
}

// WithStopTimeout bounds how long deleting a session waits for its adapter.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Registry) { r.stopTimeout = d }
}

// Registry maps session keys to live sessions. It is an explicit instance
// handed to whoever needs it; there is no package-level registry.
//
// All methods are safe for concurrent use.
type Registry struct {
	provider     asr.Provider
	providerName string
	maxBuffered  int
	resetOnPause bool
	idleTimeout  time.Duration
	stopTimeout  time.Duration
	sink         Sink
	metrics      *observe.Metrics
	maxSessions  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	defaults asr.RecognitionConfig
	closed   bool

	reaperDone chan struct{}
	closeOnce  sync.Once
}

// NewRegistry creates a registry whose sessions recognise through provider.
// Sessions run on a context owned by the registry and are stopped by Close.
func NewRegistry(provider asr.Provider, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		defaults: asr.DefaultRecognitionConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.idleTimeout > 0 {
		r.reaperDone = make(chan struct{})
		go r.reap()
	}
	return r
}

// Create validates cfg, registers a new session under a fresh key, starts it
// and returns it. Validation failures wrap [ErrInvalidConfig].
func (r *Registry) Create(cfg asr.RecognitionConfig) (*Session, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if limit := r.maxSessions.Load(); limit > 0 && int64(len(r.sessions)) >= limit {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, limit)
	}

	key := NewKey()
	for r.sessions[key] != nil {
		key = NewKey()
	}

	s := New(Config{
		Key:              key,
		Provider:         r.provider,
		ProviderName:     r.providerName,
		Recognition:      cfg,
		MaxBufferedBytes: r.maxBuffered,
		ResetOnPause:     r.resetOnPause,
		StopTimeout:      r.stopTimeout,
		Metrics:          r.metrics,
		Sink:             r.sink,
	})
	r.sessions[key] = s
	r.mu.Unlock()

	s.Start(r.ctx)
	r.metrics.ActiveSessions.Add(context.Background(), 1)

	slog.Info("session: created",
		"session", key,
		"sample_rate_hz", cfg.SampleRateHz,
		"language", cfg.LanguageCode,
		"encoding", cfg.Encoding.String(),
	)
	return s, nil
}

// Get returns the session registered under key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Lookup is like Get but reports a missing session as [ErrSessionNotFound].
func (r *Registry) Lookup(key string) (*Session, error) {
	s, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, key)
	}
	return s, nil
}

// Delete removes the session registered under key and stops it. It reports
// whether a session was removed; deleting an unknown key is a no-op.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.Stop()
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session: deleted", "session", key)
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns a snapshot of every session, oldest first.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return infos
}

// Defaults returns the recognition configuration new sessions start from.
func (r *Registry) Defaults() asr.RecognitionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetDefaults replaces the defaults for sessions created from now on. Running
// sessions keep their configuration.
func (r *Registry) SetDefaults(cfg asr.RecognitionConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	r.mu.Lock()
	r.defaults = cfg
	r.mu.Unlock()
	return nil
}

// SetMaxSessions changes the session limit. Existing sessions are never
// evicted; the limit applies to subsequent Create calls. n <= 0 means
// unlimited.
func (r *Registry) SetMaxSessions(n int) {
	r.maxSessions.Store(int64(n))
}

// Close stops the reaper and deletes every session. Create fails afterwards.
// Calling Close more than once is safe.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		keys := make([]string, 0, len(r.sessions))
		for k := range r.sessions {
			keys = append(keys, k)
		}
		r.mu.Unlock()

		r.cancel()
		if r.reaperDone != nil {
			<-r.reaperDone
		}

		var wg sync.WaitGroup
		for _, k := range keys {
			wg.Go(func() { r.Delete(k) })
		}
		wg.Wait()
	})
}

// reap periodically deletes idle sessions until the registry is closed.
func (r *Registry) reap() {
	defer close(r.reaperDone)

	interval := min(max(r.idleTimeout/2, 10*time.Millisecond), 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			for _, key := range r.idleKeys(now) {
				if r.Delete(key) {
					slog.Info("session: reaped idle session", "session", key, "idle_timeout", r.idleTimeout)
				}
			}
		}
	}
}

func (r *Registry) idleKeys(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k, s := range r.sessions {
		if s.consumers.Load() > 0 {
			continue
		}
		if now.Sub(s.LastActivity()) > r.idleTimeout {
			keys = append(keys, k)
		}
	}
	return keys
}
