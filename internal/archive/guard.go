package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

const (
	// defaultWriteTimeout bounds a single archive write.
	defaultWriteTimeout = 2 * time.Second

	// defaultQueueSize is the number of transcripts that may wait for the
	// writer before new ones are dropped.
	defaultQueueSize = 1024
)

// ErrDegraded is returned by [Guard.Check] while the archive is failing.
var ErrDegraded = errors.New("archive: degraded")

var _ session.Sink = (*Guard)(nil)

// GuardOption is a functional option for [NewGuard].
type GuardOption func(*Guard)

// WithWriteTimeout bounds every Append issued by the writer.
func WithWriteTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock overrides the time source used to stamp recorded entries.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithQueueSize sets how many transcripts may wait for the writer. Records
// arriving while the queue is full are dropped.
func WithQueueSize(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

// pending is a transcript waiting to be appended.
type pending struct {
	ctx   context.Context
	entry Entry
}

// Guard wraps a [Log] and makes every operation non-fatal. Failures are logged
// and swallowed, and the guard reports itself degraded until the next
// successful call.
//
// Writes go through a bounded queue drained by a single writer goroutine, so
// [Guard.Record] never waits on the database. Call [Guard.Close] to flush the
// queue and stop the writer.
//
// Guard implements [session.Sink]. All methods are safe for concurrent use.
type Guard struct {
	log       Log
	timeout   time.Duration
	now       func() time.Time
	queueSize int

	queue chan pending
	stop  chan struct{}
	done  chan struct{}

	mu        sync.RWMutex // guards closed against in-flight Records
	closed    bool
	closeOnce sync.Once

	degraded atomic.Bool
	failures atomic.Int64
	dropped  atomic.Int64
}

// NewGuard wraps l and starts the writer goroutine.
func NewGuard(l Log, opts ...GuardOption) *Guard {
	g := &Guard{
		log:       l,
		timeout:   defaultWriteTimeout,
		now:       time.Now,
		queueSize: defaultQueueSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.queue = make(chan pending, g.queueSize)
	go g.writer()
	return g
}

// Record implements [session.Sink]. It enqueues the transcript and returns
// immediately. The write is detached from ctx's cancellation so a transcript
// finalized during teardown is still archived. When the queue is full, or
// after Close, the transcript is dropped and counted.
func (g *Guard) Record(ctx context.Context, key string, ev transcript.Event) {
	p := pending{
		ctx:   context.WithoutCancel(ctx),
		entry: Entry{SessionKey: key, Text: ev.Text, At: g.now()},
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.drop(key)
		return
	}
	select {
	case g.queue <- p:
	default:
		g.drop(key)
	}
}

func (g *Guard) drop(key string) {
	if g.dropped.Add(1)%100 == 1 {
		slog.Warn("archive: transcript dropped, writer busy or closed", "session", key, "dropped", g.dropped.Load())
	}
}

func (g *Guard) writer() {
	defer close(g.done)
	for {
		select {
		case p := <-g.queue:
			g.write(p)
		case <-g.stop:
			for {
				select {
				case p := <-g.queue:
					g.write(p)
				default:
					return
				}
			}
		}
	}
}

func (g *Guard) write(p pending) {
	ctx, cancel := context.WithTimeout(p.ctx, g.timeout)
	defer cancel()

	if err := g.log.Append(ctx, p.entry); err != nil {
		g.fail()
		slog.Warn("archive: append failed, dropping transcript", "session", p.entry.SessionKey, "err", err)
		return
	}
	g.degraded.Store(false)
}

// Close flushes queued transcripts and stops the writer. Records after Close
// are dropped. It is safe to call more than once.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.stop)
	})
	<-g.done
	return nil
}

// Recent returns the newest archived entries for key. On failure it returns an
// empty slice and marks the guard degraded.
func (g *Guard) Recent(ctx context.Context, key string, limit int) []Entry {
	entries, err := g.log.Recent(ctx, key, limit)
	if err != nil {
		g.fail()
		slog.Warn("archive: recent failed, returning empty", "session", key, "limit", limit, "err", err)
		return []Entry{}
	}
	g.degraded.Store(false)
	return entries
}

// Check reports the archive's readiness. It pings the log when the log
// supports it and fails with [ErrDegraded] while the last operation failed.
func (g *Guard) Check(ctx context.Context) error {
	if p, ok := g.log.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if g.IsDegraded() {
		return fmt.Errorf("%w: %d failed operations, %d dropped transcripts", ErrDegraded, g.Failures(), g.Dropped())
	}
	return nil
}

func (g *Guard) fail() {
	g.degraded.Store(true)
	g.failures.Add(1)
}

// IsDegraded reports whether the most recent archive operation failed.
func (g *Guard) IsDegraded() bool { return g.degraded.Load() }

// Failures returns the number of failed archive operations so far.
func (g *Guard) Failures() int64 { return g.failures.Load() }

// Dropped returns the number of transcripts dropped without being written.
func (g *Guard) Dropped() int64 { return g.dropped.Load() }
