// Package session implements the per-client streaming pipeline: a [Session]
// owns an audio buffer, a transcript feed and the [Adapter] that connects both
// to a recognition backend, and a [Registry] maps session keys to live
// sessions.
//
// Data flows client → Session.Ingest → audio.Buffer → Adapter send flow →
// backend → Adapter receive flow → transcript.Feed → Session.Transcripts.
package session

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/asr"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// defaultStopTimeout bounds how long Stop waits for the adapter goroutine.
const defaultStopTimeout = 5 * time.Second

// Config holds everything needed to construct a [Session].
type Config struct {
	// Key is the session's unique key. Required.
	Key string

	// Provider opens the recognition stream. Required.
	Provider asr.Provider

	// ProviderName labels metrics.
	ProviderName string

	// Recognition is the immutable recognition configuration. It should have
	// been validated by the caller.
	Recognition asr.RecognitionConfig

	// MaxBufferedBytes bounds the audio buffer (drop-oldest). Zero means
	// unbounded.
	MaxBufferedBytes int

	// ResetOnPause clears buffered audio when the session is paused.
	ResetOnPause bool

	// StopTimeout bounds how long Stop waits for the adapter to exit.
	// Defaults to 5s.
	StopTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Sink, if set, receives every final transcript.
	Sink Sink
}

// Info is a point-in-time snapshot of a session for status endpoints.
type Info struct {
	Key                string                `json:"key"`
	CreatedAt          time.Time             `json:"created_at"`
	LastActivity       time.Time             `json:"last_activity"`
	Paused             bool                  `json:"paused"`
	Running            bool                  `json:"running"`
	Consumers          int                   `json:"consumers"`
	BufferedBytes      int                   `json:"buffered_bytes"`
	DroppedBytes       int64                 `json:"dropped_bytes"`
	PendingTranscripts int                   `json:"pending_transcripts"`
	Error              string                `json:"error,omitempty"`
	Recognition        asr.RecognitionConfig `json:"-"`
}

// Session is one client's streaming pipeline. It exclusively owns its audio
// buffer, transcript feed and adapter.
//
// All methods are safe for concurrent use.
type Session struct {
	key          string
	cfg          asr.RecognitionConfig
	buf          *audio.Buffer
	feed         *transcript.Feed
	adapter      *Adapter
	metrics      *observe.Metrics
	resetOnPause bool
	stopTimeout  time.Duration
	createdAt    time.Time

	// pauseMu orders Pause and Unpause against in-flight Ingest calls, so no
	// chunk is pushed once Pause has returned.
	pauseMu      sync.RWMutex
	paused       atomic.Bool
	lastActivity atomic.Int64 // unix nanoseconds
	consumers    atomic.Int32

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	runErr error
}

// New constructs a session. The adapter is not started until Start is called.
func New(cfg Config) *Session {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	buf := audio.NewBuffer(audio.WithMaxBytes(cfg.MaxBufferedBytes))
	feed := transcript.NewFeed()

	s := &Session{
		key:          cfg.Key,
		cfg:          cfg.Recognition,
		buf:          buf,
		feed:         feed,
		metrics:      m,
		resetOnPause: cfg.ResetOnPause,
		stopTimeout:  stopTimeout,
		createdAt:    time.Now(),
		done:         make(chan struct{}),
		adapter: NewAdapter(AdapterConfig{
			Key:          cfg.Key,
			Provider:     cfg.Provider,
			ProviderName: cfg.ProviderName,
			Recognition:  cfg.Recognition,
			Buffer:       buf,
			Feed:         feed,
			Metrics:      m,
			Sink:         cfg.Sink,
		}),
	}
	s.touch()
	return s
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// Config returns the session's recognition configuration.
func (s *Session) Config() asr.RecognitionConfig { return s.cfg }

// CreatedAt returns when the session was constructed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent ingest, pause, unpause,
// reset or consumer attach.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Start launches the adapter in its own goroutine. Only the first call has an
// effect, and Start never blocks. The adapter runs until ctx is cancelled,
// Stop is called, or the stream ends. A session that was stopped before it
// was started never starts.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		go func() {
			defer close(s.done)
			defer cancel()
			err := s.adapter.Run(runCtx)
			// No one drains the buffer any more.
			s.buf.Close()
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}()
	})
}

// Stop tears the session down: the buffer and feed are closed, the adapter's
// context is cancelled (which closes the RPC) and Stop waits a bounded time
// for the adapter goroutine to exit. Consumers blocked in Transcripts are
// released. Calling Stop more than once is safe.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		// Prevent a later Start and mark an unstarted session done.
		s.startOnce.Do(func() { close(s.done) })

		s.buf.Close()
		s.feed.Close()

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()

		select {
		case <-s.done:
		case <-time.After(s.stopTimeout):
			slog.Warn("session: adapter did not exit in time", "session", s.key, "timeout", s.stopTimeout)
		}
	})
}

// Done returns a channel that is closed once the adapter goroutine has exited
// (or the session was stopped before it started).
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the terminal transport error of the recognition stream, or nil
// while the stream is healthy or after a clean end.
func (s *Session) Err() error {
	if err := s.feed.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Ingest queues an audio chunk for recognition. While the session is paused
// the chunk is dropped and Ingest returns false. Ingest never blocks.
func (s *Session) Ingest(chunk []byte) bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	if s.paused.Load() {
		s.metrics.RecordAudioDropped(context.Background(), int64(len(chunk)), observe.DropPaused)
		return false
	}
	if !s.running() {
		return false
	}
	s.touch()

	before := s.buf.Dropped()
	s.buf.Push(chunk)
	ctx := context.Background()
	s.metrics.AudioBytes.Add(ctx, int64(len(chunk)))
	s.metrics.RecordAudioDropped(ctx, s.buf.Dropped()-before, observe.DropOverflow)
	return true
}

// Pause makes Ingest drop audio until Unpause. Audio buffered before the pause
// is still sent unless the session was configured with ResetOnPause.
func (s *Session) Pause() {
	s.touch()
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.paused.Store(true)
	if s.resetOnPause {
		s.ResetBuffer()
	}
}

// Unpause resumes accepting audio.
func (s *Session) Unpause() {
	s.touch()
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.paused.Store(false)
}

// Paused reports whether the session is paused.
func (s *Session) Paused() bool { return s.paused.Load() }

// ResetBuffer discards audio that has been ingested but not yet sent and
// returns the number of bytes discarded.
func (s *Session) ResetBuffer() int {
	s.touch()
	n := s.buf.Reset()
	s.metrics.RecordAudioDropped(context.Background(), int64(n), observe.DropReset)
	return n
}

// Transcripts returns the sequence of finalized transcripts. Each step blocks
// until the next utterance is finalized; the sequence ends when the session is
// stopped, the stream ends, or ctx is done. The feed supports a single
// consumer; see [Session.AcquireConsumer].
func (s *Session) Transcripts(ctx context.Context) iter.Seq[transcript.Event] {
	return s.feed.All(ctx)
}

// AcquireConsumer claims the session's single transcript consumer slot. It
// returns false when another consumer is already attached. Call the returned
// release function when done.
func (s *Session) AcquireConsumer() (release func(), ok bool) {
	if !s.consumers.CompareAndSwap(0, 1) {
		return nil, false
	}
	s.touch()
	s.metrics.ActiveSubscribers.Add(context.Background(), 1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.consumers.Store(0)
			s.touch()
			s.metrics.ActiveSubscribers.Add(context.Background(), -1)
		})
	}, true
}

// Info returns a snapshot of the session's state.
func (s *Session) Info() Info {
	info := Info{
		Key:                s.key,
		CreatedAt:          s.createdAt,
		LastActivity:       s.LastActivity(),
		Paused:             s.Paused(),
		Running:            s.running(),
		Consumers:          int(s.consumers.Load()),
		BufferedBytes:      s.buf.Len(),
		DroppedBytes:       s.buf.Dropped(),
		PendingTranscripts: s.feed.Len(),
		Recognition:        s.cfg,
	}
	if err := s.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}
