package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/asr"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// errStreamEnded is returned by the receive flow when the backend finished the
// stream. It cancels the send flow and is never surfaced to callers.
var errStreamEnded = errors.New("session: stream ended")

// Sink receives every final transcript of every session, e.g. for archiving.
// Record is called from the receive flow between two Recv calls and must not
// block; implementations queue the write. Failures are the sink's own
// business.
type Sink interface {
	Record(ctx context.Context, key string, ev transcript.Event)
}

// AdapterConfig configures an [Adapter].
type AdapterConfig struct {
	// Key identifies the owning session in logs and sink records.
	Key string

	// Provider opens the recognition stream.
	Provider asr.Provider

	// ProviderName labels metrics. Defaults to "asr".
	ProviderName string

	// Recognition is sent as the configuration frame.
	Recognition asr.RecognitionConfig

	// Buffer is the audio source. Required.
	Buffer *audio.Buffer

	// Feed receives final transcripts and is closed when the adapter ends.
	// Required.
	Feed *transcript.Feed

	// Metrics records stream and transcript metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Sink, if set, receives every published transcript.
	Sink Sink
}

// Adapter turns a session's audio buffer into a framed recognition stream and
// the stream's results into the session's transcript feed.
//
// The protocol is: open the stream, send exactly one configuration frame, then
// run a send flow (drain buffer, send audio frame) and a receive flow (read
// responses, publish finals) concurrently until the backend ends the stream,
// a transport error occurs, or the context is cancelled.
type Adapter struct {
	key          string
	provider     asr.Provider
	providerName string
	cfg          asr.RecognitionConfig
	buf          *audio.Buffer
	feed         *transcript.Feed
	metrics      *observe.Metrics
	sink         Sink
	log          *slog.Logger
}

// NewAdapter creates an Adapter. It does not open the stream; call Run.
func NewAdapter(cfg AdapterConfig) *Adapter {
	name := cfg.ProviderName
	if name == "" {
		name = "asr"
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Adapter{
		key:          cfg.Key,
		provider:     cfg.Provider,
		providerName: name,
		cfg:          cfg.Recognition,
		buf:          cfg.Buffer,
		feed:         cfg.Feed,
		metrics:      m,
		sink:         cfg.Sink,
		log:          slog.With("session", cfg.Key, "provider", name),
	}
}

// Run executes the streaming protocol and blocks until it terminates. It
// always closes the feed before returning.
//
// A clean end (backend finished the stream, or ctx was cancelled by the
// owner) returns nil and closes the feed without an error. A transport error
// is returned and recorded on the feed via [transcript.Feed.CloseWithError].
// Nothing is retried.
func (a *Adapter) Run(ctx context.Context) error {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)

	st, err := a.provider.StreamingRecognize(gctx)
	a.metrics.StreamOpenDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		// Counted as a failed request only; a wrapping fallback records
		// provider.errors for each backend it tried.
		a.metrics.RecordProviderRequest(ctx, a.providerName, "asr", "error")
		return a.finish(ctx, start, fmt.Errorf("session: open stream: %w", err), false)
	}
	a.metrics.RecordProviderRequest(ctx, a.providerName, "asr", "ok")

	cfg := a.cfg
	if err := st.Send(asr.Request{Config: &cfg}); err != nil {
		return a.finish(ctx, start, fmt.Errorf("session: send config: %w", err), true)
	}
	a.log.Debug("session: recognition stream opened",
		"sample_rate_hz", cfg.SampleRateHz,
		"language", cfg.LanguageCode,
		"interim_results", cfg.InterimResults,
	)

	g.Go(func() error { return a.sendLoop(gctx, st) })
	g.Go(func() error { return a.recvLoop(gctx, st) })

	err = g.Wait()
	if errors.Is(err, errStreamEnded) {
		err = nil
	}
	return a.finish(ctx, start, err, true)
}

// finish closes the feed and classifies the terminal error. opened reports
// whether the stream was established; only errors on an open stream count
// toward provider.errors.
func (a *Adapter) finish(ctx context.Context, start time.Time, err error, opened bool) error {
	a.metrics.StreamDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Torn down by the owner; whatever the stream reported is a
		// consequence of the cancellation.
		err = nil
	}
	if err != nil {
		if opened {
			a.metrics.RecordProviderError(context.WithoutCancel(ctx), a.providerName, "asr")
		}
		a.log.Warn("session: recognition stream failed", "err", err)
		a.feed.CloseWithError(err)
		return err
	}
	a.log.Debug("session: recognition stream ended", "duration", time.Since(start))
	a.feed.Close()
	return nil
}

// sendLoop forwards coalesced audio until the buffer is closed, at which point
// it half-closes the stream so the backend can flush its last results.
func (a *Adapter) sendLoop(ctx context.Context, st asr.Stream) error {
	for {
		data, err := a.buf.Drain(ctx)
		if errors.Is(err, audio.ErrBufferClosed) {
			if err := st.CloseSend(); err != nil {
				return fmt.Errorf("session: close send: %w", err)
			}
			return nil
		}
		if err != nil {
			return nil // ctx done
		}

		if err := st.Send(asr.Request{Audio: data}); err != nil {
			if errors.Is(err, asr.ErrStreamClosed) {
				// The receive flow reports why the stream ended.
				return nil
			}
			return fmt.Errorf("session: send audio: %w", err)
		}
		a.metrics.AudioFrames.Add(ctx, 1)
	}
}

// recvLoop reads responses until the backend ends the stream. Only the first
// alternative of the first result of each response is considered.
func (a *Adapter) recvLoop(ctx context.Context, st asr.Stream) error {
	for {
		resp, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return errStreamEnded
		}
		if err != nil {
			return fmt.Errorf("session: receive: %w", err)
		}

		res, alt, ok := resp.Top()
		if !ok {
			continue
		}
		if !res.IsFinal {
			a.metrics.RecordTranscript(ctx, observe.TranscriptInterim)
			a.log.Debug("session: interim result", "transcript", alt.Transcript, "stability", res.Stability)
			continue
		}

		a.metrics.RecordTranscript(ctx, observe.TranscriptFinal)
		if strings.TrimSpace(alt.Transcript) == "" {
			continue
		}
		ev := transcript.Event{Text: alt.Transcript}
		a.feed.Publish(ev)
		if a.sink != nil {
			a.sink.Record(ctx, a.key, ev)
		}
	}
}
