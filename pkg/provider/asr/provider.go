// Package asr defines the Provider interface for streaming speech-recognition
// backends.
//
// A recognition backend exposes one bidirectional streaming call. The client
// sends a single configuration frame followed by any number of audio frames and
// may half-close its side when no more audio will follow. The backend answers
// with a sequence of [Response] values, each carrying interim or final
// hypotheses, and ends the stream once it has flushed every pending result.
//
// The interface deliberately mirrors that wire shape (Send / Recv / CloseSend)
// rather than hiding it behind channels, so that callers control the framing
// and the termination sequence. Implementations live in the riva and deepgram
// subpackages; test doubles live in asr/mock.
package asr

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [Stream.Send] after [Stream.CloseSend] has been
// called or the stream has terminated.
var ErrStreamClosed = errors.New("asr: stream closed")

// Stream is one open bidirectional recognition stream.
//
// Send and CloseSend may be called from one goroutine while Recv is called from
// another. Neither side may be used from more than one goroutine at a time.
// The stream is torn down when the context passed to
// [Provider.StreamingRecognize] is cancelled.
type Stream interface {
	// Send delivers one request frame. The first frame must carry a
	// configuration; every later frame carries audio.
	Send(req Request) error

	// Recv blocks until the next response arrives. It returns io.EOF once the
	// backend has ended the stream cleanly, and a transport error otherwise.
	Recv() (Response, error)

	// CloseSend half-closes the client side. No further Send calls are allowed,
	// but Recv keeps delivering results until the backend ends the stream.
	CloseSend() error
}

// Provider is the abstraction over any streaming recognition backend.
//
// Implementations must be safe for concurrent use; one stream is opened per
// session and many sessions run at the same time.
type Provider interface {
	// StreamingRecognize opens a new bidirectional stream. The stream lives
	// until ctx is cancelled or the backend ends it.
	StreamingRecognize(ctx context.Context) (Stream, error)
}
