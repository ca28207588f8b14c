// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to observe how often streams are opened and with which context.
// Use Stream to script backend responses and to inspect the request frames the
// caller sent.
//
// Example:
//
//	st := mock.NewStream()
//	st.OnSend = func(req asr.Request) {
//	    if !req.IsConfig() {
//	        st.Respond(asr.Response{Results: []asr.Result{{IsFinal: true,
//	            Alternatives: []asr.Alternative{{Transcript: "hello"}}}}})
//	        st.End()
//	    }
//	}
//	p := &mock.Provider{Stream: st}
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

// StreamingRecognizeCall records a single invocation of
// Provider.StreamingRecognize.
type StreamingRecognizeCall struct {
	// Ctx is the context passed to StreamingRecognize.
	Ctx context.Context
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by StreamingRecognize. If nil, every call returns a
	// fresh Stream from NewStream.
	Stream *Stream

	// StreamingRecognizeErr, if non-nil, is returned as the error from
	// StreamingRecognize.
	StreamingRecognizeErr error

	// StreamingRecognizeCalls records every call to StreamingRecognize.
	StreamingRecognizeCalls []StreamingRecognizeCall

	opened []*Stream
}

// StreamingRecognize records the call and returns Stream or
// StreamingRecognizeErr. The returned stream is bound to ctx: Recv fails with
// ctx.Err() once ctx is done.
func (p *Provider) StreamingRecognize(ctx context.Context) (asr.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamingRecognizeCalls = append(p.StreamingRecognizeCalls, StreamingRecognizeCall{Ctx: ctx})
	if p.StreamingRecognizeErr != nil {
		return nil, p.StreamingRecognizeErr
	}
	s := p.Stream
	if s == nil {
		s = NewStream()
	}
	s.bind(ctx)
	p.opened = append(p.opened, s)
	return s, nil
}

// CallCount returns the number of StreamingRecognize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamingRecognizeCalls)
}

// Streams returns every stream handed out so far, in order. Thread-safe.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.opened))
	copy(out, p.opened)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamingRecognizeCalls = nil
	p.opened = nil
}

var _ asr.Provider = (*Provider)(nil)

type reply struct {
	resp asr.Response
	err  error
}

// Stream is a mock implementation of asr.Stream. Responses are scripted with
// Respond, Fail and End and delivered by Recv in the order they were queued.
type Stream struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// OnSend, if set, is invoked after every successful Send with the recorded
	// request. It runs without the stream lock held and may call Respond.
	OnSend func(req asr.Request)

	// Sent records every request passed to Send, in order.
	Sent []asr.Request

	// CloseSendCalls is the number of times CloseSend was called.
	CloseSendCalls int

	ctx        context.Context
	replies    chan reply
	halfClosed chan struct{}
	closeOnce  sync.Once
}

// NewStream returns a stream with room for 64 queued replies.
func NewStream() *Stream {
	return &Stream{
		ctx:        context.Background(),
		replies:    make(chan reply, 64),
		halfClosed: make(chan struct{}),
	}
}

func (s *Stream) bind(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// Send records req and returns SendErr. Audio bytes are copied.
func (s *Stream) Send(req asr.Request) error {
	s.mu.Lock()
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	if s.CloseSendCalls > 0 {
		s.mu.Unlock()
		return asr.ErrStreamClosed
	}
	if req.Audio != nil {
		cp := make([]byte, len(req.Audio))
		copy(cp, req.Audio)
		req.Audio = cp
	}
	if req.Config != nil {
		cfg := *req.Config
		req.Config = &cfg
	}
	s.Sent = append(s.Sent, req)
	hook := s.OnSend
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return nil
}

// Recv returns the next scripted reply. It blocks until one is queued or the
// bound context is done.
func (s *Stream) Recv() (asr.Response, error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	select {
	case r := <-s.replies:
		return r.resp, r.err
	case <-ctx.Done():
		return asr.Response{}, ctx.Err()
	}
}

// CloseSend records the call and marks the client side closed.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	s.CloseSendCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.halfClosed) })
	return nil
}

// HalfClosed returns a channel that is closed on the first CloseSend call.
func (s *Stream) HalfClosed() <-chan struct{} { return s.halfClosed }

// Respond queues resp for Recv.
func (s *Stream) Respond(resp asr.Response) { s.replies <- reply{resp: resp} }

// Fail queues a transport error for Recv.
func (s *Stream) Fail(err error) { s.replies <- reply{err: err} }

// End queues io.EOF, signalling that the backend finished the stream.
func (s *Stream) End() { s.replies <- reply{err: io.EOF} }

// Requests returns a snapshot of the recorded requests. Thread-safe.
func (s *Stream) Requests() []asr.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]asr.Request, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Audio returns the concatenation of every audio frame sent so far.
func (s *Stream) Audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, r := range s.Sent {
		out = append(out, r.Audio...)
	}
	return out
}

var _ asr.Stream = (*Stream)(nil)

// Final returns a response with a single final result carrying text.
func Final(text string) asr.Response {
	return asr.Response{Results: []asr.Result{{
		IsFinal:      true,
		Alternatives: []asr.Alternative{{Transcript: text, Confidence: 0.9}},
	}}}
}

// Interim returns a response with a single non-final result carrying text.
func Interim(text string) asr.Response {
	return asr.Response{Results: []asr.Result{{
		Alternatives: []asr.Alternative{{Transcript: text}},
	}}}
}
