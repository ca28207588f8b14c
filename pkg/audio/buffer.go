// Package audio provides the inbound audio queue that sits between a client's
// ingest flow and the recognition stream of one session.
//
// The central type is [Buffer]: an unbounded (or optionally bounded) FIFO of raw
// audio chunks with a drain-all-available read. Draining coalesces everything
// that accumulated while the consumer was busy into a single slice so that the
// number of outbound frames sent to the recognition backend stays low.
package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrBufferClosed is returned by [Buffer.Drain] once [Buffer.Close] has been
// called and every buffered chunk has been consumed.
var ErrBufferClosed = errors.New("audio: buffer closed")

// Option is a functional option for [NewBuffer].
type Option func(*Buffer)

// WithMaxBytes bounds the buffer to n bytes. When a push would exceed the bound
// the oldest chunks are dropped until the new chunk fits (drop-oldest). A chunk
// larger than n on its own replaces the whole buffer. n <= 0 means unbounded.
func WithMaxBytes(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// Buffer is a FIFO queue of audio chunks. Push never blocks; Drain blocks until
// data is available or the buffer is closed.
//
// All methods are safe for concurrent use. Drain is intended for a single
// consumer; concurrent Drain calls are safe but split the data between them.
type Buffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	maxBytes int
	dropped  int64
	closed   bool

	// signal holds at most one pending wake-up for a parked Drain.
	signal chan struct{}
	done   chan struct{}
}

// NewBuffer returns an empty, open buffer.
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push appends a copy of chunk. Empty chunks and pushes after Close are
// ignored.
func (b *Buffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
	b.enforceBound()
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// enforceBound drops the oldest chunks while the bound is exceeded. The newest
// chunk is always kept. Must be called with b.mu held.
func (b *Buffer) enforceBound() {
	if b.maxBytes <= 0 {
		return
	}
	for b.size > b.maxBytes && len(b.chunks) > 1 {
		old := b.chunks[0]
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		b.size -= len(old)
		b.dropped += int64(len(old))
	}
}

// Drain blocks until at least one chunk is buffered and then returns every
// chunk currently buffered, concatenated in arrival order.
//
// Once Close has been called Drain keeps returning the remaining data and then
// [ErrBufferClosed] on every subsequent call without blocking. If ctx is
// cancelled while waiting, ctx.Err() is returned.
func (b *Buffer) Drain(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			out := make([]byte, 0, b.size)
			for _, c := range b.chunks {
				out = append(out, c...)
			}
			b.chunks = nil
			b.size = 0
			b.mu.Unlock()
			return out, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return nil, ErrBufferClosed
		}

		select {
		case <-b.signal:
			// A Reset between the push and this wake-up leaves the buffer empty;
			// the loop parks again in that case.
		case <-b.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reset discards all buffered chunks without closing the buffer and returns the
// number of bytes discarded.
func (b *Buffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.size
	b.chunks = nil
	b.size = 0
	return n
}

// Close marks the buffer closed and wakes every parked Drain. Data pushed
// before Close can still be drained. Calling Close more than once is safe.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// Len returns the number of bytes currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total number of bytes discarded by the overflow policy.
// Bytes removed by Reset are not counted.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
