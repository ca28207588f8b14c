// Package transcript provides the outbound queue of finalized transcripts for
// one session.
//
// A [Feed] is filled by the recognition stream adapter and drained by exactly
// one delivery channel (Server-Sent Events or a WebSocket). Reads block until an
// item is available and end once the feed is closed and empty.
package transcript

import (
	"context"
	"io"
	"iter"
	"sync"
)

// Event is one finalized utterance.
type Event struct {
	// Text is the settled transcript of the utterance.
	Text string
}

// Feed is an unbounded FIFO of [Event] values with blocking, single-consumer
// reads. All methods are safe for concurrent use.
type Feed struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	err    error

	signal chan struct{}
	done   chan struct{}
}

// NewFeed returns an empty, open feed.
func NewFeed() *Feed {
	return &Feed{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish appends ev. It never blocks. Events published after Close are
// dropped.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.items = append(f.items, ev)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available and returns it. It returns io.EOF
// once the feed is closed and every event has been consumed, and ctx.Err() if
// ctx is cancelled while waiting.
func (f *Feed) Next(ctx context.Context) (Event, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			ev := f.items[0]
			f.items[0] = Event{}
			f.items = f.items[1:]
			f.mu.Unlock()
			return ev, nil
		}
		closed := f.closed
		f.mu.Unlock()

		if closed {
			return Event{}, io.EOF
		}

		select {
		case <-f.signal:
		case <-f.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// All returns a sequence over the feed's events. Each step blocks until an
// event is available. The sequence ends without error when the feed is closed
// and drained or when ctx is done; use [Feed.Err] afterwards to learn whether
// recognition ended because of a failure.
func (f *Feed) All(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := f.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Close closes the feed without a terminal error.
func (f *Feed) Close() {
	f.CloseWithError(nil)
}

// CloseWithError closes the feed and records err as its terminal error. Only
// the first close takes effect; later calls are no-ops. Pending and future
// readers drain the remaining events and then observe end-of-stream.
func (f *Feed) CloseWithError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the feed is closed.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Err returns the terminal error passed to CloseWithError, or nil if the feed
// is open or ended cleanly.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Len returns the number of events waiting to be consumed.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
