// Package mock provides an in-memory test double for [archive.Log].
//
// Typical usage:
//
//	l := &mock.Log{}
//	l.AppendErr = errors.New("db down")
//
//	// inject l into the system under test …
//
//	if got := l.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livescribe/internal/archive"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Log is a configurable test double for [archive.Log]. Successful appends are
// kept and served back by Recent unless RecentResult is set.
type Log struct {
	mu sync.Mutex

	calls   []Call
	entries []archive.Entry

	// AppendErr is returned by [Log.Append] when non-nil.
	AppendErr error

	// RecentResult, when non-nil, is returned by [Log.Recent] verbatim.
	RecentResult []archive.Entry

	// RecentErr is returned by [Log.Recent] when non-nil.
	RecentErr error
}

var _ archive.Log = (*Log)(nil)

// Append implements [archive.Log].
func (m *Log) Append(_ context.Context, entry archive.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{entry}})
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Recent implements [archive.Log].
func (m *Log) Recent(_ context.Context, sessionKey string, limit int) ([]archive.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{sessionKey, limit}})
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	if m.RecentResult != nil {
		return m.RecentResult, nil
	}
	var out []archive.Entry
	for _, e := range m.entries {
		if e.SessionKey == sessionKey {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []archive.Entry{}
	}
	return out, nil
}

// Entries returns a copy of every successfully appended entry.
func (m *Log) Entries() []archive.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]archive.Entry(nil), m.entries...)
}

// Calls returns a copy of all recorded method invocations.
func (m *Log) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Log) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SetAppendErr sets AppendErr under the lock.
func (m *Log) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}
