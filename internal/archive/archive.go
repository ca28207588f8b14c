// Package archive keeps a durable log of finalized transcripts.
//
// The archive sits beside the streaming pipeline, never inside it: a [Guard]
// wraps a [Log] and is handed to the session registry as its transcript sink,
// so archive failures degrade the archive but never the live transcript feed.
//
// [PostgresLog] is the production [Log], backed by a pgx connection pool.
package archive

import (
	"context"
	"time"
)

// Entry is one archived final transcript.
type Entry struct {
	// SessionKey is the key of the session that produced the transcript.
	SessionKey string `json:"session_key"`

	// Text is the finalized utterance.
	Text string `json:"text"`

	// At is when the transcript was finalized.
	At time.Time `json:"at"`
}

// Log is an append-only transcript store.
//
// Implementations must be safe for concurrent use.
type Log interface {
	// Append stores entry.
	Append(ctx context.Context, entry Entry) error

	// Recent returns up to limit of the newest entries for sessionKey, oldest
	// first. limit <= 0 returns every entry.
	Recent(ctx context.Context, sessionKey string, limit int) ([]Entry, error)
}
