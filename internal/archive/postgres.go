package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id           BIGSERIAL    PRIMARY KEY,
    session_key  TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_created
    ON transcripts (session_key, created_at);
`

// Migrate creates the transcripts table and its index. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

var _ Log = (*PostgresLog)(nil)

// PostgresLog is a [Log] backed by a PostgreSQL transcripts table.
//
// All methods are safe for concurrent use.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLog{pool: pool}, nil
}

// Append implements [Log]. A zero At is stored as the database's now().
func (l *PostgresLog) Append(ctx context.Context, entry Entry) error {
	const q = `
		INSERT INTO transcripts (session_key, text, created_at)
		VALUES ($1, $2, COALESCE($3, now()))`

	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	if _, err := l.pool.Exec(ctx, q, entry.SessionKey, entry.Text, at); err != nil {
		return fmt.Errorf("archive: append: %w", err)
	}
	return nil
}

// Recent implements [Log].
func (l *PostgresLog) Recent(ctx context.Context, sessionKey string, limit int) ([]Entry, error) {
	q := `
		SELECT session_key, text, created_at FROM (
		    SELECT id, session_key, text, created_at
		    FROM   transcripts
		    WHERE  session_key = $1
		    ORDER  BY created_at DESC, id DESC`
	args := []any{sessionKey}
	if limit > 0 {
		args = append(args, limit)
		q += "\n\t\t    LIMIT  $2"
	}
	q += `
		) AS newest
		ORDER BY created_at, id`

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionKey, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Ping verifies the database is reachable.
func (l *PostgresLog) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases every pooled connection.
func (l *PostgresLog) Close() {
	l.pool.Close()
}
