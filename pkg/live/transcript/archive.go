package transcript

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sink receives a session's transcript as it is produced.
type Sink interface {
	BeginSession(ctx context.Context, sessionID string, startedAt time.Time) error
	Save(ctx context.Context, sessionID string, e Entry) error
	EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error
}

type SessionSummary struct {
	SessionID string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string
	Entries   int
}

// PGArchive persists transcripts to Postgres.
type PGArchive struct {
	pool *pgxpool.Pool
}

func OpenPGArchive(ctx context.Context, databaseURL string) (*PGArchive, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, errors.New("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect transcript archive: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping transcript archive: %w", err)
	}
	return &PGArchive{pool: pool}, nil
}

func (a *PGArchive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (a *PGArchive) Migrate(ctx context.Context) ([]string, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDBFromPool(a.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	applied := make([]string, 0, len(results))
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		applied = append(applied, r.Source.Path)
	}
	return applied, nil
}

func (a *PGArchive) BeginSession(ctx context.Context, sessionID string, startedAt time.Time) error {
	_, err := a.pool.Exec(ctx, `
INSERT INTO call_sessions (session_id, started_at)
VALUES ($1, $2)
ON CONFLICT (session_id) DO NOTHING`, sessionID, startedAt)
	if err != nil {
		return fmt.Errorf("begin session %s: %w", sessionID, err)
	}
	return nil
}

func (a *PGArchive) Save(ctx context.Context, sessionID string, e Entry) error {
	_, err := a.pool.Exec(ctx, `
INSERT INTO transcript_entries (session_id, entry_id, speaker, text, spoken_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, entry_id) DO NOTHING`, sessionID, int64(e.ID), string(e.Speaker), e.Text, e.Timestamp)
	if err != nil {
		return fmt.Errorf("save entry %d: %w", e.ID, err)
	}
	return nil
}

func (a *PGArchive) EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	_, err := a.pool.Exec(ctx, `
UPDATE call_sessions SET ended_at = $2, end_reason = $3
WHERE session_id = $1 AND ended_at IS NULL`, sessionID, endedAt, reason)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// List returns a session's entries in arrival order.
func (a *PGArchive) List(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := a.pool.Query(ctx, `
SELECT entry_id, speaker, text, spoken_at
FROM transcript_entries
WHERE session_id = $1
ORDER BY entry_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			id      int64
			speaker string
		)
		if err := row.Scan(&id, &speaker, &e.Text, &e.Timestamp); err != nil {
			return Entry{}, err
		}
		e.ID = uint64(id)
		e.Speaker = Speaker(speaker)
		return e, nil
	})
}

// Sessions returns the most recent sessions first.
func (a *PGArchive) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
SELECT s.session_id, s.started_at, s.ended_at, s.end_reason, COUNT(e.entry_id)
FROM call_sessions s
LEFT JOIN transcript_entries e ON e.session_id = s.session_id
GROUP BY s.session_id, s.started_at, s.ended_at, s.end_reason
ORDER BY s.started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionSummary, error) {
		var s SessionSummary
		var n int64
		if err := row.Scan(&s.SessionID, &s.StartedAt, &s.EndedAt, &s.EndReason, &n); err != nil {
			return SessionSummary{}, err
		}
		s.Entries = int(n)
		return s, nil
	})
}
