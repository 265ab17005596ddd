// Package postgres provides a PostgreSQL-backed [sessionstore.Store].
//
// Sessions live in a single assistant_sessions table. Location and history
// are JSONB columns; history updates run in a transaction that locks the row
// so concurrent appends never lose an exchange.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	sess, _ := store.GetOrCreate(ctx, sessionID, userID)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/mira/pkg/sessionstore"
)

var _ sessionstore.Store = (*Store)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS assistant_sessions (
    session_id     TEXT         PRIMARY KEY,
    user_id        TEXT         NOT NULL,
    location       JSONB        NOT NULL DEFAULT '{}',
    history        JSONB        NOT NULL DEFAULT '[]',
    last_activity  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assistant_sessions_user_id
    ON assistant_sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_assistant_sessions_last_activity
    ON assistant_sessions (last_activity);
`

// Migrate creates the sessions table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed session store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

const selectColumns = `session_id, user_id, location, history, last_activity`

func (s *Store) GetOrCreate(ctx context.Context, id, userID string) (sessionstore.Session, error) {
	const q = `
		INSERT INTO assistant_sessions (session_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET last_activity = now()
		RETURNING ` + selectColumns

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		return sessionstore.Session{}, fmt.Errorf("session store: get or create: %w", err)
	}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (sessionstore.Session, error) {
	const q = `SELECT ` + selectColumns + ` FROM assistant_sessions WHERE session_id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return sessionstore.Session{}, sessionstore.ErrNotFound
	}
	if err != nil {
		return sessionstore.Session{}, fmt.Errorf("session store: get: %w", err)
	}
	return sess, nil
}

func (s *Store) AppendExchange(ctx context.Context, id string, ex sessionstore.Exchange, limit int) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT history FROM assistant_sessions WHERE session_id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return sessionstore.ErrNotFound
		}
		if err != nil {
			return err
		}

		var history []sessionstore.Exchange
		if err := json.Unmarshal(raw, &history); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		history = sessionstore.TrimHistory(append(history, ex), limit)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE assistant_sessions SET history = $2::jsonb, last_activity = now() WHERE session_id = $1`,
			id, string(encoded))
		return err
	})
	if errors.Is(err, sessionstore.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("session store: append exchange: %w", err)
	}
	return nil
}

func (s *Store) SetLocation(ctx context.Context, id string, loc sessionstore.Location) error {
	encoded, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("session store: encode location: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE assistant_sessions SET location = $2::jsonb, last_activity = now() WHERE session_id = $1`,
		id, string(encoded))
	if err != nil {
		return fmt.Errorf("session store: set location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sessionstore.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM assistant_sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]sessionstore.Session, error) {
	const q = `
		SELECT ` + selectColumns + `
		FROM   assistant_sessions
		WHERE  user_id = $1
		ORDER  BY last_activity DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("session store: list by user: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionstore.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	return sessions, nil
}

func (s *Store) SweepIdle(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assistant_sessions WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session store: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (sessionstore.Session, error) {
	var (
		sess            sessionstore.Session
		rawLoc, rawHist []byte
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &rawLoc, &rawHist, &sess.LastActivity); err != nil {
		return sessionstore.Session{}, err
	}
	if err := json.Unmarshal(rawLoc, &sess.Location); err != nil {
		return sessionstore.Session{}, fmt.Errorf("decode location: %w", err)
	}
	if err := json.Unmarshal(rawHist, &sess.History); err != nil {
		return sessionstore.Session{}, fmt.Errorf("decode history: %w", err)
	}
	return sess, nil
}
