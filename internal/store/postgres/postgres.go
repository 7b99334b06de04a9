// Package postgres provides the optional shared-metadata backing store for
// C10 Persistent State when the service runs as more than one process
// sharing a game's sessions (spec.md §10's "per-game SQLite is primary, a
// shared index is an opt-in multi-instance layer"). It does not replace
// linecache's SQLite line database or fsstore's config.json: it gives
// multiple DM-host processes a single place to agree on which instance
// currently owns a game session, and a durable mirror of each game's
// GameData so a session can resume on a different instance after a crash.
//
// Grounded on the teacher's pkg/memory/postgres/store.go and schema.go: one
// pgxpool.Pool behind a Store, idempotent DDL in Migrate run on every
// startup, pgxpool.ParseConfig+NewWithConfig construction. This package
// drops the teacher's pgvector/embedding layers entirely — nothing in this
// service's domain does similarity search — keeping only the
// pool-plus-idempotent-DDL shape.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Hirtol/small-talk-sub000/internal/store/fsstore"
)

const ddlGameSessions = `
CREATE TABLE IF NOT EXISTS game_sessions (
    game_id    TEXT         PRIMARY KEY,
    owner_node TEXT         NOT NULL,
    game_data  JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_game_sessions_owner
    ON game_sessions (owner_node);
`

// Migrate creates the game_sessions table if it does not already exist. It
// is idempotent and safe to call on every process startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlGameSessions); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Store is the shared-metadata backing store: a single connection pool plus
// the node identity used to claim game sessions.
type Store struct {
	pool   *pgxpool.Pool
	nodeID string
}

// NewStore connects to the PostgreSQL database at dsn, runs [Migrate], and
// returns a Store identifying itself as nodeID for session-ownership
// claims.
func NewStore(ctx context.Context, dsn, nodeID string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, nodeID: nodeID}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ClaimSession attempts to register this node as gameID's owner. It
// succeeds (claimed=true) either when no row exists yet or when the
// existing row is already owned by this node; it fails (claimed=false,
// nil error) when another node currently owns the session, so a caller can
// fall back to routing the request there instead of starting a competing
// Actor for the same game.
func (s *Store) ClaimSession(ctx context.Context, gameID string, gd fsstore.GameData) (claimed bool, err error) {
	data, err := fsstore.EncodeGameData(gd)
	if err != nil {
		return false, err
	}

	// A brand-new game_id inserts outright. A conflicting row only updates
	// (and counts as affected) when it is already owned by this node; a row
	// owned by someone else leaves the WHERE clause false and RowsAffected
	// at zero, which is how a losing claim is detected.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO game_sessions (game_id, owner_node, game_data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (game_id) DO UPDATE
		SET game_data = EXCLUDED.game_data, updated_at = now()
		WHERE game_sessions.owner_node = EXCLUDED.owner_node`,
		gameID, s.nodeID, data)
	if err != nil {
		return false, fmt.Errorf("postgres: claim session %q: %w", gameID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseSession drops this node's ownership row for gameID, allowing
// another node to claim it. A release for a session this node does not own
// is a no-op.
func (s *Store) ReleaseSession(ctx context.Context, gameID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM game_sessions WHERE game_id = $1 AND owner_node = $2`,
		gameID, s.nodeID)
	if err != nil {
		return fmt.Errorf("postgres: release session %q: %w", gameID, err)
	}
	return nil
}

// SaveGameData upserts gameID's GameData document without touching
// ownership, for periodic durability snapshots of an owned session.
func (s *Store) SaveGameData(ctx context.Context, gameID string, gd fsstore.GameData) error {
	data, err := fsstore.EncodeGameData(gd)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE game_sessions SET game_data = $2, updated_at = now()
		WHERE game_id = $1 AND owner_node = $3`,
		gameID, data, s.nodeID)
	if err != nil {
		return fmt.Errorf("postgres: save game data %q: %w", gameID, err)
	}
	return nil
}

// LoadGameData fetches gameID's durable GameData mirror, regardless of
// current ownership. ok is false if no row exists yet.
func (s *Store) LoadGameData(ctx context.Context, gameID string) (gd fsstore.GameData, ok bool, err error) {
	var data []byte
	row := s.pool.QueryRow(ctx, `SELECT game_data FROM game_sessions WHERE game_id = $1`, gameID)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fsstore.GameData{}, false, nil
		}
		return fsstore.GameData{}, false, fmt.Errorf("postgres: load game data %q: %w", gameID, err)
	}
	gd, err = fsstore.DecodeGameData(data)
	if err != nil {
		return fsstore.GameData{}, false, err
	}
	return gd, true, nil
}

// OwnerStaleAfter is the age beyond which an owner_node's claim is
// reported as abandoned by StaleOwner, per spec.md §10's multi-instance
// failover note.
const OwnerStaleAfter = 2 * time.Minute

// StaleOwner reports the current owner_node for gameID if its claim has not
// been refreshed within [OwnerStaleAfter]. ok is false if the session is
// unclaimed or its claim is still fresh. A stale claim is only reported:
// ClaimSession from another node still fails against that row.
func (s *Store) StaleOwner(ctx context.Context, gameID string) (owner string, ok bool, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT owner_node FROM game_sessions
		WHERE game_id = $1 AND updated_at < now() - make_interval(secs => $2)`,
		gameID, OwnerStaleAfter.Seconds())
	if err := row.Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("postgres: check stale owner %q: %w", gameID, err)
	}
	return owner, true, nil
}
