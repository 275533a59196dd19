// Package postgres provides a Postgres-backed store.EntityStore.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type poolIface interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// EntityStore persists persons, songs, and contributions in Postgres.
type EntityStore struct {
	queries
	pool poolIface
}

var _ store.EntityStore = (*EntityStore)(nil)

// New connects to Postgres and applies the schema.
func New(ctx context.Context, cfg Config) (*EntityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool poolIface) (*EntityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EntityStore{queries: queries{q: pool}, pool: pool}, nil
}

// Migrate creates tables and indexes if they are missing.
func (s *EntityStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *EntityStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// WithTx runs fn in a transaction.
func (s *EntityStore) WithTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()
	if err = fn(&txStore{queries{q: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ExploredCanonicalIDs lists canonical ids of explored persons.
func (s *EntityStore) ExploredCanonicalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT canonical_id FROM persons
		WHERE is_explored AND canonical_id IS NOT NULL
		ORDER BY canonical_id`)
	if err != nil {
		return nil, fmt.Errorf("query explored persons: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan explored person: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate explored persons: %w", err)
	}
	return ids, nil
}

// Collaborations joins the root's contributions to every other contributor
// of the same songs.
func (s *EntityStore) Collaborations(ctx context.Context, rootPersonID int64) ([]store.CollaborationRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.canonical_id, s.title, s.artist, s.album, s.release_date, s.source_url,
		       p.id, p.name, p.canonical_id, p.external_id, p.is_explored
		FROM contributions root
		JOIN contributions other ON other.song_id = root.song_id AND other.person_id <> root.person_id
		JOIN songs s ON s.id = root.song_id
		JOIN persons p ON p.id = other.person_id
		WHERE root.person_id = $1
		ORDER BY p.id, s.id`, rootPersonID)
	if err != nil {
		return nil, fmt.Errorf("query collaborations: %w", err)
	}
	defer rows.Close()

	var out []store.CollaborationRow
	for rows.Next() {
		var row store.CollaborationRow
		if err := rows.Scan(
			&row.Song.ID, &row.Song.CanonicalID, &row.Song.Title, &row.Song.Artist,
			&row.Song.Album, &row.Song.ReleaseDate, &row.Song.SourceURL,
			&row.Collaborator.ID, &row.Collaborator.Name, &row.Collaborator.CanonicalID,
			&row.Collaborator.ExternalID, &row.Collaborator.IsExplored,
		); err != nil {
			return nil, fmt.Errorf("scan collaboration: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborations: %w", err)
	}
	return out, nil
}

// SizeBytes reports the size of the current database.
func (s *EntityStore) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	if err := s.pool.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&size); err != nil {
		return 0, fmt.Errorf("query database size: %w", err)
	}
	return size, nil
}

// Counts returns table cardinalities.
func (s *EntityStore) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM persons),
		       (SELECT count(*) FROM songs),
		       (SELECT count(*) FROM contributions)`).Scan(&c.Persons, &c.Songs, &c.Contributions)
	if err != nil {
		return store.Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

type txStore struct {
	queries
}

var _ store.Tx = (*txStore)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
