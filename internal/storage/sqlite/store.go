// Package sqlite provides a SQLite-backed store.EntityStore using the
// pure-Go modernc driver. It is the default backend for single-host crawls.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store persists persons, songs, and contributions in a SQLite file.
type Store struct {
	queries
	db   *sql.DB
	path string
}

var _ store.EntityStore = (*Store)(nil)

// Open initializes or connects to the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{queries: queries{q: db}, db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn in a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()
	if err = fn(&txStore{queries{q: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ExploredCanonicalIDs lists canonical ids of explored persons.
func (s *Store) ExploredCanonicalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT canonical_id FROM persons
		WHERE is_explored = 1 AND canonical_id IS NOT NULL
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
func (s *Store) Collaborations(ctx context.Context, rootPersonID int64) ([]store.CollaborationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.canonical_id, s.title, s.artist, s.album, s.release_date, s.source_url,
		       p.id, p.name, p.canonical_id, p.external_id, p.is_explored
		FROM contributions root
		JOIN contributions other ON other.song_id = root.song_id AND other.person_id <> root.person_id
		JOIN songs s ON s.id = root.song_id
		JOIN persons p ON p.id = other.person_id
		WHERE root.person_id = ?
		ORDER BY p.id, s.id`, rootPersonID)
	if err != nil {
		return nil, fmt.Errorf("query collaborations: %w", err)
	}
	defer rows.Close()

	var out []store.CollaborationRow
	for rows.Next() {
		var (
			row    store.CollaborationRow
			song   songRow
			person personRow
		)
		if err := rows.Scan(append(song.dest(), person.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan collaboration: %w", err)
		}
		if row.Song, err = song.toSong(); err != nil {
			return nil, err
		}
		row.Collaborator = person.toPerson()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborations: %w", err)
	}
	return out, nil
}

// SizeBytes sums the database file and its write-ahead log.
func (s *Store) SizeBytes(_ context.Context) (int64, error) {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		info, err := os.Stat(p)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}

// Counts returns table cardinalities.
func (s *Store) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	err := s.db.QueryRowContext(ctx, `
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
