package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

const (
	personColumns = `id, name, canonical_id, external_id, is_explored`
	songColumns   = `id, canonical_id, title, artist, album, release_date, source_url`
	dateLayout    = "2006-01-02"
)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements the reads and writes shared by the db and a tx.
type queries struct {
	q sqlQuerier
}

type personRow struct {
	id          int64
	name        string
	canonicalID sql.NullString
	externalID  sql.NullString
	explored    bool
}

func (r *personRow) dest() []any {
	return []any{&r.id, &r.name, &r.canonicalID, &r.externalID, &r.explored}
}

func (r *personRow) toPerson() store.Person {
	return store.Person{
		ID:          r.id,
		Name:        r.name,
		CanonicalID: nullableString(r.canonicalID),
		ExternalID:  nullableString(r.externalID),
		IsExplored:  r.explored,
	}
}

type songRow struct {
	id          int64
	canonicalID sql.NullString
	title       string
	artist      string
	album       sql.NullString
	releaseDate sql.NullString
	sourceURL   string
}

func (r *songRow) dest() []any {
	return []any{&r.id, &r.canonicalID, &r.title, &r.artist, &r.album, &r.releaseDate, &r.sourceURL}
}

func (r *songRow) toSong() (store.Song, error) {
	s := store.Song{
		ID:          r.id,
		CanonicalID: nullableString(r.canonicalID),
		Title:       r.title,
		Artist:      r.artist,
		Album:       nullableString(r.album),
		SourceURL:   r.sourceURL,
	}
	if r.releaseDate.Valid && r.releaseDate.String != "" {
		d, err := time.Parse(dateLayout, r.releaseDate.String)
		if err != nil {
			return store.Song{}, fmt.Errorf("parse release date %q: %w", r.releaseDate.String, err)
		}
		s.ReleaseDate = &d
	}
	return s, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func nullablePtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (r queries) person(ctx context.Context, what, where string, args ...any) (store.Person, error) {
	var row personRow
	err := r.q.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE `+where, args...).Scan(row.dest()...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Person{}, store.ErrNotFound
	case err != nil:
		return store.Person{}, fmt.Errorf("select person by %s: %w", what, err)
	}
	return row.toPerson(), nil
}

func (r queries) PersonByID(ctx context.Context, id int64) (store.Person, error) {
	return r.person(ctx, "id", `id = ?`, id)
}

func (r queries) PersonByCanonicalID(ctx context.Context, canonicalID string) (store.Person, error) {
	return r.person(ctx, "canonical id", `canonical_id = ?`, canonicalID)
}

func (r queries) PersonByName(ctx context.Context, name string) (store.Person, error) {
	return r.person(ctx, "name", `name = ? ORDER BY id LIMIT 1`, name)
}

func (r queries) SongByCanonicalID(ctx context.Context, canonicalID string) (store.Song, error) {
	var row songRow
	err := r.q.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs WHERE canonical_id = ?`, canonicalID).Scan(row.dest()...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Song{}, store.ErrNotFound
	case err != nil:
		return store.Song{}, fmt.Errorf("select song by canonical id: %w", err)
	}
	return row.toSong()
}

func (r queries) ContributionExists(ctx context.Context, c store.Contribution) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM contributions WHERE song_id = ? AND person_id = ? AND role = ?
		)`, c.SongID, c.PersonID, c.Role).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select contribution: %w", err)
	}
	return exists, nil
}

func (r queries) CreatePerson(ctx context.Context, np store.NewPerson) (store.Person, error) {
	var row personRow
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO persons (name, canonical_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
		RETURNING `+personColumns, np.Name, nullablePtr(np.CanonicalID)).Scan(row.dest()...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Person{}, store.ErrConflict
	case err != nil:
		return store.Person{}, fmt.Errorf("insert person: %w", err)
	}
	return row.toPerson(), nil
}

func (r queries) AttachCanonicalID(ctx context.Context, personID int64, canonicalID string) (store.Person, error) {
	var taken int
	if err := r.q.QueryRowContext(ctx,
		`SELECT count(*) FROM persons WHERE canonical_id = ?`, canonicalID).Scan(&taken); err != nil {
		return store.Person{}, fmt.Errorf("check canonical id: %w", err)
	}
	if taken > 0 {
		return store.Person{}, store.ErrConflict
	}
	var row personRow
	err := r.q.QueryRowContext(ctx, `
		UPDATE persons SET canonical_id = ?
		WHERE id = ? AND canonical_id IS NULL
		RETURNING `+personColumns, canonicalID, personID).Scan(row.dest()...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Person{}, store.ErrConflict
	case err != nil:
		return store.Person{}, fmt.Errorf("attach canonical id: %w", err)
	}
	return row.toPerson(), nil
}

func (r queries) CreateSong(ctx context.Context, ns store.NewSong) (store.Song, error) {
	var row songRow
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO songs (canonical_id, title, artist, album, release_date, source_url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING `+songColumns,
		nullablePtr(ns.CanonicalID), ns.Title, ns.Artist, nullablePtr(ns.Album),
		nullableDate(ns.ReleaseDate), ns.SourceURL).Scan(row.dest()...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Song{}, store.ErrConflict
	case err != nil:
		return store.Song{}, fmt.Errorf("insert song: %w", err)
	}
	return row.toSong()
}

func (r queries) CreateContribution(ctx context.Context, c store.Contribution) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO contributions (song_id, person_id, role) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, c.SongID, c.PersonID, c.Role)
	if err != nil {
		return false, fmt.Errorf("insert contribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert contribution rows affected: %w", err)
	}
	return n == 1, nil
}

func (r queries) MarkExplored(ctx context.Context, personID int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE persons SET is_explored = 1 WHERE id = ?`, personID)
	if err != nil {
		return fmt.Errorf("mark explored: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark explored rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
