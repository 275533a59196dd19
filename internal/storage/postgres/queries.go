package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

const (
	personColumns = `id, name, canonical_id, external_id, is_explored`
	songColumns   = `id, canonical_id, title, artist, album, release_date, source_url`
)

// queries implements the reads and writes shared by the pool and a tx.
type queries struct {
	q querier
}

func scanPerson(row pgx.Row) (store.Person, error) {
	var p store.Person
	err := row.Scan(&p.ID, &p.Name, &p.CanonicalID, &p.ExternalID, &p.IsExplored)
	return p, err
}

func scanSong(row pgx.Row) (store.Song, error) {
	var s store.Song
	err := row.Scan(&s.ID, &s.CanonicalID, &s.Title, &s.Artist, &s.Album, &s.ReleaseDate, &s.SourceURL)
	return s, err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (r queries) PersonByID(ctx context.Context, id int64) (store.Person, error) {
	p, err := scanPerson(r.q.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id = $1`, id))
	if err != nil {
		return store.Person{}, notFound(err, "select person by id")
	}
	return p, nil
}

func (r queries) PersonByCanonicalID(ctx context.Context, canonicalID string) (store.Person, error) {
	p, err := scanPerson(r.q.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE canonical_id = $1`, canonicalID))
	if err != nil {
		return store.Person{}, notFound(err, "select person by canonical id")
	}
	return p, nil
}

func (r queries) PersonByName(ctx context.Context, name string) (store.Person, error) {
	p, err := scanPerson(r.q.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE name = $1 ORDER BY id LIMIT 1`, name))
	if err != nil {
		return store.Person{}, notFound(err, "select person by name")
	}
	return p, nil
}

func (r queries) SongByCanonicalID(ctx context.Context, canonicalID string) (store.Song, error) {
	s, err := scanSong(r.q.QueryRow(ctx, `SELECT `+songColumns+` FROM songs WHERE canonical_id = $1`, canonicalID))
	if err != nil {
		return store.Song{}, notFound(err, "select song by canonical id")
	}
	return s, nil
}

func (r queries) ContributionExists(ctx context.Context, c store.Contribution) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM contributions WHERE song_id = $1 AND person_id = $2 AND role = $3
		)`, c.SongID, c.PersonID, c.Role).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select contribution: %w", err)
	}
	return exists, nil
}

func (r queries) CreatePerson(ctx context.Context, np store.NewPerson) (store.Person, error) {
	p, err := scanPerson(r.q.QueryRow(ctx, `
		INSERT INTO persons (name, canonical_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING `+personColumns, np.Name, np.CanonicalID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.Person{}, store.ErrConflict
	case err != nil:
		return store.Person{}, fmt.Errorf("insert person: %w", err)
	}
	return p, nil
}

// AttachCanonicalID skips the update when the id is already taken, since a
// unique violation would abort the surrounding transaction.
func (r queries) AttachCanonicalID(ctx context.Context, personID int64, canonicalID string) (store.Person, error) {
	p, err := scanPerson(r.q.QueryRow(ctx, `
		UPDATE persons SET canonical_id = $2
		WHERE id = $1 AND canonical_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM persons WHERE canonical_id = $2)
		RETURNING `+personColumns, personID, canonicalID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.Person{}, store.ErrConflict
	case isUniqueViolation(err):
		return store.Person{}, store.ErrConflict
	case err != nil:
		return store.Person{}, fmt.Errorf("attach canonical id: %w", err)
	}
	return p, nil
}

func (r queries) CreateSong(ctx context.Context, ns store.NewSong) (store.Song, error) {
	s, err := scanSong(r.q.QueryRow(ctx, `
		INSERT INTO songs (canonical_id, title, artist, album, release_date, source_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING `+songColumns,
		ns.CanonicalID, ns.Title, ns.Artist, ns.Album, ns.ReleaseDate, ns.SourceURL))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.Song{}, store.ErrConflict
	case err != nil:
		return store.Song{}, fmt.Errorf("insert song: %w", err)
	}
	return s, nil
}

func (r queries) CreateContribution(ctx context.Context, c store.Contribution) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO contributions (song_id, person_id, role) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, c.SongID, c.PersonID, c.Role)
	if err != nil {
		return false, fmt.Errorf("insert contribution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r queries) MarkExplored(ctx context.Context, personID int64) error {
	tag, err := r.q.Exec(ctx, `UPDATE persons SET is_explored = TRUE WHERE id = $1`, personID)
	if err != nil {
		return fmt.Errorf("mark explored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
