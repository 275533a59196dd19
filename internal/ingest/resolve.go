package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

// ResolvePerson finds the person for (name, canonicalID) or creates an
// unexplored one. Canonical id wins over name. A name match is only reused
// when that person has no canonical id (the id is then attached) or when no
// canonical id is known for the incoming credit. It reports whether a row
// was created.
func ResolvePerson(ctx context.Context, tx store.Tx, name string, canonicalID *string) (store.Person, bool, error) {
	if canonicalID != nil && *canonicalID == "" {
		canonicalID = nil
	}
	p, err := resolveExisting(ctx, tx, name, canonicalID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Person{}, false, err
	}

	p, err = tx.CreatePerson(ctx, store.NewPerson{Name: name, CanonicalID: canonicalID})
	if errors.Is(err, store.ErrConflict) {
		// Lost an insert race; the winner's row is the answer.
		p, err = resolveExisting(ctx, tx, name, canonicalID)
		if err != nil {
			return store.Person{}, false, fmt.Errorf("re-resolve person %q: %w", name, err)
		}
		return p, false, nil
	}
	if err != nil {
		return store.Person{}, false, fmt.Errorf("create person %q: %w", name, err)
	}
	return p, true, nil
}

func resolveExisting(ctx context.Context, tx store.Tx, name string, canonicalID *string) (store.Person, error) {
	if canonicalID != nil {
		p, err := tx.PersonByCanonicalID(ctx, *canonicalID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return p, err
		}
	}

	p, err := tx.PersonByName(ctx, name)
	if err != nil {
		return store.Person{}, err
	}
	switch {
	case canonicalID == nil:
		return p, nil
	case p.CanonicalID == nil:
		attached, err := tx.AttachCanonicalID(ctx, p.ID, *canonicalID)
		if errors.Is(err, store.ErrConflict) {
			return store.Person{}, store.ErrNotFound
		}
		return attached, err
	default:
		// Same name, different identity.
		return store.Person{}, store.ErrNotFound
	}
}

// ResolveOrCreateSong returns the song with fields.CanonicalID, creating it
// when absent. It reports whether the song is new.
func ResolveOrCreateSong(ctx context.Context, tx store.Tx, fields store.NewSong) (store.Song, bool, error) {
	if fields.CanonicalID != nil {
		s, err := tx.SongByCanonicalID(ctx, *fields.CanonicalID)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Song{}, false, err
		}
	}
	s, err := tx.CreateSong(ctx, fields)
	if errors.Is(err, store.ErrConflict) && fields.CanonicalID != nil {
		s, err = tx.SongByCanonicalID(ctx, *fields.CanonicalID)
		if err != nil {
			return store.Song{}, false, fmt.Errorf("re-resolve song %s: %w", *fields.CanonicalID, err)
		}
		return s, false, nil
	}
	if err != nil {
		return store.Song{}, false, fmt.Errorf("create song %q: %w", fields.Title, err)
	}
	return s, true, nil
}
