package store

import "context"

// Reader exposes lookups by unique key. Each returns ErrNotFound when absent.
type Reader interface {
	PersonByID(ctx context.Context, id int64) (Person, error)
	PersonByCanonicalID(ctx context.Context, canonicalID string) (Person, error)
	// PersonByName matches on exact name. When several persons share a name
	// (possible once canonical ids differ), the lowest id wins.
	PersonByName(ctx context.Context, name string) (Person, error)
	SongByCanonicalID(ctx context.Context, canonicalID string) (Song, error)
	ContributionExists(ctx context.Context, c Contribution) (bool, error)
}

// Tx is the write surface available inside a unit of work. Nothing written
// through a Tx is visible outside it until the enclosing WithTx returns nil.
type Tx interface {
	Reader
	// CreatePerson inserts an unexplored person. Returns ErrConflict when the
	// canonical id (or, for persons without one, the name) is already taken.
	CreatePerson(ctx context.Context, p NewPerson) (Person, error)
	// AttachCanonicalID sets the canonical id of a person that has none.
	AttachCanonicalID(ctx context.Context, personID int64, canonicalID string) (Person, error)
	// CreateSong inserts a song. Returns ErrConflict on a duplicate canonical id.
	CreateSong(ctx context.Context, s NewSong) (Song, error)
	// CreateContribution inserts the edge unless it already exists and
	// reports whether a row was written.
	CreateContribution(ctx context.Context, c Contribution) (bool, error)
	// MarkExplored sets is_explored. There is no inverse.
	MarkExplored(ctx context.Context, personID int64) error
}

// EntityStore is the persistence boundary of the crawler.
type EntityStore interface {
	Reader
	// WithTx runs fn inside a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
	// ExploredCanonicalIDs lists the canonical ids of every explored person.
	ExploredCanonicalIDs(ctx context.Context) ([]string, error)
	// Collaborations returns every (song, other person) pair for songs the
	// root contributed to, excluding the root itself.
	Collaborations(ctx context.Context, rootPersonID int64) ([]CollaborationRow, error)
	// SizeBytes reports the current storage footprint used for budget checks.
	SizeBytes(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
