package store

import (
	"fmt"
	"time"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
)

// Sentinel errors returned by every EntityStore implementation. Both wrap the
// crawler taxonomy so callers may test against either.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = fmt.Errorf("record %w", crawler.ErrNotFound)
	// ErrConflict signals that an insert lost a uniqueness race.
	ErrConflict = fmt.Errorf("record %w", crawler.ErrConflict)
)

// Person models the persons table.
type Person struct {
	// ID is the surrogate primary key.
	ID int64 `json:"id"`
	// Name is the display name. Unique among persons without a CanonicalID.
	Name string `json:"name"`
	// CanonicalID is the upstream artist id (MusicBrainz MBID) when known.
	CanonicalID *string `json:"canonical_id,omitempty"`
	// ExternalID is an identifier from a secondary catalogue, unused by the crawl path.
	ExternalID *string `json:"external_id,omitempty"`
	// IsExplored flips to true once the person's catalogue has been ingested.
	IsExplored bool `json:"is_explored"`
}

// Song models the songs table.
type Song struct {
	ID          int64      `json:"id"`
	CanonicalID *string    `json:"canonical_id,omitempty"`
	Title       string     `json:"title"`
	Artist      string     `json:"artist"`
	Album       *string    `json:"album,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	SourceURL   string     `json:"source_url"`
}

// Contribution links a person to a song under a role. The triple is unique.
type Contribution struct {
	SongID   int64  `json:"song_id"`
	PersonID int64  `json:"person_id"`
	Role     string `json:"role"`
}

// NewPerson carries the fields needed to insert a person.
type NewPerson struct {
	Name        string
	CanonicalID *string
}

// NewSong carries the fields needed to insert a song.
type NewSong struct {
	CanonicalID *string
	Title       string
	Artist      string
	Album       *string
	ReleaseDate *time.Time
	SourceURL   string
}

// CollaborationRow is one (shared song, collaborator) pair reached from a
// root person through the contributions table. Rows may repeat when either
// side holds several roles on the same song.
type CollaborationRow struct {
	Song         Song
	Collaborator Person
}

// Counts summarizes table cardinalities.
type Counts struct {
	Persons       int64 `json:"persons"`
	Songs         int64 `json:"songs"`
	Contributions int64 `json:"contributions"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
