package musicbrainz

import (
	"encoding/json"
	"fmt"
)

// ArtistSearchResult is the payload of artist/?query=.
type ArtistSearchResult struct {
	Count   int      `json:"count"`
	Offset  int      `json:"offset"`
	Artists []Artist `json:"artists"`
}

// Artist is the subset of an artist payload the crawler reads.
type Artist struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	SortName       *string `json:"sort-name,omitempty"`
	Type           *string `json:"type,omitempty"`
	Country        *string `json:"country,omitempty"`
	Disambiguation *string `json:"disambiguation,omitempty"`
	Score          *int    `json:"score,omitempty"`
}

// RecordingList is one page of recording?artist=.
type RecordingList struct {
	Count      int         `json:"recording-count"`
	Offset     int         `json:"recording-offset"`
	Recordings []Recording `json:"recordings"`
}

// Recording is a song as MusicBrainz models it.
type Recording struct {
	ID               string         `json:"id"`
	Title            *string        `json:"title,omitempty"`
	FirstReleaseDate *string        `json:"first-release-date,omitempty"`
	ArtistCredit     []ArtistCredit `json:"artist-credit,omitempty"`
	Relations        []Relation     `json:"relations,omitempty"`
}

// ArtistCredit is one entry of a recording's performer credit.
type ArtistCredit struct {
	Name       string  `json:"name"`
	JoinPhrase *string `json:"joinphrase,omitempty"`
	Artist     Artist  `json:"artist"`
}

// Work is a composition a recording relates to; it carries its own relations.
type Work struct {
	ID        string     `json:"id"`
	Title     *string    `json:"title,omitempty"`
	Relations []Relation `json:"relations,omitempty"`
}

// Target types that discriminate a relation.
const (
	TargetArtist = "artist"
	TargetWork   = "work"
)

// RelationTarget is the closed set of relation shapes: *ArtistRelation,
// *WorkRelation, or *UnknownRelation.
type RelationTarget interface {
	targetType() string
}

// ArtistRelation links an entity directly to a person.
type ArtistRelation struct {
	Type       string
	Attributes []string
	Artist     Artist
}

// WorkRelation links a recording to a work whose own relations reach persons.
type WorkRelation struct {
	Type string
	Work Work
}

// UnknownRelation keeps relation kinds the crawler does not follow.
type UnknownRelation struct {
	TargetType string
	Type       string
}

func (*ArtistRelation) targetType() string    { return TargetArtist }
func (*WorkRelation) targetType() string      { return TargetWork }
func (u *UnknownRelation) targetType() string { return u.TargetType }

// Relation wraps a decoded RelationTarget. The discriminator is read once,
// during decoding.
type Relation struct {
	Target RelationTarget
}

type rawRelation struct {
	TargetType string          `json:"target-type"`
	Type       string          `json:"type"`
	Attributes []string        `json:"attributes,omitempty"`
	Artist     json.RawMessage `json:"artist,omitempty"`
	Work       json.RawMessage `json:"work,omitempty"`
}

// UnmarshalJSON dispatches on target-type.
func (r *Relation) UnmarshalJSON(data []byte) error {
	var raw rawRelation
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("relation: %w", err)
	}
	switch {
	case raw.TargetType == TargetArtist && len(raw.Artist) > 0:
		var a Artist
		if err := json.Unmarshal(raw.Artist, &a); err != nil {
			return fmt.Errorf("artist relation: %w", err)
		}
		r.Target = &ArtistRelation{Type: raw.Type, Attributes: raw.Attributes, Artist: a}
	case raw.TargetType == TargetWork && len(raw.Work) > 0:
		var w Work
		if err := json.Unmarshal(raw.Work, &w); err != nil {
			return fmt.Errorf("work relation: %w", err)
		}
		r.Target = &WorkRelation{Type: raw.Type, Work: w}
	default:
		r.Target = &UnknownRelation{TargetType: raw.TargetType, Type: raw.Type}
	}
	return nil
}

// MarshalJSON writes the relation back in upstream shape, mostly for fixtures.
func (r Relation) MarshalJSON() ([]byte, error) {
	switch t := r.Target.(type) {
	case *ArtistRelation:
		artist, err := json.Marshal(t.Artist)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rawRelation{TargetType: TargetArtist, Type: t.Type, Attributes: t.Attributes, Artist: artist})
	case *WorkRelation:
		work, err := json.Marshal(t.Work)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rawRelation{TargetType: TargetWork, Type: t.Type, Work: work})
	case *UnknownRelation:
		return json.Marshal(rawRelation{TargetType: t.TargetType, Type: t.Type})
	default:
		return []byte("{}"), nil
	}
}
