// Package graph answers collaboration queries over stored contributions.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

// Source is the store surface the aggregator reads.
type Source interface {
	PersonByID(ctx context.Context, id int64) (store.Person, error)
	PersonByCanonicalID(ctx context.Context, canonicalID string) (store.Person, error)
	Collaborations(ctx context.Context, rootPersonID int64) ([]store.CollaborationRow, error)
}

// Collaboration summarizes one collaborator of a root person.
type Collaboration struct {
	Collaborator store.Person `json:"collaborator"`
	// Songs are the distinct shared songs, ordered by song id.
	Songs []store.Song `json:"songs"`
	// Strength is len(Songs).
	Strength int `json:"strength"`
}

// Aggregator computes collaboration summaries.
type Aggregator struct {
	source Source
	logger *zap.Logger
}

// New returns an Aggregator over source.
func New(source Source, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{source: source, logger: logger}
}

// Collaborators lists everyone who shares at least one song with the root,
// strongest first. Collaborators without a canonical id are left out. A
// missing root yields crawler.ErrNotFound.
func (a *Aggregator) Collaborators(ctx context.Context, rootPersonID int64) ([]Collaboration, error) {
	root, err := a.source.PersonByID(ctx, rootPersonID)
	if err != nil {
		return nil, rootError(fmt.Sprintf("person %d", rootPersonID), err)
	}
	return a.collaborators(ctx, root)
}

// CollaboratorsByCanonicalID is Collaborators with the root looked up by
// canonical id.
func (a *Aggregator) CollaboratorsByCanonicalID(ctx context.Context, canonicalID string) ([]Collaboration, error) {
	root, err := a.source.PersonByCanonicalID(ctx, canonicalID)
	if err != nil {
		return nil, rootError("artist "+canonicalID, err)
	}
	return a.collaborators(ctx, root)
}

func rootError(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, crawler.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func (a *Aggregator) collaborators(ctx context.Context, root store.Person) ([]Collaboration, error) {
	rows, err := a.source.Collaborations(ctx, root.ID)
	if err != nil {
		return nil, fmt.Errorf("collaborations of person %d: %w", root.ID, err)
	}

	type group struct {
		person store.Person
		songs  map[int64]store.Song
	}
	groups := make(map[int64]*group)
	for _, row := range rows {
		c := row.Collaborator
		if c.ID == root.ID || c.CanonicalID == nil {
			continue
		}
		g, ok := groups[c.ID]
		if !ok {
			g = &group{person: c, songs: make(map[int64]store.Song)}
			groups[c.ID] = g
		}
		g.songs[row.Song.ID] = row.Song
	}

	out := make([]Collaboration, 0, len(groups))
	for _, g := range groups {
		songs := make([]store.Song, 0, len(g.songs))
		for _, s := range g.songs {
			songs = append(songs, s)
		}
		sort.Slice(songs, func(i, j int) bool { return songs[i].ID < songs[j].ID })
		out = append(out, Collaboration{Collaborator: g.person, Songs: songs, Strength: len(songs)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Collaborator.ID < out[j].Collaborator.ID
	})

	a.logger.Debug("collaborators computed",
		zap.Int64("person_id", root.ID),
		zap.Int("rows", len(rows)),
		zap.Int("collaborators", len(out)),
	)
	return out, nil
}
