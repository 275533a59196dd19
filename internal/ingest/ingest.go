package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/frontier"
	"github.com/JakeFAU/music-graph-crawler/internal/musicbrainz"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

// Defaults applied by New when Config fields are zero.
const (
	DefaultSongCap       = 50
	DefaultPageLimit     = 100
	DefaultSourceURLBase = "https://musicbrainz.org/recording/"
	PerformerRole        = "performer"
	UnknownTitle         = "Unknown Song"
)

// Config tunes ingestion.
type Config struct {
	// SongCap bounds the number of new songs ingested per crawled artist.
	SongCap int
	// PageLimit is the page size requested from the recordings listing.
	PageLimit int
	// SourceURLBase is prefixed to a recording's canonical id.
	SourceURLBase string
}

// Catalogue lists an artist's recordings page by page.
type Catalogue interface {
	Recordings(ctx context.Context, artistMBID string, limit, offset int) (musicbrainz.RecordingList, error)
}

// Queue receives discovered canonical ids.
type Queue interface {
	Enqueue(id string, explored frontier.IDSet) (bool, error)
}

// Unit runs fn as one all-or-nothing write.
type Unit interface {
	Apply(ctx context.Context, fn func(store.Tx) error) error
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context, fn func(store.Tx) error) error

// Apply calls f.
func (f UnitFunc) Apply(ctx context.Context, fn func(store.Tx) error) error {
	return f(ctx, fn)
}

// Result describes one ingested recording.
type Result struct {
	// Ingested is 1 when a new song was written, 0 when the recording was
	// already stored or skipped.
	Ingested int
	// Discovered holds the canonical ids of every person credited on the new song.
	Discovered []string
}

// CatalogueResult aggregates an artist's catalogue ingestion.
type CatalogueResult struct {
	Ingested   int
	Pages      int
	Discovered []string
	Enqueued   int
	CapReached bool
}

// Ingestor normalizes upstream recordings into the entity store.
type Ingestor struct {
	cfg    Config
	source Catalogue
	queue  Queue
	logger *zap.Logger
}

// New constructs an Ingestor.
func New(cfg Config, source Catalogue, queue Queue, logger *zap.Logger) *Ingestor {
	if cfg.SongCap <= 0 {
		cfg.SongCap = DefaultSongCap
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.SourceURLBase == "" {
		cfg.SourceURLBase = DefaultSourceURLBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{cfg: cfg, source: source, queue: queue, logger: logger}
}

// Config returns the effective configuration.
func (in *Ingestor) Config() Config {
	return in.cfg
}

// IngestEntity writes one recording through tx. A recording whose canonical
// id is already stored is a no-op.
func (in *Ingestor) IngestEntity(ctx context.Context, tx store.Tx, rec musicbrainz.Recording, contextArtist string) (Result, error) {
	if rec.ID == "" {
		in.logger.Debug("skipping recording without id")
		return Result{}, nil
	}
	if _, err := tx.SongByCanonicalID(ctx, rec.ID); err == nil {
		return Result{}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup song %s: %w", rec.ID, err)
	}

	song, isNew, err := ResolveOrCreateSong(ctx, tx, in.songFields(rec, contextArtist))
	if err != nil {
		return Result{}, err
	}
	if !isNew {
		return Result{}, nil
	}

	book := collectCredits(rec)
	var discovered []string
	for _, c := range book.credits() {
		person, _, err := ResolvePerson(ctx, tx, c.name, c.canonicalID)
		if err != nil {
			return Result{}, fmt.Errorf("resolve %q on %s: %w", c.name, rec.ID, err)
		}
		for _, role := range c.roles {
			edge := store.Contribution{SongID: song.ID, PersonID: person.ID, Role: role}
			// A name-only credit can resolve to a person already credited
			// under their canonical id.
			exists, err := tx.ContributionExists(ctx, edge)
			if err != nil {
				return Result{}, fmt.Errorf("check link %q to %s: %w", c.name, rec.ID, err)
			}
			if exists {
				continue
			}
			if _, err := tx.CreateContribution(ctx, edge); err != nil {
				return Result{}, fmt.Errorf("link %q to %s: %w", c.name, rec.ID, err)
			}
		}
		if person.CanonicalID != nil {
			discovered = append(discovered, *person.CanonicalID)
		}
		in.logger.Debug("credited person",
			zap.String("recording_id", rec.ID),
			zap.String("person", c.name),
			zap.Strings("roles", c.sortedRoles()),
		)
	}
	return Result{Ingested: 1, Discovered: discovered}, nil
}

// IngestCatalogue pages through an artist's recordings, applying each one
// as its own unit, until the new-song cap is reached or the listing is
// exhausted. Discovered ids are enqueued after each successful apply. On
// error the returned result still reflects every unit that was applied.
func (in *Ingestor) IngestCatalogue(ctx context.Context, artist musicbrainz.Artist, unit Unit, explored frontier.IDSet) (CatalogueResult, error) {
	var res CatalogueResult
	offset := 0
	for res.Ingested < in.cfg.SongCap {
		page, err := in.source.Recordings(ctx, artist.ID, in.cfg.PageLimit, offset)
		if err != nil {
			return res, fmt.Errorf("list recordings of %s at offset %d: %w", artist.ID, offset, err)
		}
		res.Pages++
		if len(page.Recordings) == 0 {
			break
		}
		for _, rec := range page.Recordings {
			if res.Ingested >= in.cfg.SongCap {
				break
			}
			var r Result
			err := unit.Apply(ctx, func(tx store.Tx) error {
				var err error
				r, err = in.IngestEntity(ctx, tx, rec, artist.Name)
				return err
			})
			if err != nil {
				return res, err
			}
			res.Ingested += r.Ingested
			res.Discovered = append(res.Discovered, r.Discovered...)
			added, err := in.EnqueueDiscovered(r.Discovered, explored)
			res.Enqueued += added
			if err != nil {
				return res, err
			}
		}
		offset += len(page.Recordings)
		if page.Count > 0 && offset >= page.Count {
			break
		}
	}
	res.CapReached = res.Ingested >= in.cfg.SongCap
	in.logger.Info("catalogue ingested",
		zap.String("canonical_id", artist.ID),
		zap.Int("songs_ingested", res.Ingested),
		zap.Int("pages", res.Pages),
		zap.Int("enqueued", res.Enqueued),
		zap.Bool("cap_reached", res.CapReached),
	)
	return res, nil
}

// EnqueueDiscovered pushes ids into the frontier, skipping explored ones,
// and reports how many were newly queued.
func (in *Ingestor) EnqueueDiscovered(ids []string, explored frontier.IDSet) (int, error) {
	if in.queue == nil {
		return 0, nil
	}
	added := 0
	for _, id := range ids {
		ok, err := in.queue.Enqueue(id, explored)
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", id, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (in *Ingestor) songFields(rec musicbrainz.Recording, contextArtist string) store.NewSong {
	title := UnknownTitle
	if rec.Title != nil && strings.TrimSpace(*rec.Title) != "" {
		title = *rec.Title
	}
	var released *time.Time
	if rec.FirstReleaseDate != nil {
		released = ParseReleaseDate(*rec.FirstReleaseDate)
	}
	id := rec.ID
	return store.NewSong{
		CanonicalID: &id,
		Title:       title,
		Artist:      displayArtist(rec.ArtistCredit, contextArtist),
		ReleaseDate: released,
		SourceURL:   in.cfg.SourceURLBase + rec.ID,
	}
}

// ParseReleaseDate accepts YYYY-MM-DD, YYYY-MM, or YYYY. Partial dates map
// to the first day of the period. Anything else yields nil.
func ParseReleaseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if len(raw) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

func displayArtist(credits []musicbrainz.ArtistCredit, fallback string) string {
	if len(credits) == 0 {
		return fallback
	}
	var b strings.Builder
	for _, c := range credits {
		name := c.Name
		if name == "" {
			name = c.Artist.Name
		}
		b.WriteString(name)
		if c.JoinPhrase != nil {
			b.WriteString(*c.JoinPhrase)
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		return s
	}
	return fallback
}

func collectCredits(rec musicbrainz.Recording) *roleBook {
	book := newRoleBook()
	for _, c := range rec.ArtistCredit {
		name := c.Artist.Name
		if name == "" {
			name = c.Name
		}
		book.add(name, c.Artist.ID, PerformerRole)
	}
	for _, rel := range rec.Relations {
		switch t := rel.Target.(type) {
		case *musicbrainz.ArtistRelation:
			book.add(t.Artist.Name, t.Artist.ID, relationRole(t.Type, t.Attributes))
		case *musicbrainz.WorkRelation:
			for _, nested := range t.Work.Relations {
				if ar, ok := nested.Target.(*musicbrainz.ArtistRelation); ok {
					book.add(ar.Artist.Name, ar.Artist.ID, ar.Type)
				}
			}
		}
	}
	return book
}

func relationRole(kind string, attrs []string) string {
	if len(attrs) == 0 {
		return kind
	}
	return kind + " (" + strings.Join(attrs, ", ") + ")"
}
