package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/music-graph-crawler/internal/frontier"
	"github.com/JakeFAU/music-graph-crawler/internal/musicbrainz"
	"github.com/JakeFAU/music-graph-crawler/internal/storage/memory"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

type fakeCatalogue struct {
	pages   []musicbrainz.RecordingList
	calls   []int
	failAt  int
	failErr error
}

func (f *fakeCatalogue) Recordings(_ context.Context, _ string, _ int, offset int) (musicbrainz.RecordingList, error) {
	f.calls = append(f.calls, offset)
	if f.failErr != nil && len(f.calls) == f.failAt {
		return musicbrainz.RecordingList{}, f.failErr
	}
	idx := len(f.calls) - 1
	if idx >= len(f.pages) {
		return musicbrainz.RecordingList{}, nil
	}
	return f.pages[idx], nil
}

type fakeQueue struct {
	ids []string
}

func (q *fakeQueue) Enqueue(id string, explored frontier.IDSet) (bool, error) {
	if explored.Has(id) {
		return false, nil
	}
	for _, existing := range q.ids {
		if existing == id {
			return false, nil
		}
	}
	q.ids = append(q.ids, id)
	return true, nil
}

func strPtr(s string) *string { return &s }

func artistCredit(name, id string) musicbrainz.ArtistCredit {
	return musicbrainz.ArtistCredit{Name: name, Artist: musicbrainz.Artist{ID: id, Name: name}}
}

func artistRel(kind, name, id string, attrs ...string) musicbrainz.Relation {
	return musicbrainz.Relation{Target: &musicbrainz.ArtistRelation{
		Type:       kind,
		Attributes: attrs,
		Artist:     musicbrainz.Artist{ID: id, Name: name},
	}}
}

func recordings(prefix string, n int) []musicbrainz.Recording {
	out := make([]musicbrainz.Recording, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, musicbrainz.Recording{
			ID:           fmt.Sprintf("%s-%d", prefix, i),
			Title:        strPtr(fmt.Sprintf("Song %d", i)),
			ArtistCredit: []musicbrainz.ArtistCredit{artistCredit("Root", "mb-root")},
		})
	}
	return out
}

func txUnit(s *memory.EntityStore) Unit {
	return UnitFunc(func(ctx context.Context, fn func(store.Tx) error) error {
		return s.WithTx(ctx, fn)
	})
}

func rolesOf(t *testing.T, s *memory.EntityStore, songID int64, canonicalID string) []string {
	t.Helper()
	ctx := context.Background()
	p, err := s.PersonByCanonicalID(ctx, canonicalID)
	require.NoError(t, err)
	var roles []string
	for _, role := range []string{"performer", "producer", "instrument (guitar, bass)", "composer", "lyricist", "vocal"} {
		ok, err := s.ContributionExists(ctx, store.Contribution{SongID: songID, PersonID: p.ID, Role: role})
		require.NoError(t, err)
		if ok {
			roles = append(roles, role)
		}
	}
	return roles
}

func TestIngestEntityNormalizesRoleSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	in := New(Config{}, &fakeCatalogue{}, &fakeQueue{}, nil)

	rec := musicbrainz.Recording{
		ID:               "rec-1",
		Title:            strPtr("Hold On"),
		FirstReleaseDate: strPtr("1999"),
		ArtistCredit: []musicbrainz.ArtistCredit{
			{Name: "X", JoinPhrase: strPtr(" feat. "), Artist: musicbrainz.Artist{ID: "mb-x", Name: "X"}},
			artistCredit("Y", "mb-y"),
		},
		Relations: []musicbrainz.Relation{
			artistRel("producer", "Z", "mb-z"),
			artistRel("instrument", "Y", "mb-y", "guitar", "bass"),
			{Target: &musicbrainz.WorkRelation{Type: "performance", Work: musicbrainz.Work{
				ID: "work-1",
				Relations: []musicbrainz.Relation{
					artistRel("composer", "Z", "mb-z"),
					{Target: &musicbrainz.UnknownRelation{TargetType: "url", Type: "lyrics"}},
				},
			}}},
			{Target: &musicbrainz.UnknownRelation{TargetType: "label", Type: "publishing"}},
		},
	}

	var res Result
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = in.IngestEntity(ctx, tx, rec, "Context Artist")
		return err
	}))
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, []string{"mb-x", "mb-y", "mb-z"}, res.Discovered)

	song, err := s.SongByCanonicalID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "Hold On", song.Title)
	assert.Equal(t, "X feat. Y", song.Artist)
	assert.Nil(t, song.Album)
	assert.Equal(t, "https://musicbrainz.org/recording/rec-1", song.SourceURL)
	require.NotNil(t, song.ReleaseDate)
	assert.Equal(t, time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC), *song.ReleaseDate)

	assert.Equal(t, []string{"performer"}, rolesOf(t, s, song.ID, "mb-x"))
	assert.Equal(t, []string{"performer", "instrument (guitar, bass)"}, rolesOf(t, s, song.ID, "mb-y"))
	assert.Equal(t, []string{"producer", "composer"}, rolesOf(t, s, song.ID, "mb-z"))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Persons: 3, Songs: 1, Contributions: 5}, counts)
}

type countingTx struct {
	store.Tx
	creates int
}

func (c *countingTx) CreateContribution(ctx context.Context, edge store.Contribution) (bool, error) {
	c.creates++
	return c.Tx.CreateContribution(ctx, edge)
}

func TestIngestEntitySkipsExistingEdge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	in := New(Config{}, &fakeCatalogue{}, &fakeQueue{}, nil)

	rec := musicbrainz.Recording{
		ID:           "rec-dup",
		Title:        strPtr("Twice"),
		ArtistCredit: []musicbrainz.ArtistCredit{artistCredit("X", "mb-x")},
		Relations:    []musicbrainz.Relation{artistRel("performer", "X", "")},
	}

	var counting *countingTx
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		counting = &countingTx{Tx: tx}
		res, err := in.IngestEntity(ctx, counting, rec, "X")
		if err != nil {
			return err
		}
		assert.Equal(t, 1, res.Ingested)
		return nil
	}))
	assert.Equal(t, 1, counting.creates)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Persons: 1, Songs: 1, Contributions: 1}, counts)
}

func TestIngestEntityDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	in := New(Config{SourceURLBase: "https://example.test/r/"}, &fakeCatalogue{}, &fakeQueue{}, nil)

	rec := musicbrainz.Recording{ID: "rec-bare", FirstReleaseDate: strPtr("not a date")}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		res, err := in.IngestEntity(ctx, tx, rec, "Fallback")
		if err != nil {
			return err
		}
		assert.Equal(t, 1, res.Ingested)
		assert.Empty(t, res.Discovered)
		return nil
	}))

	song, err := s.SongByCanonicalID(ctx, "rec-bare")
	require.NoError(t, err)
	assert.Equal(t, UnknownTitle, song.Title)
	assert.Equal(t, "Fallback", song.Artist)
	assert.Nil(t, song.Album)
	assert.Nil(t, song.ReleaseDate)
	assert.Equal(t, "https://example.test/r/rec-bare", song.SourceURL)
}

func TestIngestEntitySkipsKnownAndMissingIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	in := New(Config{}, &fakeCatalogue{}, &fakeQueue{}, nil)
	rec := recordings("known", 1)[0]

	for i, want := range []int{1, 0} {
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
			res, err := in.IngestEntity(ctx, tx, rec, "Root")
			assert.Equal(t, want, res.Ingested, "pass %d", i)
			return err
		}))
	}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		res, err := in.IngestEntity(ctx, tx, musicbrainz.Recording{}, "Root")
		assert.Zero(t, res.Ingested)
		return err
	}))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Persons: 1, Songs: 1, Contributions: 1}, counts)
}

func TestIngestCatalogueStopsAtSongCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	cat := &fakeCatalogue{pages: []musicbrainz.RecordingList{
		{Count: 250, Recordings: recordings("a", 100)},
		{Count: 250, Recordings: recordings("b", 100)},
	}}
	q := &fakeQueue{}
	in := New(Config{}, cat, q, nil)

	res, err := in.IngestCatalogue(ctx, musicbrainz.Artist{ID: "mb-root", Name: "Root"}, txUnit(s), frontier.NewIDSet())
	require.NoError(t, err)
	assert.Equal(t, DefaultSongCap, res.Ingested)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, []string{"mb-root"}, q.ids)
	assert.True(t, res.CapReached)
	assert.Equal(t, []int{0}, cat.calls)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultSongCap), counts.Songs)
}

func TestIngestCataloguePaginatesPastKnownSongs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	first := recordings("p", 3)
	cat := &fakeCatalogue{pages: []musicbrainz.RecordingList{
		{Count: 5, Recordings: first},
		{Count: 5, Recordings: recordings("q", 2)},
	}}
	in := New(Config{SongCap: 4, PageLimit: 3}, cat, &fakeQueue{}, nil)

	// Pre-store the first page so it contributes nothing.
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for _, rec := range first {
			if _, err := in.IngestEntity(ctx, tx, rec, "Root"); err != nil {
				return err
			}
		}
		return nil
	}))

	res, err := in.IngestCatalogue(ctx, musicbrainz.Artist{ID: "mb-root", Name: "Root"}, txUnit(s), frontier.NewIDSet("mb-root"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Zero(t, res.Enqueued)
	assert.False(t, res.CapReached)
	assert.Equal(t, []int{0, 3}, cat.calls)
	assert.Equal(t, 2, res.Pages)
}

func TestIngestCatalogueStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalogue{pages: []musicbrainz.RecordingList{{Count: 0}}}
	in := New(Config{}, cat, &fakeQueue{}, nil)

	res, err := in.IngestCatalogue(context.Background(), musicbrainz.Artist{ID: "mb-empty"}, txUnit(memory.NewEntityStore()), frontier.NewIDSet())
	require.NoError(t, err)
	assert.Zero(t, res.Ingested)
	assert.Equal(t, 1, res.Pages)
}

func TestIngestCatalogueKeepsPartialProgressOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewEntityStore()
	boom := errors.New("upstream down")
	cat := &fakeCatalogue{
		pages:   []musicbrainz.RecordingList{{Count: 10, Recordings: recordings("r", 5)}},
		failAt:  2,
		failErr: boom,
	}
	in := New(Config{SongCap: 10, PageLimit: 5}, cat, &fakeQueue{}, nil)

	res, err := in.IngestCatalogue(ctx, musicbrainz.Artist{ID: "mb-root", Name: "Root"}, txUnit(s), frontier.NewIDSet())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 5, res.Ingested)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts.Songs)
}

func TestEnqueueDiscoveredSkipsExplored(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	in := New(Config{}, &fakeCatalogue{}, q, nil)

	added, err := in.EnqueueDiscovered([]string{"a", "b", "a", "c"}, frontier.NewIDSet("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a", "c"}, q.ids)
}

func TestParseReleaseDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2001-07-15", datePtr(2001, time.July, 15)},
		{"2001-07", datePtr(2001, time.July, 1)},
		{"2001", datePtr(2001, time.January, 1)},
		{"", nil},
		{"07/15/2001", nil},
		{"2001-13", nil},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ParseReleaseDate(tc.in))
		})
	}
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}
