package explore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/frontier"
	"github.com/JakeFAU/music-graph-crawler/internal/ingest"
	"github.com/JakeFAU/music-graph-crawler/internal/musicbrainz"
	"github.com/JakeFAU/music-graph-crawler/internal/progress"
	"github.com/JakeFAU/music-graph-crawler/internal/storage/memory"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

type fakeSource struct {
	mu         sync.Mutex
	artists    map[string]musicbrainz.Artist
	catalogues map[string][]musicbrainz.Recording
	failArtist map[string]error
	failOffset map[string]int
	block      chan struct{}
	entered    chan struct{}
	searches   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		artists:    map[string]musicbrainz.Artist{},
		catalogues: map[string][]musicbrainz.Recording{},
		failArtist: map[string]error{},
		failOffset: map[string]int{},
	}
}

func (s *fakeSource) addArtist(id, name string) {
	s.artists[id] = musicbrainz.Artist{ID: id, Name: name}
}

// addSong attaches a recording credited to performers to every performer's
// catalogue.
func (s *fakeSource) addSong(id string, performers ...string) {
	credits := make([]musicbrainz.ArtistCredit, 0, len(performers))
	for _, p := range performers {
		credits = append(credits, musicbrainz.ArtistCredit{Name: s.artists[p].Name, Artist: s.artists[p]})
	}
	title := "Song " + id
	rec := musicbrainz.Recording{ID: id, Title: &title, ArtistCredit: credits}
	for _, p := range performers {
		s.catalogues[p] = append(s.catalogues[p], rec)
	}
}

func (s *fakeSource) SearchArtist(_ context.Context, name string) (musicbrainz.Artist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++
	for _, a := range s.artists {
		if a.Name == name {
			return a, nil
		}
	}
	return musicbrainz.Artist{}, fmt.Errorf("search artist %q: %w", name, crawler.ErrNotFound)
}

func (s *fakeSource) Artist(_ context.Context, mbid string) (musicbrainz.Artist, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failArtist[mbid]; err != nil {
		return musicbrainz.Artist{}, err
	}
	a, ok := s.artists[mbid]
	if !ok {
		return musicbrainz.Artist{}, fmt.Errorf("artist %s: %w", mbid, crawler.ErrNotFound)
	}
	return a, nil
}

func (s *fakeSource) Recordings(_ context.Context, mbid string, limit, offset int) (musicbrainz.RecordingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.failOffset[mbid]; ok && at == offset {
		return musicbrainz.RecordingList{}, fmt.Errorf("recordings page: %w", crawler.ErrTransientNetwork)
	}
	all := s.catalogues[mbid]
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := musicbrainz.RecordingList{Count: len(all), Offset: offset}
	if offset < len(all) {
		page.Recordings = all[offset:end]
	}
	return page, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Sleep(context.Context, time.Duration) error { return nil }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	ctrl     *Controller
	store    *memory.EntityStore
	source   *fakeSource
	frontier *frontier.Frontier
	events   *recordingEmitter
	path     string
}

// xyzSource models seed X with S1 {X, Y} and S2 {X, Y, Z}.
func xyzSource() *fakeSource {
	src := newFakeSource()
	src.addArtist("mb-x", "X")
	src.addArtist("mb-y", "Y")
	src.addArtist("mb-z", "Z")
	src.addSong("s1", "mb-x", "mb-y")
	src.addSong("s2", "mb-x", "mb-y", "mb-z")
	return src
}

func newHarness(t *testing.T, src *fakeSource, cfg Config) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frontier.json")
	f, err := frontier.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	h := &harness{store: memory.NewEntityStore(), source: src, frontier: f, events: &recordingEmitter{}, path: path}
	h.ctrl, err = New(cfg, h.store, src, f,
		WithClock(&stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}),
		WithIDGenerator(&seqIDs{}),
		WithEmitter(h.events),
	)
	require.NoError(t, err)
	return h
}

func (h *harness) persisted(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.path)
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal(data, &ids))
	return ids
}

func (h *harness) explored(t *testing.T, id string) bool {
	t.Helper()
	p, err := h.store.PersonByCanonicalID(context.Background(), id)
	require.NoError(t, err)
	return p.IsExplored
}

const bigBudget = 1 << 30

func TestStartCompletesScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	res, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedName: "X", BudgetBytes: bigBudget})
	require.NoError(t, err)

	assert.Equal(t, crawler.RunStatusCompleted, res.Status)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "mb-x", res.SeedCanonicalID)
	assert.Equal(t, 3, res.ProcessedCount)
	assert.Zero(t, res.FailedCount)
	assert.Equal(t, 2, res.SongsIngested)
	assert.Positive(t, res.FinalStoreSizeBytes)
	require.NotNil(t, res.FinishedAt)
	assert.True(t, res.FinishedAt.After(res.StartedAt))

	for _, id := range []string{"mb-x", "mb-y", "mb-z"} {
		assert.True(t, h.explored(t, id), id)
	}
	counts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Persons: 3, Songs: 2, Contributions: 5}, counts)
	assert.Empty(t, h.persisted(t))

	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageArtistDone,
		progress.StageArtistDone,
		progress.StageArtistDone,
		progress.StageRunDone,
	}, h.events.stages())
	assert.Equal(t, res, h.ctrl.State())
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	ctx := context.Background()
	req := crawler.CrawlRequest{SeedName: "X", BudgetBytes: bigBudget}

	_, err := h.ctrl.Start(ctx, req)
	require.NoError(t, err)
	before, err := h.store.Counts(ctx)
	require.NoError(t, err)

	res, err := h.ctrl.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusCompleted, res.Status)
	assert.Equal(t, "run-2", res.RunID)
	assert.Zero(t, res.ProcessedCount)
	assert.Zero(t, res.SongsIngested)

	after, err := h.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStartStopsAtBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	res, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: 1})
	require.NoError(t, err)

	assert.Equal(t, crawler.RunStatusBudgetExceeded, res.Status)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.GreaterOrEqual(t, res.FinalStoreSizeBytes, int64(1))
	assert.Zero(t, h.source.searches, "canonical seed skips search")
	assert.True(t, h.explored(t, "mb-x"))
	assert.False(t, h.explored(t, "mb-y"))
	assert.Equal(t, []string{"mb-y", "mb-z"}, h.persisted(t))
}

func TestStartBudgetAlreadyExceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	ctx := context.Background()
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreatePerson(ctx, store.NewPerson{Name: "Existing"})
		return err
	}))

	res, err := h.ctrl.Start(ctx, crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: 1})
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusBudgetExceeded, res.Status)
	assert.Zero(t, res.ProcessedCount)
	assert.Equal(t, []string{"mb-x"}, h.persisted(t))
}

func TestStartContinuesPastFailedNode(t *testing.T) {
	t.Parallel()

	src := xyzSource()
	src.failArtist["mb-y"] = fmt.Errorf("artist mb-y: %w", crawler.ErrTransientNetwork)
	h := newHarness(t, src, Config{})

	res, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedName: "X", BudgetBytes: bigBudget})
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusCompleted, res.Status)
	assert.Equal(t, 2, res.ProcessedCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.False(t, h.explored(t, "mb-y"))
	assert.True(t, h.explored(t, "mb-z"))
	assert.Empty(t, h.persisted(t), "failed node is not re-enqueued")
	assert.Contains(t, h.events.stages(), progress.StageArtistError)
}

func TestStartFailsOnUnknownSeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	res, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedName: "Nobody", BudgetBytes: bigBudget})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	assert.Equal(t, crawler.RunStatusFailed, res.Status)
	assert.NotEmpty(t, res.ErrorText)
	assert.Equal(t, crawler.RunStatusFailed, h.ctrl.State().Status)

	counts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Persons)
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	_, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{BudgetBytes: bigBudget})
	require.ErrorIs(t, err, crawler.ErrInvalidRequest)

	_, err = h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedName: "X"})
	require.ErrorIs(t, err, crawler.ErrInvalidRequest)
}

func TestStartUsesDefaultBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{DefaultBudgetBytes: bigBudget})
	res, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedName: "X"})
	require.NoError(t, err)
	assert.Equal(t, int64(bigBudget), res.BudgetBytes)
	assert.Equal(t, crawler.RunStatusCompleted, res.Status)
}

func TestStartCanceledAtLoopTop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.ctrl.Start(ctx, crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: bigBudget})
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusCanceled, res.Status)
	assert.Zero(t, res.ProcessedCount)
	assert.Equal(t, []string{"mb-x"}, h.persisted(t))
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	src := xyzSource()
	src.block = make(chan struct{})
	src.entered = make(chan struct{}, 8)
	h := newHarness(t, src, Config{})

	done := make(chan crawler.RunResult, 1)
	go func() {
		res, _ := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: bigBudget})
		done <- res
	}()
	<-src.entered

	_, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedCanonicalID: "mb-y", BudgetBytes: bigBudget})
	require.ErrorIs(t, err, crawler.ErrRunInProgress)
	assert.Equal(t, crawler.RunStatusRunning, h.ctrl.State().Status)

	close(src.block)
	res := <-done
	assert.Equal(t, crawler.RunStatusCompleted, res.Status)
}

func TestStartPrunesExploredFromLoadedFrontier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	ctx := context.Background()
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error {
		id := "mb-z"
		p, err := tx.CreatePerson(ctx, store.NewPerson{Name: "Z", CanonicalID: &id})
		if err != nil {
			return err
		}
		return tx.MarkExplored(ctx, p.ID)
	}))
	require.NoError(t, h.frontier.Save([]string{"mb-z", "mb-y"}))

	res, err := h.ctrl.Start(ctx, crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: bigBudget})
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusCompleted, res.Status)
	// Y from the old frontier, then the seed X.
	assert.Equal(t, 2, res.ProcessedCount)
}

func TestArtistGranularityDiscardsPartialCatalogue(t *testing.T) {
	t.Parallel()

	src := xyzSource()
	src.failOffset["mb-x"] = 1
	src.failArtist["mb-y"] = crawler.ErrTransientNetwork
	h := newHarness(t, src, Config{
		Granularity: crawler.CommitPerArtist,
		Ingest:      ingest.Config{PageLimit: 1},
	})
	ctx := context.Background()
	// X is already known and unexplored before the run.
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error {
		id := "mb-x"
		_, err := tx.CreatePerson(ctx, store.NewPerson{Name: "X", CanonicalID: &id})
		return err
	}))

	res, err := h.ctrl.Start(ctx, crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: bigBudget})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedCount)
	assert.Zero(t, res.SongsIngested)
	assert.False(t, h.explored(t, "mb-x"))
	assert.NotContains(t, h.persisted(t), "mb-x")

	_, err = h.store.SongByCanonicalID(ctx, "s1")
	require.ErrorIs(t, err, store.ErrNotFound, "first page rolled back with the artist")
	counts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Persons: 1}, counts)
}

func TestSongGranularityKeepsPartialCatalogue(t *testing.T) {
	t.Parallel()

	src := xyzSource()
	src.failOffset["mb-x"] = 1
	src.failArtist["mb-y"] = crawler.ErrTransientNetwork
	h := newHarness(t, src, Config{Ingest: ingest.Config{PageLimit: 1}})
	ctx := context.Background()

	res, err := h.ctrl.Start(ctx, crawler.CrawlRequest{SeedCanonicalID: "mb-x", BudgetBytes: bigBudget})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedCount)
	assert.Equal(t, 1, res.SongsIngested)
	assert.False(t, h.explored(t, "mb-x"))

	_, err = h.store.SongByCanonicalID(ctx, "s1")
	require.NoError(t, err)
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, newFakeSource(), nil)
	require.Error(t, err)

	f, err := frontier.Open(filepath.Join(t.TempDir(), "f.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	_, err = New(Config{Granularity: "page"}, memory.NewEntityStore(), newFakeSource(), f)
	require.Error(t, err)

	ctrl, err := New(Config{}, memory.NewEntityStore(), newFakeSource(), f)
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusIdle, ctrl.State().Status)
}

func TestErrorsStayTyped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, xyzSource(), Config{})
	_, err := h.ctrl.Start(context.Background(), crawler.CrawlRequest{SeedName: "Nobody", BudgetBytes: bigBudget})
	assert.True(t, errors.Is(err, crawler.ErrNotFound))
	assert.False(t, errors.Is(err, crawler.ErrTransientNetwork))
}
