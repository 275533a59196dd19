package musicbrainz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/storage/memory"
)

type reply struct {
	status int
	body   string
	err    error
}

type fakeTransport struct {
	mu      sync.Mutex
	replies []reply
	urls    []string
	headers []map[string]string
}

func (f *fakeTransport) Get(_ context.Context, url string, headers map[string]string) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.headers = append(f.headers, headers)
	if len(f.replies) == 0 {
		return 0, nil, errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.status, []byte(r.body), r.err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

const (
	pace  = time.Second
	retry = 2 * time.Second
)

func newTestClient(t *testing.T, transport *fakeTransport, maxRetries int, opts ...Option) (*Client, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk), WithLogger(zap.NewNop())}, opts...)
	client, err := New(Config{
		BaseURL:           "https://mb.test/ws/2",
		UserAgent:         "musicgraph-test/1.0",
		MaxRetries:        maxRetries,
		RetryDelay:        retry,
		InterRequestDelay: pace,
	}, transport, opts...)
	require.NoError(t, err)
	return client, clk
}

func TestFetchSuccessPacesOnce(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{{status: 200, body: `{"id":"a1","name":"IU"}`}}}
	client, clk := newTestClient(t, transport, 4)

	var artist Artist
	require.NoError(t, client.Fetch(context.Background(), "https://mb.test/ws/2/artist/a1", &artist))
	require.Equal(t, "IU", artist.Name)
	require.Equal(t, 1, transport.calls())
	require.Equal(t, []time.Duration{pace}, clk.recorded())
	require.Equal(t, "application/json", transport.headers[0]["Accept"])
	require.Equal(t, "musicgraph-test/1.0", transport.headers[0]["User-Agent"])
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{
		{err: errors.New("connection reset")},
		{status: 503, body: "busy"},
		{status: 200, body: `{"id":"a1","name":"IU"}`},
	}}
	client, clk := newTestClient(t, transport, 4)

	var artist Artist
	require.NoError(t, client.Fetch(context.Background(), "https://mb.test/ws/2/artist/a1", &artist))
	require.Equal(t, 3, transport.calls())
	require.Equal(t, []time.Duration{pace, retry, pace, retry, pace}, clk.recorded())
}

func TestFetchExhaustsRetries(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
	}}
	client, clk := newTestClient(t, transport, 2)

	var artist Artist
	err := client.Fetch(context.Background(), "https://mb.test/ws/2/artist/a1", &artist)
	require.ErrorIs(t, err, crawler.ErrTransientNetwork)
	require.Equal(t, 3, transport.calls())
	require.Equal(t, []time.Duration{pace, retry, pace, retry, pace}, clk.recorded())
}

func TestFetchDecodeErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{
		{status: 200, body: `<html>not json</html>`},
		{status: 200, body: `{"id":"a1"}`},
	}}
	client, clk := newTestClient(t, transport, 4)

	var artist Artist
	err := client.Fetch(context.Background(), "https://mb.test/ws/2/artist/a1", &artist)
	require.ErrorIs(t, err, crawler.ErrDecode)
	require.NotErrorIs(t, err, crawler.ErrTransientNetwork)
	require.Equal(t, 1, transport.calls())
	require.Equal(t, []time.Duration{pace}, clk.recorded())
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{{status: 404, body: `{"error":"Not Found"}`}}}
	client, _ := newTestClient(t, transport, 4)

	_, err := client.Artist(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Equal(t, 1, transport.calls())
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{{status: 200, body: `{}`}}}
	client, _ := newTestClient(t, transport, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var artist Artist
	err := client.Fetch(ctx, "https://mb.test/ws/2/artist/a1", &artist)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSearchArtist(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{
		{status: 200, body: `{"count":2,"artists":[{"id":"mb-iu","name":"IU","score":100},{"id":"mb-other","name":"IU2"}]}`},
		{status: 200, body: `{"count":0,"artists":[]}`},
	}}
	client, _ := newTestClient(t, transport, 0)

	artist, err := client.SearchArtist(context.Background(), "IU band")
	require.NoError(t, err)
	require.Equal(t, "mb-iu", artist.ID)
	require.Equal(t, "https://mb.test/ws/2/artist/?fmt=json&query=IU+band", transport.urls[0])

	_, err = client.SearchArtist(context.Background(), "nobody")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

const recordingPage = `{
  "recording-count": 1,
  "recording-offset": 0,
  "recordings": [{
    "id": "rec-1",
    "title": "Palette",
    "first-release-date": "2017-04-21",
    "artist-credit": [{"name": "IU", "joinphrase": " feat. ", "artist": {"id": "mb-iu", "name": "IU"}},
                      {"name": "G-Dragon", "artist": {"id": "mb-gd", "name": "G-Dragon"}}],
    "relations": [
      {"target-type": "artist", "type": "producer", "attributes": ["co"], "artist": {"id": "mb-p", "name": "Producer"}},
      {"target-type": "work", "type": "performance", "work": {
        "id": "work-1",
        "title": "Palette",
        "relations": [{"target-type": "artist", "type": "lyricist", "artist": {"id": "mb-l", "name": "Lyricist"}}]
      }},
      {"target-type": "url", "type": "free streaming"}
    ]
  }]
}`

func TestRecordingsDecodesRelations(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{{status: 200, body: recordingPage}}}
	archive := memory.NewBlobStore()
	client, _ := newTestClient(t, transport, 0, WithArchive(archive, "raw"))

	page, err := client.Recordings(context.Background(), "mb-iu", 100, 0)
	require.NoError(t, err)
	require.True(t, strings.Contains(transport.urls[0], "recording?artist=mb-iu&inc=artist-credits+work-rels+artist-rels&limit=100&offset=0"))
	require.Equal(t, 1, page.Count)
	require.Len(t, page.Recordings, 1)

	rec := page.Recordings[0]
	require.Equal(t, "Palette", *rec.Title)
	require.Len(t, rec.ArtistCredit, 2)
	require.Len(t, rec.Relations, 3)

	artistRel, ok := rec.Relations[0].Target.(*ArtistRelation)
	require.True(t, ok)
	require.Equal(t, "producer", artistRel.Type)
	require.Equal(t, []string{"co"}, artistRel.Attributes)
	require.Equal(t, "mb-p", artistRel.Artist.ID)

	workRel, ok := rec.Relations[1].Target.(*WorkRelation)
	require.True(t, ok)
	require.Len(t, workRel.Work.Relations, 1)
	nested, ok := workRel.Work.Relations[0].Target.(*ArtistRelation)
	require.True(t, ok)
	require.Equal(t, "lyricist", nested.Type)

	unknown, ok := rec.Relations[2].Target.(*UnknownRelation)
	require.True(t, ok)
	require.Equal(t, "url", unknown.TargetType)

	stored, ok := archive.Object("raw/recordings/mb-iu-0.json")
	require.True(t, ok)
	require.JSONEq(t, recordingPage, string(stored))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{MaxRetries: -1}, &fakeTransport{})
	require.Error(t, err)
}

type countingLimiter struct {
	urls []string
	err  error
}

func (l *countingLimiter) Wait(_ context.Context, rawURL string) error {
	l.urls = append(l.urls, rawURL)
	return l.err
}

func TestLimiterGatesEveryAttempt(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{
		{status: 503},
		{status: 200, body: `{"id":"a1","name":"IU"}`},
	}}
	limiter := &countingLimiter{}
	client, _ := newTestClient(t, transport, 4, WithLimiter(limiter))

	_, err := client.Artist(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, limiter.urls, 2)
	require.Equal(t, transport.urls, limiter.urls)
}

func TestLimiterErrorAbortsFetch(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: []reply{{status: 200, body: `{"id":"a1","name":"IU"}`}}}
	limiter := &countingLimiter{err: context.Canceled}
	client, _ := newTestClient(t, transport, 4, WithLimiter(limiter))

	_, err := client.Artist(context.Background(), "a1")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, transport.calls())
}
