package musicbrainz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/clock/system"
	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/metrics"
	"github.com/JakeFAU/music-graph-crawler/internal/telemetry"
)

// DefaultBaseURL is the public MusicBrainz web service root.
const DefaultBaseURL = "https://musicbrainz.org/ws/2/"

// Endpoint labels used for metrics and archive paths.
const (
	EndpointSearch     = "artist-search"
	EndpointArtist     = "artist"
	EndpointRecordings = "recordings"
	EndpointRaw        = "raw"
)

const recordingIncludes = "artist-credits+work-rels+artist-rels"

// Config controls retry and pacing.
type Config struct {
	BaseURL   string
	UserAgent string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay separates a failed attempt's pacing pause from the next attempt.
	RetryDelay time.Duration
	// InterRequestDelay is slept after every attempt.
	InterRequestDelay time.Duration
}

// Client issues upstream calls one at a time.
type Client struct {
	cfg           Config
	transport     crawler.Transport
	clock         crawler.Clock
	archive       crawler.BlobStore
	archivePrefix string
	limiter       Limiter
	logger        *zap.Logger

	mu sync.Mutex
}

// Limiter gates each attempt on a per-host rate limit.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Client.
type Option func(*Client)

// WithClock swaps the clock used for pacing and retry sleeps.
func WithClock(clock crawler.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithArchive stores every decoded response body under prefix.
func WithArchive(store crawler.BlobStore, prefix string) Option {
	return func(c *Client) {
		c.archive = store
		c.archivePrefix = prefix
	}
}

// WithLimiter waits on limiter before every attempt, on top of the
// configured inter-request delay.
func WithLimiter(limiter Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// New constructs a Client around transport.
func New(cfg Config, transport crawler.Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.New("musicbrainz: transport is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("musicbrainz: max retries must be >= 0")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		clock:     system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch GETs rawURL and decodes the JSON body into out.
func (c *Client) Fetch(ctx context.Context, rawURL string, out any) error {
	return c.fetch(ctx, EndpointRaw, rawURL, "", out)
}

// SearchArtist returns the best match for name. ErrNotFound when there are no hits.
func (c *Client) SearchArtist(ctx context.Context, name string) (Artist, error) {
	q := url.Values{}
	q.Set("query", name)
	q.Set("fmt", "json")
	var result ArtistSearchResult
	if err := c.fetch(ctx, EndpointSearch, c.cfg.BaseURL+"artist/?"+q.Encode(), name, &result); err != nil {
		return Artist{}, err
	}
	if len(result.Artists) == 0 || result.Artists[0].ID == "" {
		return Artist{}, fmt.Errorf("search artist %q: %w", name, crawler.ErrNotFound)
	}
	return result.Artists[0], nil
}

// Artist fetches artist detail.
func (c *Client) Artist(ctx context.Context, mbid string) (Artist, error) {
	var artist Artist
	rawURL := c.cfg.BaseURL + "artist/" + url.PathEscape(mbid) + "?fmt=json"
	if err := c.fetch(ctx, EndpointArtist, rawURL, mbid, &artist); err != nil {
		return Artist{}, err
	}
	return artist, nil
}

// Recordings fetches one page of an artist's recordings with credits and relations.
func (c *Client) Recordings(ctx context.Context, artistMBID string, limit, offset int) (RecordingList, error) {
	rawURL := fmt.Sprintf("%srecording?artist=%s&inc=%s&limit=%d&offset=%d&fmt=json",
		c.cfg.BaseURL, url.QueryEscape(artistMBID), recordingIncludes, limit, offset)
	var page RecordingList
	key := artistMBID + "-" + strconv.Itoa(offset)
	if err := c.fetch(ctx, EndpointRecordings, rawURL, key, &page); err != nil {
		return RecordingList{}, err
	}
	return page, nil
}

func (c *Client) fetch(ctx context.Context, endpoint, rawURL, archiveKey string, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "musicbrainz.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("endpoint", endpoint), attribute.String("url", rawURL))

	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": c.cfg.UserAgent,
	}
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.ObserveUpstreamRetry(endpoint)
			if err := c.clock.Sleep(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, rawURL); err != nil {
				return err
			}
		}

		start := c.clock.Now()
		status, body, err := c.transport.Get(ctx, rawURL, headers)
		elapsed := c.clock.Now().Sub(start)
		if err == nil && (status < 200 || status > 299) {
			err = fmt.Errorf("unexpected status %d", status)
		}
		metrics.ObserveUpstreamAttempt(endpoint, outcome(status, err), elapsed)

		if pauseErr := c.pace(ctx); pauseErr != nil {
			return pauseErr
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if status == http.StatusNotFound {
				span.SetStatus(codes.Error, "not found")
				return fmt.Errorf("fetch %s: %w", rawURL, crawler.ErrNotFound)
			}
			lastErr = err
			c.logger.Warn("upstream attempt failed",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
			continue
		}

		if err := json.Unmarshal(body, out); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode")
			return fmt.Errorf("fetch %s: %w: %w", rawURL, crawler.ErrDecode, err)
		}
		c.archiveBody(ctx, endpoint, archiveKey, body)
		return nil
	}

	span.SetStatus(codes.Error, "retries exhausted")
	return fmt.Errorf("fetch %s after %d attempts: %w: %w", rawURL, attempts, crawler.ErrTransientNetwork, lastErr)
}

func (c *Client) pace(ctx context.Context) error {
	if c.cfg.InterRequestDelay <= 0 {
		return nil
	}
	metrics.ObservePacing(c.cfg.InterRequestDelay)
	return c.clock.Sleep(ctx, c.cfg.InterRequestDelay)
}

func (c *Client) archiveBody(ctx context.Context, endpoint, key string, body []byte) {
	if c.archive == nil || key == "" {
		return
	}
	objectPath := path.Join(c.archivePrefix, endpoint, sanitizeKey(key)+".json")
	if _, err := c.archive.PutObject(ctx, objectPath, "application/json", body); err != nil {
		c.logger.Warn("archive upstream payload failed", zap.String("path", objectPath), zap.Error(err))
	}
}

func outcome(status int, err error) string {
	switch {
	case err == nil:
		return "ok"
	case status == 0:
		return "transport_error"
	default:
		return strconv.Itoa(status)
	}
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
