package explore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/clock/system"
	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/frontier"
	uuidgen "github.com/JakeFAU/music-graph-crawler/internal/id/uuid"
	"github.com/JakeFAU/music-graph-crawler/internal/ingest"
	"github.com/JakeFAU/music-graph-crawler/internal/metrics"
	"github.com/JakeFAU/music-graph-crawler/internal/musicbrainz"
	"github.com/JakeFAU/music-graph-crawler/internal/progress"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
	"github.com/JakeFAU/music-graph-crawler/internal/telemetry"
)

// Source is the upstream surface the controller needs.
type Source interface {
	SearchArtist(ctx context.Context, name string) (musicbrainz.Artist, error)
	Artist(ctx context.Context, mbid string) (musicbrainz.Artist, error)
	ingest.Catalogue
}

// Queue is the frontier surface the controller needs.
type Queue interface {
	Enqueue(id string, explored frontier.IDSet) (bool, error)
	Pop() (string, error)
	Prune(explored frontier.IDSet) (int, error)
	Len() int
}

// Config tunes a Controller.
type Config struct {
	Granularity crawler.CommitGranularity
	// DefaultBudgetBytes applies when a request carries no budget.
	DefaultBudgetBytes int64
	Ingest             ingest.Config
}

// Controller runs at most one crawl at a time.
type Controller struct {
	cfg      Config
	entities store.EntityStore
	source   Source
	queue    Queue
	ingestor *ingest.Ingestor
	ids      crawler.IDGenerator
	clock    crawler.Clock
	events   progress.Emitter
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	state   crawler.RunResult
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(c *Controller) {
		c.ids = ids
	}
}

// WithEmitter routes lifecycle events, usually to a progress.Hub.
func WithEmitter(events progress.Emitter) Option {
	return func(c *Controller) {
		c.events = events
	}
}

// New wires a Controller.
func New(cfg Config, entities store.EntityStore, source Source, queue Queue, opts ...Option) (*Controller, error) {
	if entities == nil || source == nil || queue == nil {
		return nil, errors.New("explore: store, source, and frontier are required")
	}
	switch cfg.Granularity {
	case "":
		cfg.Granularity = crawler.CommitPerSong
	case crawler.CommitPerSong, crawler.CommitPerArtist:
	default:
		return nil, fmt.Errorf("explore: unknown commit granularity %q", cfg.Granularity)
	}
	c := &Controller{
		cfg:      cfg,
		entities: entities,
		source:   source,
		queue:    queue,
		ids:      uuidgen.New(),
		clock:    system.New(),
		events:   progress.Nop{},
		logger:   zap.NewNop(),
		state:    crawler.RunResult{Status: crawler.RunStatusIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ingestor = ingest.New(cfg.Ingest, source, queue, c.logger.Named("ingest"))
	return c, nil
}

// State returns a snapshot of the current or most recent run.
func (c *Controller) State() crawler.RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs one crawl to completion and returns its result. A run that
// ends failed also returns the cause. A second Start while a run is active
// returns crawler.ErrRunInProgress without touching any state.
func (c *Controller) Start(ctx context.Context, req crawler.CrawlRequest) (crawler.RunResult, error) {
	res, err := c.begin(req)
	if err != nil {
		return crawler.RunResult{}, err
	}
	c.events.Emit(progress.Event{RunID: res.RunID, TS: res.StartedAt, Stage: progress.StageRunStart})

	logger := c.logger.With(zap.String("run_id", res.RunID))
	logger.Info("crawl started",
		zap.String("seed_name", req.SeedName),
		zap.String("seed_canonical_id", req.SeedCanonicalID),
		zap.Int64("budget_bytes", res.BudgetBytes),
		zap.String("granularity", string(c.cfg.Granularity)),
	)

	runErr := c.run(ctx, req, &res, logger)
	if runErr != nil {
		res.Status = crawler.RunStatusFailed
		res.ErrorText = runErr.Error()
	}
	if size, err := c.entities.SizeBytes(context.WithoutCancel(ctx)); err == nil {
		res.FinalStoreSizeBytes = size
		metrics.SetStoreSize(size)
	} else {
		logger.Warn("final size measurement failed", zap.Error(err))
	}
	finished := c.clock.Now()
	res.FinishedAt = &finished
	c.finish(res)

	final := res
	c.events.Emit(progress.Event{
		RunID:  res.RunID,
		TS:     finished,
		Stage:  progress.StageRunDone,
		Result: &final,
		Dur:    finished.Sub(res.StartedAt),
	})
	logger.Info("crawl finished",
		zap.String("status", string(res.Status)),
		zap.Int("processed", res.ProcessedCount),
		zap.Int("failed", res.FailedCount),
		zap.Int("songs_ingested", res.SongsIngested),
		zap.Int64("size_bytes", res.FinalStoreSizeBytes),
	)
	return res, runErr
}

func (c *Controller) begin(req crawler.CrawlRequest) (crawler.RunResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return crawler.RunResult{}, crawler.ErrRunInProgress
	}
	runID := req.RunID
	if runID == "" {
		var err error
		if runID, err = c.ids.NewID(); err != nil {
			return crawler.RunResult{}, fmt.Errorf("generate run id: %w", err)
		}
	}
	budget := req.BudgetBytes
	if budget == 0 {
		budget = c.cfg.DefaultBudgetBytes
	}
	c.running = true
	c.state = crawler.RunResult{
		RunID:           runID,
		Status:          crawler.RunStatusRunning,
		SeedCanonicalID: req.SeedCanonicalID,
		BudgetBytes:     budget,
		StartedAt:       c.clock.Now(),
	}
	return c.state, nil
}

func (c *Controller) publishState(res crawler.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = res
}

func (c *Controller) finish(res crawler.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = res
	c.running = false
}

// run executes initialization and the BFS loop. It returns an error only for
// run-fatal failures; terminal statuses other than failed are set on res.
func (c *Controller) run(ctx context.Context, req crawler.CrawlRequest, res *crawler.RunResult, logger *zap.Logger) error {
	if req.SeedName == "" && req.SeedCanonicalID == "" {
		return fmt.Errorf("%w: a seed name or canonical id is required", crawler.ErrInvalidRequest)
	}
	if res.BudgetBytes <= 0 {
		return fmt.Errorf("%w: budget must be positive", crawler.ErrInvalidRequest)
	}

	seed, err := c.resolveSeed(ctx, req)
	if err != nil {
		return err
	}
	res.SeedCanonicalID = seed
	c.publishState(*res)

	visited, err := c.prepareFrontier(ctx, seed, logger)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			res.Status = crawler.RunStatusCanceled
			res.ErrorText = err.Error()
			return nil
		}

		size, err := c.entities.SizeBytes(ctx)
		if err != nil {
			return fmt.Errorf("measure store size: %w", err)
		}
		metrics.SetStoreSize(size)
		if size >= res.BudgetBytes {
			logger.Info("byte budget reached",
				zap.Int64("size_bytes", size),
				zap.Int64("budget_bytes", res.BudgetBytes),
			)
			res.Status = crawler.RunStatusBudgetExceeded
			return nil
		}

		id, err := c.queue.Pop()
		if errors.Is(err, frontier.ErrEmpty) {
			res.Status = crawler.RunStatusCompleted
			return nil
		}
		if err != nil {
			return fmt.Errorf("pop frontier: %w", err)
		}
		metrics.SetFrontierLength(c.queue.Len())

		if visited.Has(id) {
			continue
		}
		explored, err := c.isExplored(ctx, id)
		if err != nil {
			return err
		}
		visited.Add(id)
		if explored {
			continue
		}

		out, err := c.exploreArtist(ctx, res.RunID, id, visited, logger)
		res.SongsIngested += out.Songs
		if err != nil {
			res.FailedCount++
			logger.Warn("artist failed, left unexplored",
				zap.String("canonical_id", id),
				zap.Int("songs_kept", out.Songs),
				zap.Error(err),
			)
			c.events.Emit(progress.Event{
				RunID:       res.RunID,
				TS:          c.clock.Now(),
				Stage:       progress.StageArtistError,
				CanonicalID: id,
				Name:        out.Name,
				Songs:       out.Songs,
				Note:        err.Error(),
			})
		} else {
			res.ProcessedCount++
			c.events.Emit(progress.Event{
				RunID:       res.RunID,
				TS:          c.clock.Now(),
				Stage:       progress.StageArtistDone,
				CanonicalID: id,
				Name:        out.Name,
				PersonID:    out.PersonID,
				Songs:       out.Songs,
				Discovered:  out.Enqueued,
				Dur:         out.Dur,
			})
		}
		c.publishState(*res)
	}
}

func (c *Controller) resolveSeed(ctx context.Context, req crawler.CrawlRequest) (string, error) {
	if req.SeedCanonicalID != "" {
		return req.SeedCanonicalID, nil
	}
	artist, err := c.source.SearchArtist(ctx, req.SeedName)
	if err != nil {
		return "", fmt.Errorf("resolve seed %q: %w", req.SeedName, err)
	}
	if artist.ID == "" {
		return "", fmt.Errorf("resolve seed %q: %w", req.SeedName, crawler.ErrNotFound)
	}
	return artist.ID, nil
}

// prepareFrontier loads the explored set, prunes stale entries, and queues
// the seed. The returned set grows as the run pops ids, so nothing popped in
// this run is queued again.
func (c *Controller) prepareFrontier(ctx context.Context, seed string, logger *zap.Logger) (frontier.IDSet, error) {
	ids, err := c.entities.ExploredCanonicalIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load explored set: %w", err)
	}
	visited := frontier.NewIDSet(ids...)
	pruned, err := c.queue.Prune(visited)
	if err != nil {
		return nil, fmt.Errorf("prune frontier: %w", err)
	}
	if _, err := c.queue.Enqueue(seed, visited); err != nil {
		return nil, fmt.Errorf("enqueue seed: %w", err)
	}
	metrics.SetFrontierLength(c.queue.Len())
	logger.Info("frontier ready",
		zap.Int("explored", len(visited)),
		zap.Int("pruned", pruned),
		zap.Int("length", c.queue.Len()),
	)
	return visited, nil
}

func (c *Controller) isExplored(ctx context.Context, id string) (bool, error) {
	p, err := c.entities.PersonByCanonicalID(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lookup person %s: %w", id, err)
	}
	return p.IsExplored, nil
}

type artistOutcome struct {
	Name     string
	PersonID int64
	Songs    int
	Enqueued int
	Dur      time.Duration
}

// exploreArtist fetches one artist, ingests its catalogue, and marks it
// explored, grouping writes per the configured granularity. Songs reports
// what was durably committed, even on error.
func (c *Controller) exploreArtist(ctx context.Context, runID, id string, visited frontier.IDSet, logger *zap.Logger) (artistOutcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "explore.artist")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("artist.canonical_id", id),
	)

	start := c.clock.Now()
	var out artistOutcome
	err := c.exploreArtistUnits(ctx, id, visited, &out)
	out.Dur = c.clock.Now().Sub(start)
	span.SetAttributes(attribute.Int("artist.songs_ingested", out.Songs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	logger.Debug("artist explored",
		zap.String("canonical_id", id),
		zap.Int64("person_id", out.PersonID),
		zap.Int("songs_ingested", out.Songs),
	)
	return out, nil
}

func (c *Controller) exploreArtistUnits(ctx context.Context, id string, visited frontier.IDSet, out *artistOutcome) error {
	artist, err := c.source.Artist(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch artist %s: %w", id, err)
	}
	if artist.ID == "" {
		artist.ID = id
	}
	out.Name = artist.Name

	if c.cfg.Granularity == crawler.CommitPerArtist {
		var cat ingest.CatalogueResult
		err := c.entities.WithTx(ctx, func(tx store.Tx) error {
			var err error
			cat, err = c.ingestor.IngestCatalogue(ctx, artist, ingest.UnitFunc(func(_ context.Context, fn func(store.Tx) error) error {
				return fn(tx)
			}), visited)
			if err != nil {
				return err
			}
			out.PersonID, err = markExplored(ctx, tx, artist)
			return err
		})
		out.Enqueued = cat.Enqueued
		if err != nil {
			return err
		}
		out.Songs = cat.Ingested
		return nil
	}

	cat, err := c.ingestor.IngestCatalogue(ctx, artist, ingest.UnitFunc(func(ctx context.Context, fn func(store.Tx) error) error {
		return c.entities.WithTx(ctx, fn)
	}), visited)
	out.Songs = cat.Ingested
	out.Enqueued = cat.Enqueued
	if err != nil {
		return err
	}
	return c.entities.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out.PersonID, err = markExplored(ctx, tx, artist)
		return err
	})
}

func markExplored(ctx context.Context, tx store.Tx, artist musicbrainz.Artist) (int64, error) {
	id := artist.ID
	name := artist.Name
	if name == "" {
		name = id
	}
	p, _, err := ingest.ResolvePerson(ctx, tx, name, &id)
	if err != nil {
		return 0, fmt.Errorf("resolve explored artist %s: %w", id, err)
	}
	if err := tx.MarkExplored(ctx, p.ID); err != nil {
		return 0, fmt.Errorf("mark %s explored: %w", id, err)
	}
	return p.ID, nil
}
