// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/music-graph-crawler/internal/api"
	"github.com/JakeFAU/music-graph-crawler/internal/clock/system"
	"github.com/JakeFAU/music-graph-crawler/internal/config"
	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/explore"
	collyfetcher "github.com/JakeFAU/music-graph-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/music-graph-crawler/internal/frontier"
	"github.com/JakeFAU/music-graph-crawler/internal/graph"
	"github.com/JakeFAU/music-graph-crawler/internal/id/uuid"
	"github.com/JakeFAU/music-graph-crawler/internal/ingest"
	"github.com/JakeFAU/music-graph-crawler/internal/logging"
	"github.com/JakeFAU/music-graph-crawler/internal/metrics"
	"github.com/JakeFAU/music-graph-crawler/internal/musicbrainz"
	"github.com/JakeFAU/music-graph-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/music-graph-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/music-graph-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/music-graph-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/music-graph-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/music-graph-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/music-graph-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/music-graph-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/music-graph-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/music-graph-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
	"github.com/JakeFAU/music-graph-crawler/internal/telemetry"
)

const (
	serviceName       = "music-graph-crawler"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	entities        store.EntityStore
	frontier        *frontier.Frontier
	controller      *explore.Controller
	graph           *graph.Aggregator
	apiServer       *api.Server
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerProvider  *sdktrace.TracerProvider
}

// NewApp creates an empty App around cfg and logger. Build fills in the rest.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	type sanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		Storage     string `json:"storage"`
		Archive     string `json:"archive"`
		Granularity string `json:"commit_granularity"`
		Budget      string `json:"budget"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort:  cfg.Server.Port,
		Storage:     cfg.Storage.Backend,
		Archive:     cfg.Archive.Backend,
		Granularity: cfg.Crawl.CommitGranularity,
		Budget:      cfg.Crawl.Budget,
	}))
	return &App{cfg: cfg, logger: logger}, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Controller returns the crawl controller.
func (a *App) Controller() *explore.Controller {
	return a.controller
}

// Graph returns the collaboration aggregator.
func (a *App) Graph() *graph.Aggregator {
	return a.graph
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Crawl runs one crawl to completion in the calling goroutine.
func (a *App) Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.RunResult, error) {
	res, err := a.controller.Start(ctx, req)
	if err != nil {
		return res, fmt.Errorf("crawl: %w", err)
	}
	return res, nil
}

// Run serves the HTTP API until ctx is canceled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.apiServer != nil {
		if err := a.apiServer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.frontier != nil {
		if err := a.frontier.Close(); err != nil {
			a.logger.Warn("frontier close failed", zap.Error(err))
		}
	}
	if a.entities != nil {
		if err := a.entities.Close(); err != nil {
			a.logger.Warn("entity store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Syncing stdout/stderr fails on terminals with EINVAL or ENOTTY.
func isSyncNoise(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

// Build creates the application's dependencies. On failure everything opened
// so far is released.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			app.logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	if err := setupTracing(ctx, a); err != nil {
		return err
	}

	a.logger.Info("building application dependencies")
	var err error
	if a.entities, err = setupEntityStore(ctx, a); err != nil {
		return err
	}
	archive, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	a.progressHub = setupProgress(a, publisher)

	a.frontier, err = frontier.Open(a.cfg.Crawl.FrontierPath, frontier.WithLogger(a.logger.Named("frontier")))
	if err != nil {
		return fmt.Errorf("frontier init failed: %w", err)
	}

	client, err := setupClient(a, archive)
	if err != nil {
		return err
	}

	budget, err := a.cfg.BudgetBytes()
	if err != nil {
		return err
	}
	a.controller, err = explore.New(
		explore.Config{
			Granularity:        crawler.CommitGranularity(a.cfg.Crawl.CommitGranularity),
			DefaultBudgetBytes: budget,
			Ingest: ingest.Config{
				SongCap:       a.cfg.Crawl.SongCap,
				PageLimit:     a.cfg.Upstream.PageLimit,
				SourceURLBase: a.cfg.Crawl.SourceURLBase,
			},
		},
		a.entities,
		client,
		a.frontier,
		explore.WithLogger(a.logger.Named("explore")),
		explore.WithClock(system.New()),
		explore.WithIDGenerator(uuid.New()),
		explore.WithEmitter(a.progressHub),
	)
	if err != nil {
		return fmt.Errorf("controller init failed: %w", err)
	}
	a.graph = graph.New(a.entities, a.logger.Named("graph"))

	a.apiServer = api.NewServer(
		a.controller,
		a.graph,
		a.entities,
		uuid.New(),
		*a.cfg,
		a.logger.Named("api"),
	)
	return nil
}

func setupTracing(ctx context.Context, app *App) error {
	if !app.cfg.Tracing.Enabled {
		return nil
	}
	opts := telemetry.Options{ServiceName: serviceName}
	if app.cfg.Tracing.Stdout {
		opts.Stdout = os.Stdout
	}
	tp, err := telemetry.InitTracerProvider(ctx, opts)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerProvider = tp
	app.logger.Info("tracing enabled", zap.Bool("stdout", app.cfg.Tracing.Stdout))
	return nil
}

func setupEntityStore(ctx context.Context, app *App) (store.EntityStore, error) {
	switch app.cfg.Storage.Backend {
	case config.BackendPostgres:
		pg := app.cfg.Storage.Postgres
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.logger.Info("using postgres entity store")
		return s, nil
	case config.BackendMemory:
		app.logger.Warn("using in-memory entity store; data is lost on exit")
		return memorystorage.NewEntityStore(), nil
	default:
		s, err := sqlitestore.Open(ctx, app.cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite entity store", zap.String("path", app.cfg.Storage.SQLite.Path))
		return s, nil
	}
}

func setupArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Archive.Backend {
	case config.ArchiveGCS:
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Archive.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving payloads to GCS", zap.String("bucket", app.cfg.Archive.GCS.Bucket))
		return blobStore, nil
	case config.ArchiveLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving payloads locally", zap.String("path", app.cfg.Archive.Local.BaseDir))
		return blobStore, nil
	case config.ArchiveMemory:
		app.logger.Info("archiving payloads in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if !app.cfg.PubSub.Enabled() {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubPublisher, app.pubsubClient, err = gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupProgress(app *App, publisher crawler.Publisher) *progress.Hub {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		progresssinks.NewMetricsSink(),
		progresssinks.NewPublisherSink(publisher, app.logger.Named("progress_publisher")),
	}
	hubCfg := progress.Config{Logger: app.logger.Named("progress_hub")}
	hub := progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return hub
}

func setupClient(app *App, archive crawler.BlobStore) (*musicbrainz.Client, error) {
	up := app.cfg.Upstream
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: up.UserAgent,
		Timeout:   up.Timeout,
	})
	opts := []musicbrainz.Option{
		musicbrainz.WithLogger(app.logger.Named("musicbrainz")),
		musicbrainz.WithClock(system.New()),
	}
	if up.MaxRPS > 0 {
		opts = append(opts, musicbrainz.WithLimiter(ratelimit.New(ratelimit.Config{RPS: up.MaxRPS, Burst: up.Burst})))
	}
	if archive != nil {
		opts = append(opts, musicbrainz.WithArchive(archive, app.cfg.Archive.Prefix))
	}
	client, err := musicbrainz.New(musicbrainz.Config{
		BaseURL:           up.BaseURL,
		UserAgent:         up.UserAgent,
		MaxRetries:        up.MaxRetries,
		RetryDelay:        up.RetryDelay,
		InterRequestDelay: up.InterRequestDelay,
	}, fetcher, opts...)
	if err != nil {
		return nil, fmt.Errorf("musicbrainz client init failed: %w", err)
	}
	app.logger.Info("musicbrainz client ready",
		zap.String("base_url", up.BaseURL),
		zap.Int("max_retries", up.MaxRetries),
		zap.Duration("inter_request_delay", up.InterRequestDelay),
		zap.Float64("max_rps", up.MaxRPS),
	)
	return client, nil
}

// Collaborators delegates to the aggregator.
func (a *App) Collaborators(ctx context.Context, personID int64) ([]graph.Collaboration, error) {
	return a.graph.Collaborators(ctx, personID)
}

// CollaboratorsByCanonicalID delegates to the aggregator.
func (a *App) CollaboratorsByCanonicalID(ctx context.Context, canonicalID string) ([]graph.Collaboration, error) {
	return a.graph.CollaboratorsByCanonicalID(ctx, canonicalID)
}
