// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/config"
	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/graph"
	"github.com/JakeFAU/music-graph-crawler/internal/metrics"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	readyTimeout   = 2 * time.Second
)

// Crawler starts crawl runs and reports the current one.
type Crawler interface {
	Start(ctx context.Context, req crawler.CrawlRequest) (crawler.RunResult, error)
	State() crawler.RunResult
}

// Graph answers collaborator queries.
type Graph interface {
	Collaborators(ctx context.Context, rootPersonID int64) ([]graph.Collaboration, error)
	CollaboratorsByCanonicalID(ctx context.Context, canonicalID string) ([]graph.Collaboration, error)
}

// Stats reports store cardinalities for readiness checks.
type Stats interface {
	Counts(ctx context.Context) (store.Counts, error)
}

// Server wires HTTP handlers to the crawl controller and graph aggregator.
type Server struct {
	router  chi.Router
	crawls  Crawler
	graph   *GraphHandler
	stats   Stats
	idGen   crawler.IDGenerator
	cfg     config.Config
	logger  *zap.Logger
	metrics http.Handler

	// Runs launched by the API outlive the request; they derive from runCtx
	// and are tracked by runs so Close can stop them.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
	mu        sync.Mutex
	busy      bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	crawls Crawler,
	graphs Graph,
	stats Stats,
	idGen crawler.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		crawls:    crawls,
		graph:     NewGraphHandler(graphs, logger),
		stats:     stats,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.Handler(),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/current", s.currentCrawl)
		})
		r.Get("/persons/{person_id}/collaborators", s.graph.PersonCollaborators)
		r.Get("/artists/{mbid}/collaborators", s.graph.ArtistCollaborators)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels any run launched through the API and waits for it to stop.
func (s *Server) Close(ctx context.Context) error {
	s.cancelRun()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	counts, err := s.stats.Counts(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "counts": counts})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var body crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := body.toCrawlRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.acquire() {
		writeError(w, http.StatusConflict, crawler.ErrRunInProgress.Error())
		return
	}
	runID, err := s.idGen.NewID()
	if err != nil {
		s.release()
		s.logger.Error("generate run id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate run id")
		return
	}
	req.RunID = runID

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release()
		res, err := s.crawls.Start(s.runCtx, req)
		if err != nil {
			s.logger.Error("crawl run failed",
				zap.String("run_id", runID),
				zap.String("status", string(res.Status)),
				zap.Error(err),
			)
			return
		}
		s.logger.Info("crawl run finished",
			zap.String("run_id", runID),
			zap.String("status", string(res.Status)),
			zap.Int("processed", res.ProcessedCount),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(crawler.RunStatusRunning),
	})
}

func (s *Server) currentCrawl(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"run": s.crawls.State()})
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.crawls.State().Status == crawler.RunStatusRunning {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
