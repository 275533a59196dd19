package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/graph"
)

const (
	defaultCollaboratorLimit = 100
	maxCollaboratorLimit     = 1000
	graphTimeout             = 5 * time.Second
)

// GraphHandler exposes read-only collaborator endpoints.
type GraphHandler struct {
	graph   Graph
	timeout time.Duration
	logger  *zap.Logger
}

// NewGraphHandler wires the aggregator and logger.
func NewGraphHandler(g Graph, logger *zap.Logger) *GraphHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphHandler{
		graph:   g,
		timeout: graphTimeout,
		logger:  logger,
	}
}

// PersonCollaborators handles GET /v1/persons/{person_id}/collaborators?limit=&offset=.
// It returns 400 for a malformed id or paging parameters, 404 when the person
// is unknown, 503 without an aggregator, and 500 otherwise.
func (h *GraphHandler) PersonCollaborators(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "person_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid person_id")
		return
	}
	h.serve(w, r, func(ctx context.Context) ([]graph.Collaboration, error) {
		return h.graph.Collaborators(ctx, id)
	})
}

// ArtistCollaborators handles GET /v1/artists/{mbid}/collaborators, keyed by
// the MusicBrainz artist id.
func (h *GraphHandler) ArtistCollaborators(w http.ResponseWriter, r *http.Request) {
	mbid := strings.TrimSpace(chi.URLParam(r, "mbid"))
	if mbid == "" {
		writeError(w, http.StatusBadRequest, "mbid is required")
		return
	}
	h.serve(w, r, func(ctx context.Context) ([]graph.Collaboration, error) {
		return h.graph.CollaboratorsByCanonicalID(ctx, mbid)
	})
}

func (h *GraphHandler) serve(
	w http.ResponseWriter,
	r *http.Request,
	load func(context.Context) ([]graph.Collaboration, error),
) {
	if h.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultCollaboratorLimit, maxCollaboratorLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	all, err := load(ctx)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "person not found")
			return
		}
		h.logger.Error("collaborators query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load collaborators")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         len(all),
		"collaborators": page(all, limit, offset),
	})
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
