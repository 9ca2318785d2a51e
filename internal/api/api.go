// Package api exposes the read path and the dead-letter operator endpoints
// over HTTP. It owns request parsing and status mapping only; all semantics
// live behind the query engine and the pipeline.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/ingest"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/query"
)

const defaultPageSize = 100

// Handler serves the HTTP API.
type Handler struct {
	engine      *query.Engine
	pool        *ingest.WorkerPool
	deadLetters domain.DeadLetterStore
	log         zerolog.Logger
}

func NewHandler(engine *query.Engine, pool *ingest.WorkerPool, deadLetters domain.DeadLetterStore, log zerolog.Logger) *Handler {
	return &Handler{
		engine:      engine,
		pool:        pool,
		deadLetters: deadLetters,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/prices/{asset}", h.getPrices)
	r.Get("/deadletters", h.listDeadLetters)
	r.Post("/deadletters/{id}/replay", h.replayDeadLetter)
	return r
}

func (h *Handler) getPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.QueryFilter{
		Asset:  strings.ToUpper(chi.URLParam(r, "asset")),
		Quote:  strings.ToUpper(q.Get("quote")),
		Source: strings.ToLower(q.Get("source")),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		h.writeError(w, err)
		return
	}

	page := domain.Page{Cursor: q.Get("cursor"), Size: defaultPageSize}
	if v := q.Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, domain.Validationf("page_size must be an integer"))
			return
		}
		page.Size = size
	}

	res, err := h.engine.Execute(r.Context(), filter, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// An empty first page means the asset has nothing matching the filter.
	if len(res.Points) == 0 && page.Cursor == "" {
		h.writeError(w, domain.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DeadLetterFilter{
		Asset:  strings.ToUpper(q.Get("asset")),
		Quote:  strings.ToUpper(q.Get("quote")),
		Source: strings.ToLower(q.Get("source")),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		h.writeError(w, err)
		return
	}

	recs, err := h.deadLetters.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.DeadLetterRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, domain.Validationf("malformed dead letter id"))
		return
	}
	task, err := h.pool.Replay(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.log.Error().Err(err).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// parseTime accepts RFC 3339 or unix seconds; empty means unset.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, domain.Validationf("malformed time %q, want RFC 3339 or unix seconds", s)
}
