// Package api exposes the job lifecycle over HTTP: listing, retry, cancel,
// enqueue, and the live progress feeds.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"piiguard/internal/config"
	"piiguard/internal/lifecycle"
	"piiguard/internal/models"
	"piiguard/internal/notify"
	"piiguard/internal/ratelimit"
	"piiguard/internal/store"
	"piiguard/internal/telemetry"
)

// Lifecycle is the engine surface the handlers call. *lifecycle.Engine
// satisfies it; tests use a stub.
type Lifecycle interface {
	Get(ctx context.Context, jobID, ownerID string) (models.Job, error)
	List(ctx context.Context, ownerID string, filter store.ListFilter, page, pageSize int) ([]models.Job, int, error)
	Stats(ctx context.Context, ownerID string) (map[models.JobStatus]int, error)
	Retry(ctx context.Context, jobID, ownerID string) (models.Job, error)
	Cancel(ctx context.Context, jobID, ownerID string) (models.Job, error)
	Enqueue(ctx context.Context, p lifecycle.EnqueueParams) (models.Job, error)
}

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg     config.Config
	engine  Lifecycle
	hub     *notify.Hub
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, engine Lifecycle, hub *notify.Hub, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     hub,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/jobs", s.handleList)
		r.Get("/jobs/stats", s.handleStats)
		r.Get("/jobs/{id}", s.handleGet)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/datasets/{id}/jobs", s.handleEnqueue)

		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleWS)
	})

	return r
}

// requireUser resolves the caller identity and applies the per-user rate
// limit before any job handler runs.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
			return
		}
		if s.limiter != nil {
			allowed, _, err := s.limiter.AllowUser(r.Context(), userID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

type listResponse struct {
	Jobs     []models.Job `json:"jobs"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}
	pageSize := s.cfg.DefaultPageSize
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "page_size must be a positive integer")
			return
		}
		pageSize = n
	}
	if pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}

	filter := store.ListFilter{DatasetID: q.Get("dataset_id")}
	if v := q.Get("status"); v != "" {
		st := models.JobStatus(v)
		if !models.ValidJobStatus(st) {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		filter.Status = st
	}
	if v := q.Get("type"); v != "" {
		jt := models.JobType(v)
		if !models.ValidJobType(jt) {
			writeError(w, http.StatusBadRequest, "unknown job type "+v)
			return
		}
		filter.Type = jt
	}

	jobs, total, err := s.engine.List(r.Context(), userID(r), filter, page, pageSize)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Total: total, Page: page, PageSize: pageSize})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), userID(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": stats})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Retry(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type enqueueRequest struct {
	Type     string             `json:"type"`
	Priority int                `json:"priority"`
	PolicyID *string            `json:"policy_id"`
	Metadata models.JobMetadata `json:"metadata"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	jt := models.JobType(req.Type)
	if !models.ValidJobType(jt) {
		writeError(w, http.StatusBadRequest, "unknown job type "+req.Type)
		return
	}

	job, err := s.engine.Enqueue(r.Context(), lifecycle.EnqueueParams{
		Type:      jt,
		Priority:  req.Priority,
		DatasetID: chi.URLParam(r, "id"),
		OwnerID:   userID(r),
		PolicyID:  req.PolicyID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// writeEngineError maps lifecycle errors onto HTTP statuses. Unowned jobs
// are indistinguishable from missing ones.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		if ise, ok := models.IsInvalidState(err); ok {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":          ise.Error(),
				"current_status": string(ise.Current),
			})
			return
		}
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
