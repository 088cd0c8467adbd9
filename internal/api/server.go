// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/config"
	"github.com/lanternworks/harvester/internal/harvest"
	"github.com/lanternworks/harvester/internal/metrics"
)

// Server wires HTTP handlers to the job, record, and account stores.
type Server struct {
	router   chi.Router
	jobs     harvest.JobStore
	records  harvest.RecordStore
	accounts harvest.AccountStore
	ids      harvest.IDGenerator
	clock    harvest.Clock
	cfg      config.Config
	logger   *zap.Logger
	// wake nudges the scheduler after intake so new jobs start ahead of
	// the next tick. Optional.
	wake func()
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs harvest.JobStore,
	records harvest.RecordStore,
	accounts harvest.AccountStore,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	cfg config.Config,
	logger *zap.Logger,
	wake func(),
) *Server {
	s := &Server{
		jobs:     jobs,
		records:  records,
		accounts: accounts,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		wake:     wake,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/accounts", s.listAccounts)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store is the one dependency intake cannot live without.
	if _, _, err := s.jobs.NextPending(r.Context(), harvest.JobStageFetch); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req harvest.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	job, err := s.toJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create job: %v", err), s.logger)
		return
	}
	if s.wake != nil {
		s.wake()
	}
	s.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("urls", len(job.URLs)))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID}, s.logger)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job}, s.logger)
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", s.logger)
		return
	}
	records, err := s.records.ListRecords(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch job records", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "records": records}, s.logger)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", s.logger)
		return
	}
	if job.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status), s.logger)
		return
	}
	now := s.clock.Now()
	job.Status = harvest.JobStatusCancelled
	job.ErrorText = "cancelled via API"
	job.CompletedAt = &now
	if err := s.jobs.UpdateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("cancel job: %v", err), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(harvest.JobStatusCancelled)}, s.logger)
}

// accountView is the account representation exposed over HTTP. Credentials
// never leave the service.
type accountView struct {
	ID                  string                   `json:"id"`
	Label               string                   `json:"label,omitempty"`
	ValidationStatus    harvest.ValidationStatus `json:"validation_status"`
	DailyRequestCount   int                      `json:"daily_request_count"`
	DailyRequestLimit   int                      `json:"daily_request_limit"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	CooldownUntil       *time.Time               `json:"cooldown_until,omitempty"`
	LastUsedAt          *time.Time               `json:"last_used_at,omitempty"`
	LastErrorText       string                   `json:"last_error_text,omitempty"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts", s.logger)
		return
	}
	views := make([]accountView, 0, len(accounts))
	cooling := 0
	now := s.clock.Now()
	for _, a := range accounts {
		if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
			cooling++
		}
		views = append(views, accountView{
			ID:                  a.ID,
			Label:               a.Label,
			ValidationStatus:    a.ValidationStatus,
			DailyRequestCount:   a.DailyRequestCount,
			DailyRequestLimit:   a.DailyRequestLimit,
			ConsecutiveFailures: a.ConsecutiveFailures,
			CooldownUntil:       a.CooldownUntil,
			LastUsedAt:          a.LastUsedAt,
			LastErrorText:       a.LastErrorText,
		})
	}
	metrics.SetAccountsInCooldown(cooling)
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views}, s.logger)
}

func (s *Server) toJob(req harvest.JobRequest) (harvest.Job, error) {
	switch req.Type {
	case harvest.JobTypeProfile, harvest.JobTypeOrganization, harvest.JobTypeSearch:
	default:
		return harvest.Job{}, errors.New("type must be profile, organization, or search")
	}
	if len(req.URLs) == 0 && req.SearchQuery == "" {
		return harvest.Job{}, errors.New("urls or search_query required")
	}
	if req.SearchQuery != "" && req.Type != harvest.JobTypeSearch {
		return harvest.Job{}, errors.New("search_query is only valid for search jobs")
	}

	mode := req.AccountMode
	if mode == "" {
		mode = harvest.AccountModeRotation
	}
	switch mode {
	case harvest.AccountModeRotation:
		if len(req.SelectedAccountIDs) > 0 {
			return harvest.Job{}, errors.New("selected_account_ids requires account_mode specific")
		}
	case harvest.AccountModeSpecific:
		if len(req.SelectedAccountIDs) == 0 {
			return harvest.Job{}, errors.New("account_mode specific requires selected_account_ids")
		}
	default:
		return harvest.Job{}, errors.New("account_mode must be rotation or specific")
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	return harvest.Job{
		ID:                 jobID,
		Type:               req.Type,
		Stage:              harvest.JobStageFetch,
		Status:             harvest.JobStatusPending,
		Priority:           req.Priority,
		AccountMode:        mode,
		SelectedAccountIDs: req.SelectedAccountIDs,
		URLs:               req.URLs,
		SearchQuery:        req.SearchQuery,
		Progress:           harvest.JobProgress{Total: len(req.URLs)},
		CreatedAt:          s.clock.Now(),
	}, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, zap.NewNop())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
