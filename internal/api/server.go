package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/jobs"
)

// JobService is the job control surface the handlers drive.
type JobService interface {
	Create(ctx context.Context, name string, args crawler.JobArgs) (crawler.Job, error)
	Get(ctx context.Context, id string) (crawler.Job, error)
	List(ctx context.Context, limit, offset int) ([]crawler.Job, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
}

// Waker is told when a new job may be claimable.
type Waker interface {
	Wake()
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey enables X-API-Key authentication on /v1 when non-empty.
	APIKey         string
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	jobs   JobService
	waker  Waker
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. waker may be nil.
// Request metrics are registered on reg and /metrics serves gatherer.
func NewServer(
	svc JobService,
	waker Waker,
	cfg Config,
	reg prometheus.Registerer,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) (*Server, error) {
	switch {
	case svc == nil:
		return nil, crawler.Configuration("api server requires a job service")
	case cfg.DefaultTTL <= 0 || cfg.MaxTTL <= 0:
		return nil, crawler.Configuration("jobs.default_ttl and jobs.max_ttl must be > 0")
	case cfg.DefaultTTL > cfg.MaxTTL:
		return nil, crawler.Configuration("jobs.default_ttl must not exceed jobs.max_ttl")
	case cfg.PollInterval <= 0:
		return nil, crawler.Configuration("jobs.poll_interval_hint must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics, err := newRequestMetrics(reg)
	if err != nil {
		return nil, err
	}

	s := &Server{jobs: svc, waker: waker, cfg: cfg, logger: logger}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	Name            string   `json:"name"`
	SeedURLs        []string `json:"seed_urls"`
	AllowedHost     string   `json:"allowed_host"`
	RestrictToSeeds bool     `json:"restrict_to_seeds"`
	MaxPages        int      `json:"max_pages"`
}

type jobResponse struct {
	Job            crawler.Job `json:"job"`
	TTLMillis      int64       `json:"ttl_ms"`
	PollIntervalMs int64       `json:"poll_interval_ms"`
}

type resultResponse struct {
	JobID          string            `json:"job_id"`
	Status         crawler.JobStatus `json:"status"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	TTLMillis      int64             `json:"ttl_ms"`
	PollIntervalMs int64             `json:"poll_interval_ms"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Create(r.Context(), req.Name, crawler.JobArgs{
		SeedURLs:        req.SeedURLs,
		AllowedHost:     req.AllowedHost,
		RestrictToSeeds: req.RestrictToSeeds,
		MaxPages:        req.MaxPages,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidArgs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, "create job failed", err)
		return
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.jobs.List(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, r, "list jobs failed", err)
		return
	}
	if list == nil {
		list = []crawler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ttl, err := s.ttl(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		Job:            job,
		TTLMillis:      ttl.Milliseconds(),
		PollIntervalMs: s.cfg.PollInterval.Milliseconds(),
	})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	ttl, err := s.ttl(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := resultResponse{
		JobID:          job.ID,
		Status:         job.Status,
		TTLMillis:      ttl.Milliseconds(),
		PollIntervalMs: s.cfg.PollInterval.Milliseconds(),
	}
	if !job.Status.Terminal() {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(s.cfg.PollInterval)))
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.Result = job.Result
	resp.Error = job.Error
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	changed, err := s.jobs.MarkCancelled(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, r, "cancel job failed", err)
		return
	}
	if !changed {
		job, ok := s.loadJob(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{
			"job_id": jobID,
			"status": string(job.Status),
			"error":  "job already finished",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(crawler.JobStatusCancelled)})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return crawler.Job{}, false
		}
		s.internalError(w, r, "get job failed", err)
		return crawler.Job{}, false
	}
	return job, true
}

// ttl reads the requested ttl in milliseconds and caps it at MaxTTL.
func (s *Server) ttl(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return s.cfg.DefaultTTL, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0, errors.New("ttl must be a positive number of milliseconds")
	}
	// Compare in milliseconds; converting a huge value first would overflow.
	if ms > s.cfg.MaxTTL.Milliseconds() {
		return s.cfg.MaxTTL, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, zap.String("request_id", requestID(r.Context())), zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
