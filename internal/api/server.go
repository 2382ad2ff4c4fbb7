package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/id/uuid"
	"github.com/JakeFAU/zipmailer/internal/metrics"
	"github.com/JakeFAU/zipmailer/internal/middleware"
	"github.com/JakeFAU/zipmailer/internal/retention"
)

const acceptedMessage = "Your files will be downloaded shortly and sent to you per E-Mail."

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job bundle.Job) error
}

// Armer starts the retention window for a shareable URL.
type Armer interface {
	Arm(ctx context.Context, shareableURL string) (string, error)
}

// Deps holds the collaborators the server needs.
type Deps struct {
	Jobs      bundle.JobStore
	Queue     Enqueuer
	Retention Armer
	IDs       bundle.IDGenerator
	Hasher    bundle.Hasher
	Clock     bundle.Clock
	// Ready reports whether downstream dependencies are reachable. Nil means
	// always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Config controls server behavior.
type Config struct {
	// WorkdirRoot is the parent of every per-job working directory.
	WorkdirRoot    string
	RequestTimeout time.Duration
	EnqueueTimeout time.Duration
}

// Server wires HTTP handlers to the queue and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	s := &Server{deps: deps, cfg: cfg, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recover(s.logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/", s.submitJob)
	r.Get("/email_callback", s.emailCallback)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/{job_id}", s.getJob)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	valid, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.buildJob(valid)
	if err != nil {
		s.logger.Error("build job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := s.enqueueJob(r.Context(), job); err != nil {
		s.logger.Error("submit job failed", zap.String("job_id", job.ID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "could not queue job")
		return
	}
	s.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("idempotency_key", job.IdempotencyKey),
		zap.Int("links", len(job.Links)),
		zap.String("format", string(job.Format)),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "message": acceptedMessage})
}

func (s *Server) buildJob(v validJob) (bundle.Job, error) {
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return bundle.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := bundle.Job{
		ID:         jobID,
		Name:       v.name,
		Links:      v.links,
		WorkingDir: filepath.Join(s.cfg.WorkdirRoot, jobID, v.name),
		Recipient:  v.recipient,
		Format:     v.format,
		CreatedAt:  s.deps.Clock.Now().UTC(),
	}
	job.IdempotencyKey, err = s.deps.Hasher.Hash(job.IdempotencyMaterial())
	if err != nil {
		return bundle.Job{}, fmt.Errorf("idempotency key: %w", err)
	}
	return job, nil
}

func (s *Server) enqueueJob(ctx context.Context, job bundle.Job) error {
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.CreateJob(ctx, bundle.NewJobRecord(job)); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
	}
	queueCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	if err := s.deps.Queue.Enqueue(queueCtx, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	rec, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, bundle.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec})
}

func (s *Server) emailCallback(w http.ResponseWriter, r *http.Request) {
	link := r.URL.Query().Get("link")
	if link == "" {
		writeError(w, http.StatusBadRequest, "link required")
		return
	}
	remoteID, err := s.deps.Retention.Arm(r.Context(), link)
	if errors.Is(err, retention.ErrForeignLink) {
		writeError(w, http.StatusBadRequest, "unknown link")
		return
	}
	if err != nil {
		s.logger.Error("arm retention failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Debug("email callback", zap.String("remote_id", remoteID))
	http.Redirect(w, r, link, http.StatusFound)
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
