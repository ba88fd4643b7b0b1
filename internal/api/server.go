// Package api exposes the HTTP interface of the coordinator: task
// intake and lifecycle, dead-letter management, and the pull-based
// monitoring surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/collector"
	"github.com/fetchfleet/fetchfleet/internal/fleet"
	"github.com/fetchfleet/fetchfleet/internal/metrics"
	"github.com/fetchfleet/fetchfleet/internal/scheduler"
)

// Config controls the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

// Server wires HTTP handlers to the scheduler, queue, and collector.
type Server struct {
	router    chi.Router
	sched     *scheduler.Scheduler
	queue     fleet.TaskQueue
	collector *collector.Collector
	logger    *zap.Logger
	cfg       Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched *scheduler.Scheduler,
	queue fleet.TaskQueue,
	results *collector.Collector,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	s := &Server{
		sched:     sched,
		queue:     queue,
		collector: results,
		logger:    logger,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Delete("/", s.cancelTask)
				r.Post("/resubmit", s.resubmitTask)
			})
		})
		r.Get("/deadletters", s.listDeadLetters)
		r.Get("/results", s.listResults)
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.listWorkers)
			r.Get("/{worker_id}", s.getWorker)
		})
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue is the only external dependency; a stats round-trip
	// proves it answers.
	if _, err := s.queue.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitTaskRequest struct {
	Target      string            `json:"target"`
	Method      string            `json:"method"`
	Params      map[string]string `json:"params"`
	Priority    string            `json:"priority"`
	MaxAttempts int               `json:"max_attempts"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	priority, ok := fleet.ParsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "priority must be high, normal, or low")
		return
	}

	task, err := s.sched.Submit(r.Context(), fleet.Task{
		Target:      req.Target,
		Method:      req.Method,
		Params:      req.Params,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// A duplicate identity returns the existing task; the status code
	// is 202 either way, the body tells them apart via created_at.
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.queue.Get(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	payload := map[string]any{"task": task}
	if result, ok := s.collector.Status(taskID); ok {
		payload["result"] = result
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.queue.Cancel(r.Context(), taskID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelled"})
}

func (s *Server) resubmitTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.queue.Resubmit(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.DeadLetters(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	results := s.collector.Results(r.URL.Query().Get("domain"), queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.sched.Workers()
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.sched.Worker(chi.URLParam(r, "worker_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": worker})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":   stats,
		"results": s.collector.Aggregates(),
	})
}

// writeDomainError maps queue and scheduler errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case fleet.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrTaskNotFound), errors.Is(err, fleet.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrNotCancellable), errors.Is(err, fleet.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fleet.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, fleet.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
