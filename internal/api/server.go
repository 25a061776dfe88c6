// Package api exposes the engine's read-only HTTP surface: per-job progress
// snapshots, the system aggregate, and a cancel pass-through.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subpulse/subpulse/internal/progress"
)

const requestTimeout = 10 * time.Second

// ProgressSource is the tracker surface the handlers read from.
type ProgressSource interface {
	Snapshot(jobID string) (progress.Snapshot, bool)
	Snapshots() []progress.Snapshot
	Stats() progress.SystemStats
	SetExpanded(ctx context.Context, jobID string, expanded bool) error
}

// Canceler forwards fire-and-forget cancel commands to the pipeline.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) error
}

// Server wires HTTP handlers to the tracker and the cancel collaborator.
type Server struct {
	router   chi.Router
	source   ProgressSource
	canceler Canceler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. metricsHandler
// serves the Prometheus registry; nil disables the endpoint.
func NewServer(source ProgressSource, canceler Canceler, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		source:   source,
		canceler: canceler,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/progress", func(r chi.Router) {
			r.Get("/", s.listProgress)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getProgress)
				r.Post("/expand", s.setExpanded)
			})
		})
		r.Post("/jobs/{job_id}/cancel", s.cancelJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// listProgress handles GET /api/progress. It returns every tracked job's
// snapshot plus the system aggregate.
func (s *Server) listProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"jobs":  toSnapshotDTOs(s.source.Snapshots()),
		"stats": s.source.Stats(),
	})
}

// getProgress handles GET /api/progress/{job_id}; 404 when untracked.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	snap, ok := s.source.Snapshot(jobID)
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "job not tracked")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job": toSnapshotDTO(snap)})
}

// setExpanded handles POST /api/progress/{job_id}/expand.
func (s *Server) setExpanded(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req struct {
		Expanded bool `json:"expanded"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, ok := s.source.Snapshot(jobID); !ok {
		writeError(s.logger, w, http.StatusNotFound, "job not tracked")
		return
	}
	if err := s.source.SetExpanded(r.Context(), jobID, req.Expanded); err != nil {
		s.logger.Error("set expanded failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to update display flag")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job_id": jobID, "expanded": req.Expanded})
}

// cancelJob handles POST /api/jobs/{job_id}/cancel. The command is
// fire-and-forget; the job disappears from tracking once a later snapshot no
// longer reports it running.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if s.canceler == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "cancel collaborator unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := s.canceler.Cancel(r.Context(), jobID); err != nil {
		s.logger.Error("cancel job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(s.logger, w, http.StatusBadGateway, "cancel command failed")
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
}

type snapshotDTO struct {
	ID              string             `json:"id"`
	Title           string             `json:"title,omitempty"`
	Phase           string             `json:"phase,omitempty"`
	Progress        float64            `json:"progress"`
	PhaseProgress   map[string]float64 `json:"phase_progress"`
	Events          []progress.Event   `json:"events"`
	StartTime       time.Time          `json:"start_time"`
	ElapsedSeconds  float64            `json:"elapsed_seconds"`
	ETASeconds      *float64           `json:"eta_seconds,omitempty"`
	EventsPerSecond float64            `json:"events_per_second"`
	Failed          bool               `json:"failed"`
	LastError       string             `json:"last_error,omitempty"`
	Expanded        bool               `json:"expanded"`
}

func toSnapshotDTOs(in []progress.Snapshot) []snapshotDTO {
	out := make([]snapshotDTO, 0, len(in))
	for _, snap := range in {
		out = append(out, toSnapshotDTO(snap))
	}
	return out
}

func toSnapshotDTO(snap progress.Snapshot) snapshotDTO {
	phases := make(map[string]float64, len(snap.PhaseProgress))
	for phase, pct := range snap.PhaseProgress {
		phases[string(phase)] = pct
	}
	dto := snapshotDTO{
		ID:              snap.Job.ID,
		Title:           snap.Job.Title,
		Phase:           string(snap.CurrentPhase),
		Progress:        snap.Job.Progress,
		PhaseProgress:   phases,
		Events:          snap.Events,
		StartTime:       snap.StartTime,
		ElapsedSeconds:  snap.Elapsed.Seconds(),
		EventsPerSecond: snap.EventsPerSecond,
		Failed:          snap.Failed,
		LastError:       snap.LastError,
		Expanded:        snap.Expanded,
	}
	if snap.ETA != nil {
		secs := snap.ETA.Seconds()
		dto.ETASeconds = &secs
	}
	return dto
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
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
