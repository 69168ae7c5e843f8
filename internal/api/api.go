// Package api exposes the progress engine over HTTP: batch sync submission,
// snapshot and gating reads, a websocket snapshot stream, and cohort
// analytics for educators.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/p-n-ai/pai-progress/internal/analytics"
	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/gating"
	"github.com/p-n-ai/pai-progress/internal/progress"
	"github.com/p-n-ai/pai-progress/internal/syncer"
)

// Server holds the handlers' dependencies.
type Server struct {
	courses    course.Provider
	engine     *progress.Engine
	reconciler *syncer.Reconciler
	aggregator *analytics.Aggregator
	hub        *Hub

	syncValidator *syncValidator
}

// NewServer wires the handlers. hub may be nil when the watch endpoint is
// not wanted (tests mostly).
func NewServer(courses course.Provider, engine *progress.Engine, reconciler *syncer.Reconciler, aggregator *analytics.Aggregator, hub *Hub) (*Server, error) {
	if courses == nil || engine == nil || reconciler == nil || aggregator == nil {
		return nil, fmt.Errorf("courses, engine, reconciler and aggregator are all required")
	}
	validator, err := newSyncValidator()
	if err != nil {
		return nil, fmt.Errorf("compiling sync schema: %w", err)
	}
	return &Server{
		courses:       courses,
		engine:        engine,
		reconciler:    reconciler,
		aggregator:    aggregator,
		hub:           hub,
		syncValidator: validator,
	}, nil
}

// Register attaches all routes to the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/learners/{learnerID}/courses/{courseID}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/learners/{learnerID}/courses/{courseID}/gating", s.handleGating)
	if s.hub != nil {
		mux.HandleFunc("GET /v1/learners/{learnerID}/courses/{courseID}/watch", s.handleWatch)
	}
	mux.HandleFunc("GET /v1/courses/{courseID}/analytics", s.handleAnalytics)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	learnerID, courseID := r.PathValue("learnerID"), r.PathValue("courseID")

	snap, err := s.engine.Current(r.Context(), learnerID, courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

func (s *Server) handleGating(w http.ResponseWriter, r *http.Request) {
	learnerID, courseID := r.PathValue("learnerID"), r.PathValue("courseID")

	structure, err := s.courses.Structure(r.Context(), courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.engine.Current(r.Context(), learnerID, courseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"learner_id": learnerID,
		"course_id":  courseID,
		"decisions":  gating.Evaluate(snap, structure),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := analytics.Query{
		CourseID:      r.PathValue("courseID"),
		Metric:        r.URL.Query().Get("metric"),
		CourseVersion: r.URL.Query().Get("version"),
	}
	if q.Metric == "" {
		q.Metric = analytics.MetricMeanPercentComplete
	}

	report, err := s.aggregator.Aggregate(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "xlsx" {
		data, err := analytics.ExportXLSX(report)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.ID+".xlsx"))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	respond(w, http.StatusOK, report)
}

// fail maps domain errors to HTTP status codes with a stable error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code, message string
	switch {
	case errors.Is(err, course.ErrNotFound), errors.Is(err, progress.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, course.ErrUnavailable):
		status, code, message = http.StatusServiceUnavailable, "STRUCTURE_UNAVAILABLE", "course structure temporarily unavailable"
	case errors.Is(err, analytics.ErrCohortTooSmall):
		status, code, message = http.StatusUnprocessableEntity, "COHORT_TOO_SMALL", "insufficient cohort size for privacy"
	default:
		status, code, message = http.StatusInternalServerError, "INTERNAL", "internal error"
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respond(w, status, map[string]string{"code": code, "message": message})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("writing response", "error", err)
	}
}
