package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

// startRunRequest is the payload for starting a historical run.
type startRunRequest struct {
	Name string `json:"name,omitempty"`
	// CategoryField is empty for single-entity detectors.
	CategoryField string    `json:"category_field,omitempty"`
	Start         time.Time `json:"start" validate:"required"`
	End           time.Time `json:"end" validate:"required,gtefield=Start"`
}

// cancelRunRequest is the payload for cancelling a high-cardinality run.
type cancelRunRequest struct {
	CategoryField string `json:"category_field" validate:"required"`
}

// runResponse acknowledges an accepted run action.
type runResponse struct {
	TaskID string `json:"task_id"`
	Status int    `json:"status"`
}

// runDetail describes one run.
type runDetail struct {
	TaskID         string     `json:"task_id"`
	DetectorID     string     `json:"detector_id"`
	State          string     `json:"state"`
	Progress       float64    `json:"progress"`
	Error          string     `json:"error,omitempty"`
	Entity         string     `json:"entity,omitempty"`
	Coordinator    string     `json:"coordinator,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	EntityCount    int        `json:"entity_count,omitempty"`
	FailedEntities []string   `json:"failed_entities,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type activeResponse struct {
	DetectorID string `json:"detector_id"`
	Active     bool   `json:"active"`
}

const (
	actionStartRun  = "start"
	actionCancelRun = "cancel"
)

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	detectorID := chi.URLParam(r, "detectorID")
	ctx, span := s.tracer.Start(r.Context(), "run_api.start_run",
		trace.WithAttributes(attribute.String("detector_id", detectorID)))
	defer span.End()

	if s.metrics != nil {
		s.metrics.IncRunRequestsTotal(ctx, actionStartRun)
	}

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, actionStartRun, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(ctx, w, actionStartRun, http.StatusBadRequest, err)
		return
	}

	dateRange, err := analysis.NewDetectionDateRange(req.Start, req.End)
	if err != nil {
		s.writeError(ctx, w, actionStartRun, http.StatusBadRequest, err)
		return
	}
	detector := analysis.NewDetector(detectorID, req.Name, req.CategoryField)

	resp, err := s.controller.Handle(ctx, analysis.ForwardRequest{
		DetectorID: detectorID,
		Detector:   &detector,
		DateRange:  &dateRange,
		Action:     analysis.ActionStart,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start rejected")
		s.writeError(ctx, w, actionStartRun, statusFor(err), err)
		return
	}

	span.SetAttributes(attribute.String("task_id", resp.ID))
	s.writeJSON(ctx, w, http.StatusAccepted, runResponse{TaskID: resp.ID, Status: resp.Status})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	detectorID := chi.URLParam(r, "detectorID")
	taskID := chi.URLParam(r, "taskID")
	ctx, span := s.tracer.Start(r.Context(), "run_api.cancel_run",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.String("task_id", taskID),
		))
	defer span.End()

	if s.metrics != nil {
		s.metrics.IncRunRequestsTotal(ctx, actionCancelRun)
	}

	var req cancelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(ctx, w, actionCancelRun, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(ctx, w, actionCancelRun, http.StatusBadRequest, err)
		return
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		s.writeError(ctx, w, actionCancelRun, statusFor(err), err)
		return
	}
	detector := analysis.NewDetector(detectorID, "", req.CategoryField)

	resp, err := s.controller.Handle(ctx, analysis.ForwardRequest{
		DetectorID: detectorID,
		Detector:   &detector,
		Task:       task,
		Action:     analysis.ActionCancel,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel rejected")
		s.writeError(ctx, w, actionCancelRun, statusFor(err), err)
		return
	}

	s.writeJSON(ctx, w, http.StatusAccepted, runResponse{TaskID: resp.ID, Status: resp.Status})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx, span := s.tracer.Start(r.Context(), "run_api.get_run",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, "", statusFor(err), err)
		return
	}

	detail := runDetail{
		TaskID:      task.TaskID(),
		DetectorID:  task.DetectorID(),
		State:       task.State().String(),
		Progress:    task.Progress(),
		Error:       task.Error(),
		Entity:      task.Entity(),
		Coordinator: task.Coordinator(),
		CreatedAt:   task.CreatedAt(),
		UpdatedAt:   task.UpdatedAt(),
	}
	if s.summaries != nil {
		if run, ok := s.summaries.Run(taskID); ok {
			detail.EntityCount = run.EntityCount
			detail.FailedEntities = run.FailedEntities
			if !run.FinishedAt.IsZero() {
				finished := run.FinishedAt
				detail.FinishedAt = &finished
			}
		}
	}

	s.writeJSON(ctx, w, http.StatusOK, detail)
}

func (s *Server) handleDetectorActive(w http.ResponseWriter, r *http.Request) {
	detectorID := chi.URLParam(r, "detectorID")
	s.writeJSON(r.Context(), w, http.StatusOK, activeResponse{
		DetectorID: detectorID,
		Active:     s.controller.IsActive(detectorID),
	})
}
