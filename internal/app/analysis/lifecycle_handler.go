package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// LifecycleMetrics records the lifecycle events a node observes.
type LifecycleMetrics interface {
	IncLifecycleEvents(ctx context.Context, eventType events.EventType)
}

// RunSummary is the view of one historical run assembled from lifecycle events.
type RunSummary struct {
	DetectorID     string
	TaskID         string
	State          analysis.TaskState
	EntityCount    int
	FailedEntities []string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

const defaultMaxTrackedRuns = 256

var _ events.EventHandler = (*LifecycleHandler)(nil)

// LifecycleHandler consumes run lifecycle events from the event bus and keeps
// a bounded summary of recent runs. Events may come from any coordinator in
// the cluster, so summaries are built only from event payloads.
type LifecycleHandler struct {
	maxRuns int

	mu    sync.Mutex
	runs  map[string]*RunSummary
	order []string // task ids, oldest first

	metrics LifecycleMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewLifecycleHandler creates a handler that keeps at most maxRuns summaries.
// A non-positive maxRuns selects a default.
func NewLifecycleHandler(maxRuns int, metrics LifecycleMetrics, logger *logger.Logger, tracer trace.Tracer) *LifecycleHandler {
	if maxRuns <= 0 {
		maxRuns = defaultMaxTrackedRuns
	}
	return &LifecycleHandler{
		maxRuns: maxRuns,
		runs:    make(map[string]*RunSummary),
		metrics: metrics,
		logger:  logger.With("component", "lifecycle_handler"),
		tracer:  tracer,
	}
}

// SupportedEvents returns the lifecycle event types this handler consumes.
func (h *LifecycleHandler) SupportedEvents() []events.EventType {
	return []events.EventType{
		analysis.EventTypeHistoricalTaskStarted,
		analysis.EventTypeHistoricalTaskFinished,
		analysis.EventTypeEntityTaskFailed,
	}
}

// HandleEvent folds evt into the run summaries and acknowledges it. Payloads of
// an unexpected type are rejected without an ack.
func (h *LifecycleHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := h.tracer.Start(ctx, "lifecycle_handler.handle_event",
		trace.WithAttributes(attribute.String("event_type", string(evt.Type))))
	defer span.End()

	var err error
	switch p := evt.Payload.(type) {
	case analysis.HistoricalTaskStartedEvent:
		h.onStarted(ctx, p)
	case analysis.HistoricalTaskFinishedEvent:
		h.onFinished(ctx, p)
	case analysis.EntityTaskFailedEvent:
		h.onEntityFailed(ctx, p)
	default:
		err = fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if h.metrics != nil {
		h.metrics.IncLifecycleEvents(ctx, evt.Type)
	}
	ack(nil)
	span.SetStatus(codes.Ok, "lifecycle event handled")
	return nil
}

func (h *LifecycleHandler) onStarted(ctx context.Context, e analysis.HistoricalTaskStartedEvent) {
	h.mu.Lock()
	run := h.runLocked(e.DetectorID, e.TaskID)
	run.State = analysis.TaskStateRunning
	run.EntityCount = e.EntityCount
	run.StartedAt = e.OccurredAt()
	h.mu.Unlock()

	h.logger.Info(ctx, "historical run started",
		"detector_id", e.DetectorID,
		"task_id", e.TaskID,
		"entity_count", e.EntityCount,
	)
}

func (h *LifecycleHandler) onFinished(ctx context.Context, e analysis.HistoricalTaskFinishedEvent) {
	h.mu.Lock()
	run := h.runLocked(e.DetectorID, e.TaskID)
	run.State = e.State
	run.Error = e.Error
	run.FinishedAt = e.OccurredAt()
	failed := len(run.FailedEntities)
	h.mu.Unlock()

	if e.State == analysis.TaskStateFailed {
		h.logger.Warn(ctx, "historical run failed",
			"detector_id", e.DetectorID,
			"task_id", e.TaskID,
			"error", e.Error,
			"failed_entities", failed,
		)
		return
	}
	h.logger.Info(ctx, "historical run finished",
		"detector_id", e.DetectorID,
		"task_id", e.TaskID,
		"state", e.State.String(),
		"failed_entities", failed,
	)
}

func (h *LifecycleHandler) onEntityFailed(ctx context.Context, e analysis.EntityTaskFailedEvent) {
	h.mu.Lock()
	run := h.runLocked(e.DetectorID, e.TaskID)
	run.FailedEntities = append(run.FailedEntities, e.Entity)
	h.mu.Unlock()

	h.logger.Warn(ctx, "entity dropped from historical run",
		"detector_id", e.DetectorID,
		"task_id", e.TaskID,
		"entity", e.Entity,
		"reason", e.Reason,
		"attempts", e.Attempts,
	)
}

// runLocked returns the summary for taskID, creating it and evicting the
// oldest summary when the bound is reached.
func (h *LifecycleHandler) runLocked(detectorID, taskID string) *RunSummary {
	if run, ok := h.runs[taskID]; ok {
		return run
	}
	if len(h.order) >= h.maxRuns {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.runs, oldest)
	}
	run := &RunSummary{DetectorID: detectorID, TaskID: taskID, State: analysis.TaskStateUnspecified}
	h.runs[taskID] = run
	h.order = append(h.order, taskID)
	return run
}

// Run returns a copy of the summary for taskID.
func (h *LifecycleHandler) Run(taskID string) (RunSummary, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	run, ok := h.runs[taskID]
	if !ok {
		return RunSummary{}, false
	}
	cp := *run
	cp.FailedEntities = append([]string(nil), run.FailedEntities...)
	return cp, true
}

// Runs returns copies of every tracked summary, oldest first.
func (h *LifecycleHandler) Runs() []RunSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RunSummary, 0, len(h.order))
	for _, id := range h.order {
		run := *h.runs[id]
		run.FailedEntities = append([]string(nil), run.FailedEntities...)
		out = append(out, run)
	}
	return out
}
