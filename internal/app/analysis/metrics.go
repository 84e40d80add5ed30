package analysis

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
)

// CoordinatorMetrics defines the metrics the task coordinator and the worker
// runtime record.
type CoordinatorMetrics interface {
	// Coordinator metrics
	IncActionsHandled(ctx context.Context, action analysis.Action, status int)
	IncEntitiesDispatched(ctx context.Context)
	IncEntitiesRetried(ctx context.Context)
	IncEntitiesRemoved(ctx context.Context)
	IncStaleEntitiesCleaned(ctx context.Context, count int)
	IncRunsFinalized(ctx context.Context, state analysis.TaskState)
	AddRunningEntities(ctx context.Context, delta int)
	ObserveDispatchLatency(ctx context.Context, d time.Duration)

	// Worker metrics
	IncEntityExecutions(ctx context.Context, success bool)
	AddActiveExecutions(ctx context.Context, delta int)
}

type coordinatorMetrics struct {
	actionsHandled     metric.Int64Counter
	entitiesDispatched metric.Int64Counter
	entitiesRetried    metric.Int64Counter
	entitiesRemoved    metric.Int64Counter
	staleCleaned       metric.Int64Counter
	runsFinalized      metric.Int64Counter
	runningEntities    metric.Int64UpDownCounter
	dispatchLatency    metric.Float64Histogram

	entityExecutions metric.Int64Counter
	activeExecutions metric.Int64UpDownCounter

	lifecycleEvents metric.Int64Counter
}

var (
	_ CoordinatorMetrics = (*coordinatorMetrics)(nil)
	_ LifecycleMetrics   = (*coordinatorMetrics)(nil)
)

const namespace = "historical_analysis"

// NewCoordinatorMetrics creates a new CoordinatorMetrics instance.
func NewCoordinatorMetrics(mp metric.MeterProvider) (*coordinatorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(coordinatorMetrics)
	var err error

	if m.actionsHandled, err = meter.Int64Counter(
		"forward_actions_total",
		metric.WithDescription("Total number of forwarded task actions handled"),
	); err != nil {
		return nil, err
	}

	if m.entitiesDispatched, err = meter.Int64Counter(
		"entities_dispatched_total",
		metric.WithDescription("Total number of entity tasks dispatched to workers"),
	); err != nil {
		return nil, err
	}

	if m.entitiesRetried, err = meter.Int64Counter(
		"entities_retried_total",
		metric.WithDescription("Total number of entities pushed back for retry"),
	); err != nil {
		return nil, err
	}

	if m.entitiesRemoved, err = meter.Int64Counter(
		"entities_removed_total",
		metric.WithDescription("Total number of entities permanently removed after failure"),
	); err != nil {
		return nil, err
	}

	if m.staleCleaned, err = meter.Int64Counter(
		"stale_entities_cleaned_total",
		metric.WithDescription("Total number of stale running entities repaired"),
	); err != nil {
		return nil, err
	}

	if m.runsFinalized, err = meter.Int64Counter(
		"runs_finalized_total",
		metric.WithDescription("Total number of historical runs that reached a terminal state"),
	); err != nil {
		return nil, err
	}

	if m.runningEntities, err = meter.Int64UpDownCounter(
		"running_entities",
		metric.WithDescription("Number of entities currently running"),
	); err != nil {
		return nil, err
	}

	if m.dispatchLatency, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		metric.WithDescription("Time taken to hand an entity task to a worker"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.entityExecutions, err = meter.Int64Counter(
		"entity_executions_total",
		metric.WithDescription("Total number of entity task executions on this worker"),
	); err != nil {
		return nil, err
	}

	if m.activeExecutions, err = meter.Int64UpDownCounter(
		"active_executions",
		metric.WithDescription("Number of entity tasks executing on this worker"),
	); err != nil {
		return nil, err
	}

	if m.lifecycleEvents, err = meter.Int64Counter(
		"lifecycle_events_total",
		metric.WithDescription("Total number of run lifecycle events consumed from the event bus"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *coordinatorMetrics) IncActionsHandled(ctx context.Context, action analysis.Action, status int) {
	m.actionsHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.Int("status", status),
	))
}

func (m *coordinatorMetrics) IncEntitiesDispatched(ctx context.Context) {
	m.entitiesDispatched.Add(ctx, 1)
}

func (m *coordinatorMetrics) IncEntitiesRetried(ctx context.Context) {
	m.entitiesRetried.Add(ctx, 1)
}

func (m *coordinatorMetrics) IncEntitiesRemoved(ctx context.Context) {
	m.entitiesRemoved.Add(ctx, 1)
}

func (m *coordinatorMetrics) IncStaleEntitiesCleaned(ctx context.Context, count int) {
	m.staleCleaned.Add(ctx, int64(count))
}

func (m *coordinatorMetrics) IncRunsFinalized(ctx context.Context, state analysis.TaskState) {
	m.runsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *coordinatorMetrics) AddRunningEntities(ctx context.Context, delta int) {
	m.runningEntities.Add(ctx, int64(delta))
}

func (m *coordinatorMetrics) ObserveDispatchLatency(ctx context.Context, d time.Duration) {
	m.dispatchLatency.Record(ctx, d.Seconds())
}

func (m *coordinatorMetrics) IncEntityExecutions(ctx context.Context, success bool) {
	m.entityExecutions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *coordinatorMetrics) AddActiveExecutions(ctx context.Context, delta int) {
	m.activeExecutions.Add(ctx, int64(delta))
}

func (m *coordinatorMetrics) IncLifecycleEvents(ctx context.Context, eventType events.EventType) {
	m.lifecycleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(eventType))))
}
