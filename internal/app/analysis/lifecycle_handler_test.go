package analysis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

type fakeLifecycleMetrics struct {
	mu     sync.Mutex
	counts map[events.EventType]int
}

func (m *fakeLifecycleMetrics) IncLifecycleEvents(_ context.Context, et events.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[events.EventType]int)
	}
	m.counts[et]++
}

func envelope(evt events.DomainEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
}

func newTestLifecycleHandler(maxRuns int, metrics LifecycleMetrics) *LifecycleHandler {
	return NewLifecycleHandler(maxRuns, metrics, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestLifecycleHandlerBuildsRunSummary(t *testing.T) {
	t.Parallel()

	metrics := &fakeLifecycleMetrics{}
	h := newTestLifecycleHandler(0, metrics)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	evts := []events.DomainEvent{
		analysis.NewHistoricalTaskStartedEvent("det-1", "task-1", 3, start),
		analysis.NewEntityTaskFailedEvent("det-1", "task-1", "host-b", "boom", 3, start.Add(time.Minute)),
		analysis.NewHistoricalTaskFinishedEvent("det-1", "task-1", analysis.TaskStateFinished, "", start.Add(2*time.Minute)),
	}

	acks := 0
	for _, evt := range evts {
		require.NoError(t, h.HandleEvent(ctx, envelope(evt), func(err error) {
			require.NoError(t, err)
			acks++
		}))
	}
	assert.Equal(t, len(evts), acks)

	run, ok := h.Run("task-1")
	require.True(t, ok)
	assert.Equal(t, RunSummary{
		DetectorID:     "det-1",
		TaskID:         "task-1",
		State:          analysis.TaskStateFinished,
		EntityCount:    3,
		FailedEntities: []string{"host-b"},
		StartedAt:      start,
		FinishedAt:     start.Add(2 * time.Minute),
	}, run)

	assert.Equal(t, 1, metrics.counts[analysis.EventTypeHistoricalTaskStarted])
	assert.Equal(t, 1, metrics.counts[analysis.EventTypeEntityTaskFailed])
	assert.Equal(t, 1, metrics.counts[analysis.EventTypeHistoricalTaskFinished])
}

func TestLifecycleHandlerFinishedBeforeStarted(t *testing.T) {
	t.Parallel()

	h := newTestLifecycleHandler(0, nil)
	ctx := context.Background()
	now := time.Now()

	// Events for different partitions may arrive out of order.
	require.NoError(t, h.HandleEvent(ctx,
		envelope(analysis.NewHistoricalTaskFinishedEvent("det-1", "task-1", analysis.TaskStateFailed, "no entities", now)),
		func(error) {}))

	run, ok := h.Run("task-1")
	require.True(t, ok)
	assert.Equal(t, analysis.TaskStateFailed, run.State)
	assert.Equal(t, "no entities", run.Error)
	assert.True(t, run.StartedAt.IsZero())
}

func TestLifecycleHandlerRejectsUnexpectedPayload(t *testing.T) {
	t.Parallel()

	h := newTestLifecycleHandler(0, nil)
	acked := false
	err := h.HandleEvent(context.Background(),
		events.EventEnvelope{Type: analysis.EventTypeHistoricalTaskStarted, Payload: "not an event"},
		func(error) { acked = true })

	assert.Error(t, err)
	assert.False(t, acked)
	assert.Empty(t, h.Runs())
}

func TestLifecycleHandlerEvictsOldestRuns(t *testing.T) {
	t.Parallel()

	h := newTestLifecycleHandler(2, nil)
	ctx := context.Background()
	for i := range 3 {
		evt := analysis.NewHistoricalTaskStartedEvent("det-1", fmt.Sprintf("task-%d", i), 1, time.Now())
		require.NoError(t, h.HandleEvent(ctx, envelope(evt), func(error) {}))
	}

	runs := h.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "task-1", runs[0].TaskID)
	assert.Equal(t, "task-2", runs[1].TaskID)

	_, ok := h.Run("task-0")
	assert.False(t, ok)
}

func TestLifecycleHandlerRunIsACopy(t *testing.T) {
	t.Parallel()

	h := newTestLifecycleHandler(0, nil)
	ctx := context.Background()
	require.NoError(t, h.HandleEvent(ctx,
		envelope(analysis.NewEntityTaskFailedEvent("det-1", "task-1", "host-a", "boom", 3, time.Now())),
		func(error) {}))

	run, ok := h.Run("task-1")
	require.True(t, ok)
	run.FailedEntities[0] = "mutated"

	again, _ := h.Run("task-1")
	assert.Equal(t, []string{"host-a"}, again.FailedEntities)
}
