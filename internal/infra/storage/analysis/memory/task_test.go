package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

func TestTaskStore_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewTaskStore(clock)

	dr, err := analysis.NewDetectionDateRange(clock.Now().Add(-time.Hour), clock.Now())
	require.NoError(t, err)
	parent := analysis.NewParentTask("det-1", dr, "node-a", clock.Now())
	require.NoError(t, store.CreateTask(ctx, parent))
	require.Error(t, store.CreateTask(ctx, parent))

	child := analysis.NewEntityTask(parent, "e1", "node-b", clock.Now())
	require.NoError(t, store.CreateTask(ctx, child))

	clock.Advance(time.Minute)
	require.NoError(t, store.UpdateTask(ctx, parent.TaskID(), analysis.NewTaskUpdate().WithState(analysis.TaskStateInit)))

	got, err := store.GetTask(ctx, parent.TaskID())
	require.NoError(t, err)
	assert.Equal(t, analysis.TaskStateInit, got.State())
	assert.Equal(t, clock.Now(), got.UpdatedAt())

	err = store.UpdateTask(ctx, parent.TaskID(), analysis.NewTaskUpdate().WithState(analysis.TaskStateFinished))
	require.Error(t, err, "INIT cannot jump to FINISHED")
	assert.Equal(t, analysis.TaskStateInit, mustState(t, store, parent.TaskID()))

	active, err := store.ListActiveParentTasks(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, parent.TaskID(), active[0].TaskID())

	none, err := store.ListActiveParentTasks(ctx, "node-z")
	require.NoError(t, err)
	assert.Empty(t, none)

	children := store.ChildTasks(parent.TaskID())
	require.Len(t, children, 1)
	assert.Equal(t, "e1", children[0].Entity())

	assert.ErrorIs(t, store.UpdateTask(ctx, "missing", analysis.NewTaskUpdate()), analysis.ErrTaskNotFound)
}

func TestEntityResolver(t *testing.T) {
	t.Parallel()

	r := NewEntityResolver(map[string][]string{"det-hc": {"b", "a", "b"}})
	dr, err := analysis.NewDetectionDateRange(time.Unix(0, 0), time.Unix(10, 0))
	require.NoError(t, err)

	got, err := r.ResolveEntities(context.Background(), analysis.NewDetector("det-hc", "hc", "host"), dr)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = r.ResolveEntities(context.Background(), analysis.NewDetector("det-hc", "hc", ""), dr)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func mustState(t *testing.T, store *TaskStore, id string) analysis.TaskState {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.State()
}
