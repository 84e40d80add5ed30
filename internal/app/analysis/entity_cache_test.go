package analysis

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityTaskCache_SeedAndDequeue(t *testing.T) {
	t.Parallel()

	c := NewEntityTaskCache(clockwork.NewFakeClock())
	c.Seed([]string{"e1", "e2", "e3", "e2"})

	assert.Equal(t, []string{"e1", "e2", "e3"}, c.Pending())
	assert.Equal(t, 3, c.Total())

	e, ok := c.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "e1", e)
	assert.Equal(t, []string{"e2", "e3"}, c.Pending())
	assert.Equal(t, []string{"e1"}, c.Running())

	// Enqueue of a running entity is a no-op.
	assert.False(t, c.Enqueue("e1"))
	assert.Equal(t, []string{"e2", "e3"}, c.Pending())

	assert.True(t, c.MarkRunningDone("e1"))
	e, ok = c.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "e2", e)
}

func TestEntityTaskCache_PushBackGoesToTail(t *testing.T) {
	t.Parallel()

	c := NewEntityTaskCache(clockwork.NewFakeClock())
	c.Seed([]string{"e1", "e2", "e3"})
	_, _ = c.DequeueNext()
	c.MarkRunningDone("e1")
	e, _ := c.DequeueNext()
	require.Equal(t, "e2", e)

	c.PushBack("e2")

	assert.Equal(t, []string{"e3", "e2"}, c.Pending())
	assert.Empty(t, c.Running())
	assert.Equal(t, 1, c.RetryCount("e2"))
}

func TestEntityTaskCache_MarkRunningDoneIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewEntityTaskCache(clockwork.NewFakeClock())
	c.Seed([]string{"e1", "e2"})
	_, _ = c.DequeueNext()

	assert.True(t, c.MarkRunningDone("e1"))
	pending, running := c.Pending(), c.Running()

	assert.False(t, c.MarkRunningDone("e1"))
	assert.Equal(t, pending, c.Pending())
	assert.Equal(t, running, c.Running())
}

func TestEntityTaskCache_RetryCeiling(t *testing.T) {
	t.Parallel()

	const limit = 3
	c := NewEntityTaskCache(clockwork.NewFakeClock())
	c.Seed([]string{"e1"})

	pushBacks := 0
	for attempt := 1; ; attempt++ {
		e, ok := c.DequeueNext()
		require.True(t, ok)
		require.Equal(t, "e1", e)

		if c.ExceedsRetryLimit(e, limit) {
			c.Remove(e)
			assert.Equal(t, limit+1, attempt, "entity must be removed on the limit+1-th retryable failure")
			break
		}
		c.PushBack(e)
		pushBacks++
	}

	assert.Equal(t, limit, pushBacks)
	assert.False(t, c.HasEntities())
	assert.Equal(t, 0, c.RetryCount("e1"))
}

func TestEntityTaskCache_RemoveDropsEverywhere(t *testing.T) {
	t.Parallel()

	c := NewEntityTaskCache(clockwork.NewFakeClock())
	c.Seed([]string{"e1", "e2", "e3"})
	_, _ = c.DequeueNext()
	c.PushBack("e1")

	c.Remove("e1")
	c.Remove("e3")

	assert.Equal(t, []string{"e2"}, c.Pending())
	assert.Empty(t, c.Running())
	assert.Equal(t, 0, c.RetryCount("e1"))
}

func TestEntityTaskCache_CancelPreventsRequeue(t *testing.T) {
	t.Parallel()

	c := NewEntityTaskCache(clockwork.NewFakeClock())
	c.Seed([]string{"e1", "e2", "e3"})
	_, _ = c.DequeueNext()
	_, _ = c.DequeueNext()

	c.Cancel()
	assert.Empty(t, c.Pending())
	assert.Equal(t, []string{"e1", "e2"}, c.Running())

	c.PushBack("e1")
	assert.Empty(t, c.Pending())
	assert.Equal(t, []string{"e2"}, c.Running())
	assert.False(t, c.Enqueue("e4"))

	c.MarkRunningDone("e2")
	assert.False(t, c.HasEntities())
}

func TestEntityTaskCache_RunningMetadataAndProgress(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewEntityTaskCache(clock)
	c.Seed([]string{"e1", "e2", "e3", "e4"})
	assert.Equal(t, float64(0), c.Progress())

	e, _ := c.DequeueNext()
	c.AssignRunning(e, "node-b", "task-1")
	node, taskID, ok := c.RunningOn(e)
	require.True(t, ok)
	assert.Equal(t, "node-b", node)
	assert.Equal(t, "task-1", taskID)
	since, ok := c.RunningSince(e)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), since)

	c.MarkRunningDone(e)
	c.Remove(e)
	assert.InDelta(t, 0.25, c.Progress(), 1e-9)
}

// TestEntityTaskCache_RandomOperations checks that an entity is never both
// pending and running, and that HasEntities agrees with the queues, across
// random operation sequences.
func TestEntityTaskCache_RandomOperations(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	entities := []string{"a", "b", "c", "d", "e"}

	for run := 0; run < 200; run++ {
		c := NewEntityTaskCache(clockwork.NewFakeClock())
		for step := 0; step < 50; step++ {
			e := entities[rng.Intn(len(entities))]
			switch rng.Intn(6) {
			case 0:
				c.Enqueue(e)
			case 1:
				c.DequeueNext()
			case 2:
				if c.IsRunning(e) {
					c.PushBack(e)
				}
			case 3:
				c.Remove(e)
			case 4:
				c.MarkRunningDone(e)
			case 5:
				if rng.Intn(10) == 0 {
					c.ClearPending()
				}
			}

			pending, running := c.Pending(), c.Running()
			for _, p := range pending {
				require.False(t, slices.Contains(running, p), fmt.Sprintf("run %d step %d: %s pending and running", run, step, p))
			}
			require.Equal(t, len(pending)+len(running) > 0, c.HasEntities())

			seen := make(map[string]bool)
			for _, p := range pending {
				require.False(t, seen[p], "duplicate pending entity %s", p)
				seen[p] = true
			}
		}
	}
}
