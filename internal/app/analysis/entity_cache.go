package analysis

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// runningSlot records where and since when an entity has been executing.
type runningSlot struct {
	node   string
	taskID string
	since  time.Time
}

// EntityTaskCache tracks the entities of one high-cardinality run. An entity
// is always in exactly one of pending, running, or neither.
//
// Callers serialize access per detector; the mutex only protects readers such
// as metrics and the stale entity reconciler.
type EntityTaskCache struct {
	mu sync.RWMutex

	pending    []string
	running    map[string]runningSlot
	retryCount map[string]int

	total     int
	succeeded int
	failed    int
	cancelled bool

	clock clockwork.Clock
}

// NewEntityTaskCache creates an empty cache.
func NewEntityTaskCache(clock clockwork.Clock) *EntityTaskCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EntityTaskCache{
		running:    make(map[string]runningSlot),
		retryCount: make(map[string]int),
		clock:      clock,
	}
}

// Seed enqueues the given entities and records them as the run's total.
func (c *EntityTaskCache) Seed(entities []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entities {
		if c.enqueueLocked(e) {
			c.total++
		}
	}
}

// Enqueue appends an entity to pending unless it is already pending or running.
func (c *EntityTaskCache) Enqueue(entity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enqueueLocked(entity)
}

func (c *EntityTaskCache) enqueueLocked(entity string) bool {
	if c.cancelled {
		return false
	}
	if _, ok := c.running[entity]; ok {
		return false
	}
	if slices.Contains(c.pending, entity) {
		return false
	}
	c.pending = append(c.pending, entity)
	return true
}

// PushBack moves an entity from running to the tail of pending and counts a
// retry. After Cancel nothing re-enters pending; the entity is removed instead.
func (c *EntityTaskCache) PushBack(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		c.removeLocked(entity)
		return
	}

	delete(c.running, entity)
	if !slices.Contains(c.pending, entity) {
		c.pending = append(c.pending, entity)
	}
	c.retryCount[entity]++
}

// DequeueNext pops the head of pending into running.
func (c *EntityTaskCache) DequeueNext() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return "", false
	}
	entity := c.pending[0]
	c.pending = c.pending[1:]
	c.running[entity] = runningSlot{since: c.clock.Now()}
	return entity, true
}

// AssignRunning records the node and task executing a running entity.
func (c *EntityTaskCache) AssignRunning(entity, node, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.running[entity]; ok {
		slot.node = node
		slot.taskID = taskID
		c.running[entity] = slot
	}
}

// MarkRunningDone removes an entity from running. It is idempotent and
// reports whether the entity was running.
func (c *EntityTaskCache) MarkRunningDone(entity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.running[entity]
	delete(c.running, entity)
	return ok
}

// Remove drops an entity from pending and running along with its retry count.
func (c *EntityTaskCache) Remove(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(entity)
}

func (c *EntityTaskCache) removeLocked(entity string) {
	delete(c.running, entity)
	delete(c.retryCount, entity)
	if i := slices.Index(c.pending, entity); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

// ExceedsRetryLimit reports whether the entity has already been retried
// limit times, meaning one more retryable failure removes it.
func (c *EntityTaskCache) ExceedsRetryLimit(entity string, limit int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.retryCount[entity] >= limit
}

// RetryCount returns how many times the entity has been pushed back.
func (c *EntityTaskCache) RetryCount(entity string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.retryCount[entity]
}

// HasEntities reports whether anything is pending or running.
func (c *EntityTaskCache) HasEntities() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.pending) > 0 || len(c.running) > 0
}

// ClearPending drops every queued entity.
func (c *EntityTaskCache) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.pending {
		delete(c.retryCount, e)
	}
	c.pending = nil
}

// Cancel clears pending and prevents any entity from being queued again.
func (c *EntityTaskCache) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()

	c.ClearPending()
}

// IsCancelled reports whether Cancel was called.
func (c *EntityTaskCache) IsCancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cancelled
}

// IsRunning reports whether the entity is currently running.
func (c *EntityTaskCache) IsRunning(entity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.running[entity]
	return ok
}

// IsPending reports whether the entity is waiting in pending.
func (c *EntityTaskCache) IsPending(entity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Contains(c.pending, entity)
}

// RunningOn returns the node and task executing an entity.
func (c *EntityTaskCache) RunningOn(entity string) (node, taskID string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, ok := c.running[entity]
	return slot.node, slot.taskID, ok
}

// RunningSince returns when the entity was dequeued.
func (c *EntityTaskCache) RunningSince(entity string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, ok := c.running[entity]
	return slot.since, ok
}

// Pending returns a copy of the pending queue in order.
func (c *EntityTaskCache) Pending() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.pending)
}

// Running returns the running entities in sorted order.
func (c *EntityTaskCache) Running() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.running))
	for e := range c.running {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// RunningCount returns the number of running entities.
func (c *EntityTaskCache) RunningCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.running)
}

// RecordOutcome counts a terminal entity result.
func (c *EntityTaskCache) RecordOutcome(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.succeeded++
	} else {
		c.failed++
	}
}

// Outcomes returns the succeeded and failed entity counts.
func (c *EntityTaskCache) Outcomes() (succeeded, failed int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.succeeded, c.failed
}

// Total returns the number of entities the run was seeded with.
func (c *EntityTaskCache) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.total
}

// Progress returns the ratio of entities that left the cache.
func (c *EntityTaskCache) Progress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.total == 0 {
		return 0
	}
	done := c.total - len(c.pending) - len(c.running)
	if done < 0 {
		done = 0
	}
	return float64(done) / float64(c.total)
}
