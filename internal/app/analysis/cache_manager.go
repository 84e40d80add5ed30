package analysis

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

// detectorRun is the registry entry for one active detector run.
type detectorRun struct {
	detector  analysis.Detector
	parent    *analysis.Task
	startedAt time.Time
	// entities is nil for single-entity detectors.
	entities *EntityTaskCache
	// worker and dispatchedAt track where a single-entity run executes.
	worker       string
	dispatchedAt time.Time
}

// TaskCacheManager owns one EntityTaskCache per active detector. Entries are
// created on START and dropped once the run's terminal state is persisted.
type TaskCacheManager struct {
	mu   sync.RWMutex
	runs map[string]*detectorRun

	clock clockwork.Clock
}

// NewTaskCacheManager creates an empty registry.
func NewTaskCacheManager(clock clockwork.Clock) *TaskCacheManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TaskCacheManager{runs: make(map[string]*detectorRun), clock: clock}
}

// Add registers a high-cardinality run seeded with the given entities.
func (m *TaskCacheManager) Add(detector analysis.Detector, parent *analysis.Task, entities []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run, ok := m.runs[detector.ID()]; ok {
		return &analysis.ConflictError{DetectorID: detector.ID(), TaskID: run.parent.TaskID()}
	}

	cache := NewEntityTaskCache(m.clock)
	cache.Seed(entities)
	m.runs[detector.ID()] = &detectorRun{
		detector:  detector,
		parent:    parent,
		startedAt: m.clock.Now(),
		entities:  cache,
	}
	return nil
}

// Track registers a single-entity run. It carries no entity cache.
func (m *TaskCacheManager) Track(detector analysis.Detector, task *analysis.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run, ok := m.runs[detector.ID()]; ok {
		return &analysis.ConflictError{DetectorID: detector.ID(), TaskID: run.parent.TaskID()}
	}
	m.runs[detector.ID()] = &detectorRun{
		detector:  detector,
		parent:    task,
		startedAt: m.clock.Now(),
	}
	return nil
}

// AssignWorker records the worker executing a single-entity run.
func (m *TaskCacheManager) AssignWorker(detectorID, worker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[detectorID]
	if !ok {
		return &analysis.NotFoundError{DetectorID: detectorID}
	}
	run.worker = worker
	run.dispatchedAt = m.clock.Now()
	return nil
}

// RemoveDetector drops a detector's entry. Removing an unknown detector is a no-op.
func (m *TaskCacheManager) RemoveDetector(detectorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.runs[detectorID]
	delete(m.runs, detectorID)
	return ok
}

// IsActive reports whether the detector has a registered run.
func (m *TaskCacheManager) IsActive(detectorID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.runs[detectorID]
	return ok
}

// ParentTaskID returns the parent task id of an active run.
func (m *TaskCacheManager) ParentTaskID(detectorID string) (string, error) {
	run, err := m.run(detectorID)
	if err != nil {
		return "", err
	}
	return run.parent.TaskID(), nil
}

func (m *TaskCacheManager) run(detectorID string) (*detectorRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[detectorID]
	if !ok {
		return nil, &analysis.NotFoundError{DetectorID: detectorID}
	}
	return run, nil
}

// ActiveDetectors returns the ids of every registered run, sorted.
func (m *TaskCacheManager) ActiveDetectors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RunningEntities snapshots every running entity across all runs. A
// dispatched single-entity run is reported with an empty entity.
func (m *TaskCacheManager) RunningEntities() []analysis.RunningEntity {
	var out []analysis.RunningEntity

	m.mu.RLock()
	runs := make([]*detectorRun, 0, len(m.runs))
	for _, r := range m.runs {
		if r.entities != nil {
			runs = append(runs, r)
			continue
		}
		if r.worker != "" {
			out = append(out, analysis.NewRunningEntity(r.detector.ID(), "", r.worker, r.dispatchedAt))
		}
	}
	m.mu.RUnlock()

	for _, r := range runs {
		for _, e := range r.entities.Running() {
			node, _, _ := r.entities.RunningOn(e)
			since, _ := r.entities.RunningSince(e)
			out = append(out, analysis.NewRunningEntity(r.detector.ID(), e, node, since))
		}
	}
	return out
}

// Cache returns the entity cache of an active HC run.
func (m *TaskCacheManager) Cache(detectorID string) (*EntityTaskCache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[detectorID]
	if !ok || run.entities == nil {
		return nil, &analysis.NotFoundError{DetectorID: detectorID}
	}
	return run.entities, nil
}

// The operations below mirror EntityTaskCache keyed by detector id.

func (m *TaskCacheManager) Enqueue(detectorID, entity string) error {
	c, err := m.Cache(detectorID)
	if err != nil {
		return err
	}
	c.Enqueue(entity)
	return nil
}

func (m *TaskCacheManager) PushBack(detectorID, entity string) error {
	c, err := m.Cache(detectorID)
	if err != nil {
		return err
	}
	c.PushBack(entity)
	return nil
}

func (m *TaskCacheManager) DequeueNext(detectorID string) (string, bool, error) {
	c, err := m.Cache(detectorID)
	if err != nil {
		return "", false, err
	}
	e, ok := c.DequeueNext()
	return e, ok, nil
}

func (m *TaskCacheManager) MarkRunningDone(detectorID, entity string) (bool, error) {
	c, err := m.Cache(detectorID)
	if err != nil {
		return false, err
	}
	return c.MarkRunningDone(entity), nil
}

func (m *TaskCacheManager) Remove(detectorID, entity string) error {
	c, err := m.Cache(detectorID)
	if err != nil {
		return err
	}
	c.Remove(entity)
	return nil
}

func (m *TaskCacheManager) ExceedsRetryLimit(detectorID, entity string, limit int) (bool, error) {
	c, err := m.Cache(detectorID)
	if err != nil {
		return false, err
	}
	return c.ExceedsRetryLimit(entity, limit), nil
}

func (m *TaskCacheManager) HasEntities(detectorID string) (bool, error) {
	c, err := m.Cache(detectorID)
	if err != nil {
		return false, err
	}
	return c.HasEntities(), nil
}

func (m *TaskCacheManager) ClearPending(detectorID string) error {
	c, err := m.Cache(detectorID)
	if err != nil {
		return err
	}
	c.ClearPending()
	return nil
}
