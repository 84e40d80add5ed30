package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

var _ analysis.TaskStore = (*TaskStore)(nil)

// TaskStore provides an in-memory implementation of analysis.TaskStore for
// testing and single-node development.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*analysis.Task // Keyed by task ID
	clock clockwork.Clock
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore(clock clockwork.Clock) *TaskStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TaskStore{tasks: make(map[string]*analysis.Task), clock: clock}
}

// CreateTask stores a copy of the task.
func (s *TaskStore) CreateTask(_ context.Context, task *analysis.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID()]; exists {
		return fmt.Errorf("task %s already exists", task.TaskID())
	}
	s.tasks[task.TaskID()] = copyTask(task)
	return nil
}

// UpdateTask applies a validated partial update.
func (s *TaskStore) UpdateTask(_ context.Context, taskID string, upd analysis.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return analysis.ErrTaskNotFound
	}
	updated := copyTask(task)
	if err := updated.Apply(upd, s.clock.Now()); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	s.tasks[taskID] = updated
	return nil
}

// GetTask returns a copy of the stored task.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (*analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, analysis.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// ListActiveParentTasks returns non-terminal parent tasks ordered by creation.
func (s *TaskStore) ListActiveParentTasks(_ context.Context, coordinator string) ([]*analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*analysis.Task
	for _, t := range s.tasks {
		if t.IsEntityTask() || t.ParentTaskID() != "" || t.State().IsTerminal() {
			continue
		}
		if coordinator != "" && t.Coordinator() != coordinator {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out, nil
}

// ChildTasks returns the entity tasks of a parent, used by debugging endpoints and tests.
func (s *TaskStore) ChildTasks(parentTaskID string) []*analysis.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*analysis.Task
	for _, t := range s.tasks {
		if t.ParentTaskID() == parentTaskID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity() < out[j].Entity() })
	return out
}

func copyTask(t *analysis.Task) *analysis.Task {
	return analysis.ReconstructTask(
		t.TaskID(),
		t.DetectorID(),
		t.ParentTaskID(),
		t.Entity(),
		t.State(),
		t.Progress(),
		t.Error(),
		t.DateRange(),
		t.Coordinator(),
		t.WorkerNode(),
		t.CreatedAt(),
		t.UpdatedAt(),
	)
}
