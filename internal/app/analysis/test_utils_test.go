package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// fakeTaskStore implements analysis.TaskStore in memory.
type fakeTaskStore struct {
	mu         sync.Mutex
	tasks      map[string]*analysis.Task
	updateFunc func(taskID string, upd analysis.TaskUpdate) error
	now        func() time.Time
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*analysis.Task), now: time.Now}
}

func (s *fakeTaskStore) CreateTask(_ context.Context, task *analysis.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	s.tasks[task.TaskID()] = &cp
	return nil
}

func (s *fakeTaskStore) UpdateTask(_ context.Context, taskID string, upd analysis.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateFunc != nil {
		if err := s.updateFunc(taskID, upd); err != nil {
			return err
		}
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return analysis.ErrTaskNotFound
	}
	return t.Apply(upd, s.now())
}

func (s *fakeTaskStore) GetTask(_ context.Context, taskID string) (*analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, analysis.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTaskStore) ListActiveParentTasks(_ context.Context, coordinator string) ([]*analysis.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*analysis.Task
	for _, t := range s.tasks {
		if t.ParentTaskID() != "" || t.State().IsTerminal() {
			continue
		}
		if coordinator != "" && t.Coordinator() != coordinator {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeTaskStore) state(t *testing.T, taskID string) analysis.TaskState {
	t.Helper()
	task, err := s.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task.State()
}

// fakeResolver implements analysis.EntityResolver.
type fakeResolver struct {
	entities []string
	err      error
}

func (r *fakeResolver) ResolveEntities(context.Context, analysis.Detector, analysis.DetectionDateRange) ([]string, error) {
	return r.entities, r.err
}

// fakeDispatcher implements analysis.Dispatcher and records every call.
type fakeDispatcher struct {
	mu          sync.Mutex
	assignments []analysis.EntityAssignment
	cancels     []string
	forwards    []analysis.ForwardRequest
	profiles    map[string][]analysis.TaskProfile

	runTaskFunc func(node string, a analysis.EntityAssignment) error
	forwardFunc func(node string, req analysis.ForwardRequest) (analysis.JobResponse, error)
	profileErr  error
	down        map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{profiles: make(map[string][]analysis.TaskProfile)}
}

func (d *fakeDispatcher) Forward(_ context.Context, node string, req analysis.ForwardRequest) (analysis.JobResponse, error) {
	d.mu.Lock()
	d.forwards = append(d.forwards, req)
	fn := d.forwardFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(node, req)
	}
	return analysis.NewOKResponse(req.DetectorID), nil
}

func (d *fakeDispatcher) RunTask(_ context.Context, node string, a analysis.EntityAssignment) error {
	d.mu.Lock()
	fn := d.runTaskFunc
	d.mu.Unlock()

	if fn != nil {
		if err := fn(node, a); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.assignments = append(d.assignments, a)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) CancelTask(_ context.Context, node, detectorID, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, taskID)
	return nil
}

func (d *fakeDispatcher) Profile(_ context.Context, node string) ([]analysis.TaskProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.profileErr != nil {
		return nil, d.profileErr
	}
	return d.profiles[node], nil
}

func (d *fakeDispatcher) Ping(_ context.Context, node string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down[node] {
		return fmt.Errorf("node %s unreachable", node)
	}
	return nil
}

func (d *fakeDispatcher) markDown(node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down == nil {
		d.down = make(map[string]bool)
	}
	d.down[node] = true
}

func (d *fakeDispatcher) dispatched() []analysis.EntityAssignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]analysis.EntityAssignment(nil), d.assignments...)
}

func (d *fakeDispatcher) dispatchedEntities() []string {
	var out []string
	for _, a := range d.dispatched() {
		out = append(out, a.Task.Entity())
	}
	return out
}

// lastAssignment returns the most recent assignment for an entity.
func (d *fakeDispatcher) lastAssignment(t *testing.T, entity string) analysis.EntityAssignment {
	t.Helper()
	as := d.dispatched()
	for i := len(as) - 1; i >= 0; i-- {
		if as[i].Task.Entity() == entity {
			return as[i]
		}
	}
	t.Fatalf("entity %s was never dispatched", entity)
	return analysis.EntityAssignment{}
}

// mockEventPublisher implements events.DomainEventPublisher for testing.
type mockEventPublisher struct {
	mu              sync.RWMutex
	publishedEvents []events.DomainEvent
}

func (m *mockEventPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = append(m.publishedEvents, evt)
	return nil
}

func (m *mockEventPublisher) ofType(typ events.EventType) []events.DomainEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []events.DomainEvent
	for _, e := range m.publishedEvents {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestMetrics(t *testing.T) CoordinatorMetrics {
	t.Helper()
	m, err := NewCoordinatorMetrics(noopmetric.NewMeterProvider())
	require.NoError(t, err)
	return m
}

type coordinatorHarness struct {
	coord      *Coordinator
	cacheMgr   *TaskCacheManager
	store      *fakeTaskStore
	resolver   *fakeResolver
	dispatcher *fakeDispatcher
	publisher  *mockEventPublisher
	clock      *clockwork.FakeClock
}

func newCoordinatorHarness(t *testing.T, cfg CoordinatorConfig, entities ...string) *coordinatorHarness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(analysisTime)
	h := &coordinatorHarness{
		cacheMgr:   NewTaskCacheManager(clock),
		store:      newFakeTaskStore(),
		resolver:   &fakeResolver{entities: entities},
		dispatcher: newFakeDispatcher(),
		publisher:  &mockEventPublisher{},
		clock:      clock,
	}
	h.store.now = clock.Now
	cfg.DispatchRPS = 1e6
	cfg.DispatchBurst = 1e6
	h.coord = NewCoordinator(
		"node-a",
		cfg,
		h.cacheMgr,
		h.store,
		h.resolver,
		h.dispatcher,
		NewRoundRobinSelector([]string{"node-b", "node-c"}),
		h.publisher,
		clock,
		newTestMetrics(t),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	t.Cleanup(h.coord.Stop)
	return h
}

// settle waits until no dispatch is in flight and no detector work is queued.
func (h *coordinatorHarness) settle(t *testing.T) {
	t.Helper()
	quiet := func() bool {
		return h.coord.inflight.Len() == 0 && h.coord.queue.ActiveMailboxes() == 0
	}
	require.Eventually(t, func() bool {
		// Two consecutive quiet observations, since a finishing dispatch may
		// post work back to the detector queue.
		if !quiet() {
			return false
		}
		time.Sleep(2 * time.Millisecond)
		return quiet()
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *coordinatorHarness) start(t *testing.T, d analysis.Detector) analysis.JobResponse {
	t.Helper()
	dr, err := analysis.NewDetectionDateRange(h.clock.Now().Add(-24*time.Hour), h.clock.Now())
	require.NoError(t, err)

	resp, err := h.coord.Handle(context.Background(), analysis.ForwardRequest{
		DetectorID: d.ID(),
		Detector:   &d,
		DateRange:  &dr,
		Action:     analysis.ActionStart,
	})
	require.NoError(t, err)
	h.settle(t)
	return resp
}

func (h *coordinatorHarness) report(t *testing.T, req analysis.ForwardRequest) analysis.JobResponse {
	t.Helper()
	resp, err := h.coord.Handle(context.Background(), req)
	require.NoError(t, err)
	h.settle(t)
	return resp
}

func (h *coordinatorHarness) cache(t *testing.T, detectorID string) *EntityTaskCache {
	t.Helper()
	c, err := h.cacheMgr.Cache(detectorID)
	require.NoError(t, err)
	return c
}

var (
	errBoom      = errors.New("boom")
	analysisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)
