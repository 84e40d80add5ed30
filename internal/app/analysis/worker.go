package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// terminationReason represents the reason an execution was stopped.
// It implements the error interface to allow it to be used as a cancellation cause.
type terminationReason string

func (r terminationReason) Error() string { return string(r) }

const (
	// CancelEvent indicates the coordinator cancelled the run.
	CancelEvent = terminationReason("cancel")
	// ShutdownEvent indicates the worker itself is stopping.
	ShutdownEvent = terminationReason("shutdown")
)

// execution is one task running on this worker.
type execution struct {
	entity    string
	startedAt time.Time
	cancel    context.CancelCauseFunc
}

// WorkerConfig tunes the worker runtime.
type WorkerConfig struct {
	// MaxConcurrentTasks caps executions on this node across all detectors.
	MaxConcurrentTasks int64
	// ReportAttempts bounds how often a completion report is retried.
	ReportAttempts uint64
	// ReportBackoff is the initial delay between report attempts.
	ReportBackoff time.Duration
}

// EntityWorker executes assigned tasks through an AnalysisRunner and reports
// every outcome back to the coordinating node.
type EntityWorker struct {
	nodeID string
	cfg    WorkerConfig

	runner   analysis.AnalysisRunner
	reporter analysis.Dispatcher
	slots    *semaphore.Weighted

	mu         sync.RWMutex
	executions map[string]map[string]execution // detectorID -> taskID -> execution
	stopped    bool
	baseCtx    context.Context
	wg         sync.WaitGroup

	clock   clockwork.Clock
	metrics CoordinatorMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewEntityWorker creates a worker runtime for the given node.
func NewEntityWorker(
	nodeID string,
	cfg WorkerConfig,
	runner analysis.AnalysisRunner,
	reporter analysis.Dispatcher,
	clock clockwork.Clock,
	metrics CoordinatorMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *EntityWorker {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 10
	}
	if cfg.ReportAttempts == 0 {
		cfg.ReportAttempts = 5
	}
	if cfg.ReportBackoff <= 0 {
		cfg.ReportBackoff = 200 * time.Millisecond
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EntityWorker{
		nodeID:     nodeID,
		cfg:        cfg,
		runner:     runner,
		reporter:   reporter,
		slots:      semaphore.NewWeighted(cfg.MaxConcurrentTasks),
		executions: make(map[string]map[string]execution),
		baseCtx:    context.Background(),
		clock:      clock,
		metrics:    metrics,
		logger:     logger.With("component", "entity_worker", "node_id", nodeID),
		tracer:     tracer,
	}
}

// Start binds executions to ctx. Cancelling ctx does not report outcomes;
// call Stop for an orderly shutdown.
func (w *EntityWorker) Start(ctx context.Context) {
	w.mu.Lock()
	w.baseCtx = context.WithoutCancel(ctx)
	w.mu.Unlock()
}

// RunTask accepts an assignment and executes it in the background. It fails
// fast when the node is at capacity or stopping so the coordinator can retry
// the entity elsewhere.
func (w *EntityWorker) RunTask(ctx context.Context, assignment analysis.EntityAssignment) error {
	task := assignment.Task
	_, span := w.tracer.Start(ctx, "entity_worker.run_task",
		trace.WithAttributes(
			attribute.String("detector_id", assignment.Detector.ID()),
			attribute.String("task_id", task.TaskID()),
			attribute.String("entity", task.Entity()),
		))
	defer span.End()

	if !w.slots.TryAcquire(1) {
		err := fmt.Errorf("node %s %s", w.nodeID, analysis.ErrMsgExceedsTaskCapacity)
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker at capacity")
		return err
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.slots.Release(1)
		return fmt.Errorf("node %s: %s", w.nodeID, analysis.ErrMsgWorkerShutdown)
	}
	execCtx, cancel := context.WithCancelCause(w.baseCtx)
	detectorID := assignment.Detector.ID()
	if _, ok := w.executions[detectorID]; !ok {
		w.executions[detectorID] = make(map[string]execution)
	}
	w.executions[detectorID][task.TaskID()] = execution{
		entity:    task.Entity(),
		startedAt: w.clock.Now(),
		cancel:    cancel,
	}
	w.wg.Add(1)
	w.mu.Unlock()

	w.metrics.AddActiveExecutions(ctx, 1)
	go w.execute(execCtx, assignment)

	span.AddEvent("execution_started")
	return nil
}

func (w *EntityWorker) execute(ctx context.Context, assignment analysis.EntityAssignment) {
	defer w.wg.Done()
	defer w.slots.Release(1)

	task := assignment.Task
	detectorID := assignment.Detector.ID()
	logr := w.logger.With("detector_id", detectorID, "task_id", task.TaskID(), "entity", task.Entity())

	ctx, span := w.tracer.Start(ctx, "entity_worker.execute",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.String("task_id", task.TaskID()),
		))
	defer span.End()

	result, runErr := w.runner.Run(ctx, assignment.Detector, task)
	w.removeExecution(detectorID, task.TaskID())
	w.metrics.AddActiveExecutions(ctx, -1)
	w.metrics.IncEntityExecutions(ctx, runErr == nil)

	cause := context.Cause(ctx)
	if errors.Is(cause, CancelEvent) {
		// The coordinator already dropped this task; there is nobody to tell.
		logr.Info(ctx, "Execution cancelled by coordinator")
		span.AddEvent("execution_cancelled")
		return
	}

	reportCtx := context.WithoutCancel(ctx)
	var req analysis.ForwardRequest
	switch {
	case errors.Is(cause, ShutdownEvent):
		req = w.failureReport(assignment, fmt.Sprintf("%s: %s", analysis.ErrMsgWorkerShutdown, w.nodeID))
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "execution failed")
		logr.Warn(ctx, "Execution failed", "err", runErr)
		req = w.failureReport(assignment, runErr.Error())
	default:
		logr.Info(ctx, "Execution finished", "anomaly_count", result.AnomalyCount)
		req = w.successReport(assignment)
	}

	if err := w.report(reportCtx, assignment.Coordinator, req); err != nil {
		logr.Error(reportCtx, "Failed to report execution outcome", "action", req.Action, "err", err)
		span.RecordError(err)
		return
	}
	span.SetStatus(codes.Ok, "outcome reported")
}

func (w *EntityWorker) successReport(a analysis.EntityAssignment) analysis.ForwardRequest {
	if a.Task.IsEntityTask() {
		return analysis.NewNextEntityRequest(a.Detector, a.Task)
	}
	return analysis.ForwardRequest{DetectorID: a.Detector.ID(), Detector: &a.Detector, Task: a.Task, Action: analysis.ActionFinished}
}

func (w *EntityWorker) failureReport(a analysis.EntityAssignment, errMsg string) analysis.ForwardRequest {
	failed := a.Task.WithError(errMsg)
	if a.Task.IsEntityTask() {
		return analysis.NewPushBackEntityRequest(a.Detector, failed)
	}
	return analysis.ForwardRequest{DetectorID: a.Detector.ID(), Detector: &a.Detector, Task: failed, Action: analysis.ActionFinished}
}

// report forwards an outcome with bounded exponential backoff. Reports that
// the coordinator rejects as malformed are not retried.
func (w *EntityWorker) report(ctx context.Context, coordinator string, req analysis.ForwardRequest) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = w.cfg.ReportBackoff
	expBackoff.MaxElapsedTime = 0

	operation := func() error {
		_, err := w.reporter.Forward(ctx, coordinator, req)
		if err == nil {
			return nil
		}
		var verr *analysis.ValidationError
		var uerr *analysis.UnsupportedActionError
		if errors.As(err, &verr) || errors.As(err, &uerr) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, w.cfg.ReportAttempts-1), ctx)
	return backoff.Retry(operation, b)
}

func (w *EntityWorker) removeExecution(detectorID, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if execs, ok := w.executions[detectorID]; ok {
		delete(execs, taskID)
		if len(execs) == 0 {
			delete(w.executions, detectorID)
		}
	}
}

// CancelTask stops one execution. Unknown tasks are ignored since the
// execution may have finished while the cancel was in flight.
func (w *EntityWorker) CancelTask(ctx context.Context, detectorID, taskID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	exec, ok := w.executions[detectorID][taskID]
	if !ok {
		w.logger.Debug(ctx, "Cancel for unknown execution ignored", "detector_id", detectorID, "task_id", taskID)
		return nil
	}
	exec.cancel(CancelEvent)
	w.logger.Info(ctx, "Execution cancel requested", "detector_id", detectorID, "task_id", taskID)
	return nil
}

// Profile lists the executions currently running on this worker.
func (w *EntityWorker) Profile(ctx context.Context) ([]analysis.TaskProfile, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var profiles []analysis.TaskProfile
	for detectorID, execs := range w.executions {
		for taskID, exec := range execs {
			profiles = append(profiles, analysis.NewTaskProfile(w.nodeID, detectorID, taskID, exec.entity, exec.startedAt))
		}
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].DetectorID() != profiles[j].DetectorID() {
			return profiles[i].DetectorID() < profiles[j].DetectorID()
		}
		return profiles[i].TaskID() < profiles[j].TaskID()
	})
	return profiles, nil
}

// Stop rejects new work, cancels running executions with ShutdownEvent and
// waits until their outcomes have been reported.
func (w *EntityWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	count := 0
	for _, execs := range w.executions {
		for _, exec := range execs {
			exec.cancel(ShutdownEvent)
			count++
		}
	}
	w.mu.Unlock()

	w.logger.Info(context.Background(), "Entity worker stopping", "cancelled_executions", count)
	w.wg.Wait()
}
