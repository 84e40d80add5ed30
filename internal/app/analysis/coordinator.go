package analysis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/pkg/common"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// CoordinatorConfig tunes the retry, concurrency and finalize behavior.
type CoordinatorConfig struct {
	// RetryLimit is how many times one entity may be pushed back.
	RetryLimit int
	// MaxRunningEntities caps concurrent entity tasks per detector.
	MaxRunningEntities int
	// FinalizePolicy decides FINISHED versus FAILED when a run drains.
	FinalizePolicy analysis.FinalizePolicy
	// RetryablePatterns classify entity errors as transient.
	RetryablePatterns []string
	// DispatchRPS and DispatchBurst throttle task hand-off to workers.
	DispatchRPS   float64
	DispatchBurst int
}

// DefaultCoordinatorConfig returns the defaults used when nothing is configured.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RetryLimit:         3,
		MaxRunningEntities: 1,
		FinalizePolicy:     analysis.FinalizeLastReport,
		DispatchRPS:        50,
		DispatchBurst:      10,
	}
}

// Coordinator drives historical analysis runs. Every forwarded action for a
// detector is applied through that detector's queue, so cache mutations for
// one detector never interleave while different detectors proceed in parallel.
type Coordinator struct {
	nodeID string

	cacheMgr   *TaskCacheManager
	queue      *DetectorQueue
	store      analysis.TaskStore
	resolver   analysis.EntityResolver
	dispatcher analysis.Dispatcher
	selector   analysis.WorkerSelector
	publisher  events.DomainEventPublisher

	cfg        CoordinatorConfig
	classifier analysis.RetryClassifier
	limiter    *common.RateLimiter
	clock      clockwork.Clock

	inflight inflightTracker

	metrics CoordinatorMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewCoordinator creates a Coordinator for the given node.
func NewCoordinator(
	nodeID string,
	cfg CoordinatorConfig,
	cacheMgr *TaskCacheManager,
	store analysis.TaskStore,
	resolver analysis.EntityResolver,
	dispatcher analysis.Dispatcher,
	selector analysis.WorkerSelector,
	publisher events.DomainEventPublisher,
	clock clockwork.Clock,
	metrics CoordinatorMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Coordinator {
	if cfg.MaxRunningEntities <= 0 {
		cfg.MaxRunningEntities = 1
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.FinalizePolicy == "" {
		cfg.FinalizePolicy = analysis.FinalizeLastReport
	}
	if cfg.DispatchRPS <= 0 {
		cfg.DispatchRPS = DefaultCoordinatorConfig().DispatchRPS
	}
	if cfg.DispatchBurst <= 0 {
		cfg.DispatchBurst = DefaultCoordinatorConfig().DispatchBurst
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	logger = logger.With("component", "analysis_coordinator", "node_id", nodeID)
	return &Coordinator{
		nodeID:     nodeID,
		cacheMgr:   cacheMgr,
		queue:      NewDetectorQueue(logger),
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		selector:   selector,
		publisher:  publisher,
		cfg:        cfg,
		classifier: analysis.NewRetryClassifier(cfg.RetryablePatterns),
		limiter:    common.NewRateLimiter(cfg.DispatchRPS, cfg.DispatchBurst),
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
		tracer:     tracer,
	}
}

// NodeID returns the id of the node this coordinator runs on.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Handle validates a forwarded request and applies it on the detector's
// serialized path. Validation and structural errors are returned before any
// state is touched.
func (c *Coordinator) Handle(ctx context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error) {
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.handle",
		trace.WithAttributes(
			attribute.String("detector_id", req.DetectorID),
			attribute.String("action", req.Action.String()),
		))
	defer span.End()

	cmd, err := req.ToCommand()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid forward request")
		status := analysis.StatusForError(err)
		c.metrics.IncActionsHandled(ctx, req.Action, status)
		return analysis.JobResponse{Status: status}, err
	}

	// Run state lives only on the coordinating node, so requests about a
	// run owned elsewhere are relayed there.
	if owner := owningNode(req); owner != "" && owner != c.nodeID {
		span.SetAttributes(attribute.String("owner", owner))
		resp, err := c.dispatcher.Forward(ctx, owner, req)
		if err != nil {
			err = fmt.Errorf("failed to forward %s to coordinator %s: %w", req.Action, owner, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "forward to owning node failed")
			if resp.Status == 0 {
				resp.Status = analysis.StatusForError(err)
			}
		}
		c.metrics.IncActionsHandled(ctx, cmd.Action(), resp.Status)
		return resp, err
	}

	resp, err := c.queue.Submit(ctx, cmd.DetectorID(), func(ctx context.Context) (analysis.JobResponse, error) {
		return c.apply(ctx, cmd)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward action failed")
		resp.Status = analysis.StatusForError(err)
	}
	c.metrics.IncActionsHandled(ctx, cmd.Action(), resp.Status)
	return resp, err
}

// owningNode returns the coordinator recorded on the request's task.
func owningNode(req analysis.ForwardRequest) string {
	if req.Task == nil {
		return ""
	}
	return req.Task.Coordinator()
}

// apply runs on the detector's serialized path.
func (c *Coordinator) apply(ctx context.Context, cmd analysis.Command) (analysis.JobResponse, error) {
	switch cmd := cmd.(type) {
	case analysis.StartCommand:
		return c.start(ctx, cmd)
	case analysis.NextEntityCommand:
		return c.nextEntity(ctx, cmd)
	case analysis.PushBackEntityCommand:
		return c.pushBackEntity(ctx, cmd)
	case analysis.CancelCommand:
		return c.cancel(ctx, cmd)
	case analysis.CleanStaleEntitiesCommand:
		return c.cleanStaleEntities(ctx, cmd)
	case analysis.FinishedCommand:
		return c.finished(ctx, cmd)
	default:
		return analysis.JobResponse{}, &analysis.UnsupportedActionError{Action: cmd.Action()}
	}
}

func (c *Coordinator) start(ctx context.Context, cmd analysis.StartCommand) (analysis.JobResponse, error) {
	detectorID := cmd.Detector.ID()
	logr := logger.NewLoggerContext(c.logger.With("operation", "start", "detector_id", detectorID))
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.start",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.Bool("multi_entity", cmd.Detector.IsMultiEntity()),
		))
	defer span.End()

	if c.cacheMgr.IsActive(detectorID) {
		taskID, _ := c.cacheMgr.ParentTaskID(detectorID)
		err := &analysis.ConflictError{DetectorID: detectorID, TaskID: taskID}
		span.RecordError(err)
		span.SetStatus(codes.Error, "detector already running")
		return analysis.JobResponse{}, err
	}
	peerRun, err := c.activeRunOnPeer(ctx, detectorID)
	if err != nil {
		span.RecordError(err)
		return analysis.JobResponse{}, err
	}
	if peerRun != nil {
		err := &analysis.ConflictError{DetectorID: detectorID, TaskID: peerRun.TaskID()}
		span.RecordError(err)
		span.SetStatus(codes.Error, "detector running on another coordinator")
		logr.Info(ctx, "Detector already running on another coordinator", "coordinator", peerRun.Coordinator())
		return analysis.JobResponse{}, err
	}

	now := c.clock.Now()
	parent := analysis.NewParentTask(detectorID, cmd.DateRange, c.nodeID, now)
	if err := parent.Apply(analysis.NewTaskUpdate().WithState(analysis.TaskStateInit), now); err != nil {
		return analysis.JobResponse{}, err
	}
	if err := c.store.CreateTask(ctx, parent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist parent task")
		return analysis.JobResponse{}, fmt.Errorf("failed to create task for detector %s: %w", detectorID, err)
	}
	logr.Add("task_id", parent.TaskID())
	span.SetAttributes(attribute.String("task_id", parent.TaskID()))

	if !cmd.Detector.IsMultiEntity() {
		return c.startSingleEntity(ctx, cmd.Detector, parent)
	}

	entities, err := c.resolver.ResolveEntities(ctx, cmd.Detector, cmd.DateRange)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "entity resolution failed")
		logr.Error(ctx, "Entity resolution failed", "err", err)
		upd := analysis.NewTaskUpdate().WithState(analysis.TaskStateFailed).WithError(err.Error())
		if uerr := c.store.UpdateTask(ctx, parent.TaskID(), upd); uerr != nil {
			return analysis.JobResponse{}, errors.Join(err, uerr)
		}
		c.publishFinished(ctx, detectorID, parent.TaskID(), analysis.TaskStateFailed, err.Error())
		return analysis.JobResponse{}, fmt.Errorf("failed to resolve entities for detector %s: %w", detectorID, err)
	}

	if len(entities) == 0 {
		logr.Warn(ctx, "No entity found for historical analysis")
		upd := analysis.NewTaskUpdate().
			WithState(analysis.TaskStateFailed).
			WithError(analysis.ErrNoEntityFound.Error())
		if err := c.store.UpdateTask(ctx, parent.TaskID(), upd); err != nil {
			return analysis.JobResponse{}, fmt.Errorf("failed to mark task %s failed: %w", parent.TaskID(), err)
		}
		c.metrics.IncRunsFinalized(ctx, analysis.TaskStateFailed)
		c.publishFinished(ctx, detectorID, parent.TaskID(), analysis.TaskStateFailed, analysis.ErrNoEntityFound.Error())
		span.AddEvent("no_entity_found")
		return analysis.NewOKResponse(parent.TaskID()), nil
	}

	if err := c.cacheMgr.Add(cmd.Detector, parent, entities); err != nil {
		return analysis.JobResponse{}, err
	}
	upd := analysis.NewTaskUpdate().WithState(analysis.TaskStateRunning).WithProgress(0)
	if err := c.store.UpdateTask(ctx, parent.TaskID(), upd); err != nil {
		c.cacheMgr.RemoveDetector(detectorID)
		span.RecordError(err)
		return analysis.JobResponse{}, fmt.Errorf("failed to mark task %s running: %w", parent.TaskID(), err)
	}

	startedEvt := analysis.NewHistoricalTaskStartedEvent(detectorID, parent.TaskID(), len(entities), c.clock.Now())
	if err := c.publisher.PublishDomainEvent(ctx, startedEvt, events.WithKey(detectorID)); err != nil {
		logr.Error(ctx, "Failed to publish task started event", "err", err)
	}

	cache, err := c.cacheMgr.Cache(detectorID)
	if err != nil {
		return analysis.JobResponse{}, err
	}
	c.fillSlots(ctx, cmd.Detector, parent, cache)

	logr.Info(ctx, "Historical analysis started", "entity_count", len(entities))
	span.AddEvent("hc_run_started", trace.WithAttributes(attribute.Int("entity_count", len(entities))))
	span.SetStatus(codes.Ok, "run started")
	return analysis.NewOKResponse(parent.TaskID()), nil
}

// activeRunOnPeer returns a non-terminal run of the detector that another
// node coordinates, or nil.
func (c *Coordinator) activeRunOnPeer(ctx context.Context, detectorID string) (*analysis.Task, error) {
	tasks, err := c.store.ListActiveParentTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	for _, t := range tasks {
		if t.DetectorID() == detectorID && t.Coordinator() != c.nodeID {
			return t, nil
		}
	}
	return nil, nil
}

func (c *Coordinator) startSingleEntity(ctx context.Context, detector analysis.Detector, task *analysis.Task) (analysis.JobResponse, error) {
	logr := c.logger.With("operation", "start_single_entity", "detector_id", detector.ID(), "task_id", task.TaskID())

	if err := c.cacheMgr.Track(detector, task); err != nil {
		return analysis.JobResponse{}, err
	}

	worker, err := c.selector.SelectWorker(ctx, detector.ID())
	if err != nil {
		logr.Warn(ctx, "No worker available for single entity task", "err", err)
		c.postFinished(ctx, detector.ID(), task.WithError(fmt.Sprintf("%s: %v", analysis.ErrMsgNoEligibleNode, err)))
		return analysis.NewOKResponse(task.TaskID()), nil
	}

	upd := analysis.NewTaskUpdate().WithState(analysis.TaskStateRunning)
	if err := c.store.UpdateTask(ctx, task.TaskID(), upd); err != nil {
		c.cacheMgr.RemoveDetector(detector.ID())
		return analysis.JobResponse{}, fmt.Errorf("failed to mark task %s running: %w", task.TaskID(), err)
	}
	if err := c.cacheMgr.AssignWorker(detector.ID(), worker); err != nil {
		return analysis.JobResponse{}, err
	}

	assignment := analysis.EntityAssignment{Detector: detector, Task: task, Coordinator: c.nodeID}
	c.dispatchAsync(ctx, worker, assignment, func(ctx context.Context, derr error) {
		c.postFinished(ctx, detector.ID(), task.WithError(fmt.Sprintf("%s: %v", analysis.ErrMsgDispatchFailed, derr)))
	})

	logr.Info(ctx, "Single entity historical analysis dispatched", "worker", worker)
	return analysis.NewOKResponse(task.TaskID()), nil
}

func (c *Coordinator) nextEntity(ctx context.Context, cmd analysis.NextEntityCommand) (analysis.JobResponse, error) {
	detectorID := cmd.Detector.ID()
	logr := logger.NewLoggerContext(c.logger.With(
		"operation", "next_entity",
		"detector_id", detectorID,
		"task_id", cmd.Task.TaskID(),
	))
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.next_entity",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.String("task_id", cmd.Task.TaskID()),
			attribute.Bool("entity_task", cmd.Task.IsEntityTask()),
		))
	defer span.End()

	entity, isChild := analysis.ResolveCategoryValue(cmd.Detector, cmd.Task)
	if isChild {
		logr.Add("entity", entity)
		state := analysis.TaskStateFinished
		if cmd.Task.HasError() {
			state = analysis.TaskStateFailed
		}
		c.finishChild(ctx, cmd.Task.TaskID(), state, cmd.Task.Error())
	}

	cache, err := c.cacheMgr.Cache(detectorID)
	if err != nil {
		// The run already finished or was cancelled; late reports are accepted without effect.
		logr.Debug(ctx, "Next entity for inactive detector ignored", "err", err)
		span.AddEvent("detector_inactive")
		return analysis.NewOKResponse(cmd.Task.ParentOrSelfID()), nil
	}

	if isChild {
		if ownsRunningSlot(cache, entity, cmd.Task.TaskID()) && cache.MarkRunningDone(entity) {
			c.metrics.AddRunningEntities(ctx, -1)
			cache.Remove(entity)
			cache.RecordOutcome(!cmd.Task.HasError())
		} else {
			span.AddEvent("duplicate_report")
			logr.Debug(ctx, "Entity was not running, report treated as duplicate")
		}
	}

	return c.advance(ctx, cmd.Detector, cache, analysis.RunOutcome{
		LastReportEntity: cmd.Task.IsEntityTask(),
		LastReportError:  cmd.Task.Error(),
	})
}

func (c *Coordinator) pushBackEntity(ctx context.Context, cmd analysis.PushBackEntityCommand) (analysis.JobResponse, error) {
	detectorID := cmd.Detector.ID()
	entity := cmd.Task.Entity()
	logr := logger.NewLoggerContext(c.logger.With(
		"operation", "push_back_entity",
		"detector_id", detectorID,
		"task_id", cmd.Task.TaskID(),
		"entity", entity,
	))
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.push_back_entity",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.String("entity", entity),
		))
	defer span.End()

	errMsg := cmd.Task.Error()
	c.finishChild(ctx, cmd.Task.TaskID(), analysis.TaskStateFailed, errMsg)

	cache, err := c.cacheMgr.Cache(detectorID)
	if err != nil {
		logr.Debug(ctx, "Push back for inactive detector ignored", "err", err)
		span.AddEvent("detector_inactive")
		return analysis.NewOKResponse(cmd.Task.ParentOrSelfID()), nil
	}

	if !ownsRunningSlot(cache, entity, cmd.Task.TaskID()) {
		span.AddEvent("duplicate_report")
		logr.Debug(ctx, "Entity was not running, push back treated as duplicate")
	} else {
		c.retryOrRemove(ctx, detectorID, cmd.Task.ParentOrSelfID(), cache, entity, errMsg)
		cache.MarkRunningDone(entity)
	}

	return c.advance(ctx, cmd.Detector, cache, analysis.RunOutcome{
		LastReportEntity: true,
		LastReportError:  errMsg,
	})
}

// retryOrRemove applies the push back rule to a running entity: retryable
// errors below the retry ceiling requeue it, everything else drops it.
func (c *Coordinator) retryOrRemove(
	ctx context.Context,
	detectorID, parentTaskID string,
	cache *EntityTaskCache,
	entity, errMsg string,
) {
	logr := c.logger.With("operation", "retry_or_remove", "detector_id", detectorID, "entity", entity)
	c.metrics.AddRunningEntities(ctx, -1)

	retryable := c.classifier.IsRetryable(errMsg)
	if retryable && !cache.ExceedsRetryLimit(entity, c.cfg.RetryLimit) && !cache.IsCancelled() {
		cache.PushBack(entity)
		c.metrics.IncEntitiesRetried(ctx)
		logr.Info(ctx, "Entity pushed back for retry", "retry_count", cache.RetryCount(entity), "err", errMsg)
		return
	}

	attempts := cache.RetryCount(entity) + 1
	cache.Remove(entity)
	cache.RecordOutcome(false)
	c.metrics.IncEntitiesRemoved(ctx)
	logr.Warn(ctx, "Entity removed from historical run",
		"retryable", retryable,
		"attempts", attempts,
		"err", errMsg,
	)

	failedEvt := analysis.NewEntityTaskFailedEvent(detectorID, parentTaskID, entity, errMsg, attempts, c.clock.Now())
	if err := c.publisher.PublishDomainEvent(ctx, failedEvt, events.WithKey(detectorID)); err != nil {
		logr.Error(ctx, "Failed to publish entity failed event", "err", err)
	}
}

func (c *Coordinator) cancel(ctx context.Context, cmd analysis.CancelCommand) (analysis.JobResponse, error) {
	detectorID := cmd.Detector.ID()
	logr := c.logger.With("operation", "cancel", "detector_id", detectorID, "task_id", cmd.Task.TaskID())
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.cancel",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.String("task_id", cmd.Task.TaskID()),
		))
	defer span.End()

	cache, err := c.cacheMgr.Cache(detectorID)
	if err != nil {
		logr.Debug(ctx, "Cancel for inactive detector acknowledged", "err", err)
		return analysis.NewOKResponse(cmd.Task.TaskID()), nil
	}

	cache.Cancel()
	if cmd.Task.IsEntityTask() {
		if cache.MarkRunningDone(cmd.Task.Entity()) {
			c.metrics.AddRunningEntities(ctx, -1)
			c.finishChild(ctx, cmd.Task.TaskID(), analysis.TaskStateStopped, "")
		}
	} else {
		c.cancelRunningOnWorkers(ctx, detectorID, cache)
	}

	if !cache.HasEntities() || !cmd.Task.IsEntityTask() {
		if _, err := c.finalize(ctx, detectorID, cache, analysis.RunOutcome{Cancelled: true}); err != nil {
			span.RecordError(err)
			return analysis.JobResponse{}, err
		}
	}

	logr.Info(ctx, "Historical analysis cancel accepted")
	span.SetStatus(codes.Ok, "cancel accepted")
	return analysis.NewOKResponse(cmd.Task.TaskID()), nil
}

// cancelRunningOnWorkers notifies every worker running an entity of the
// detector. Workers self-terminate; delivery is best effort.
func (c *Coordinator) cancelRunningOnWorkers(ctx context.Context, detectorID string, cache *EntityTaskCache) {
	for _, entity := range cache.Running() {
		node, taskID, ok := cache.RunningOn(entity)
		if !ok || node == "" {
			continue
		}
		c.finishChild(ctx, taskID, analysis.TaskStateStopped, "")
		c.inflight.Go(func() {
			if err := c.dispatcher.CancelTask(ctx, node, detectorID, taskID); err != nil {
				c.logger.Warn(ctx, "Failed to deliver cancel to worker",
					"detector_id", detectorID,
					"task_id", taskID,
					"worker", node,
					"err", err,
				)
			}
		})
	}
}

func (c *Coordinator) cleanStaleEntities(ctx context.Context, cmd analysis.CleanStaleEntitiesCommand) (analysis.JobResponse, error) {
	detectorID := cmd.DetectorID()
	logr := c.logger.With("operation", "clean_stale_running_entities", "detector_id", detectorID)
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.clean_stale_running_entities",
		trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.StringSlice("entities", cmd.StaleEntities),
		))
	defer span.End()

	respID := detectorID
	if cmd.Task != nil {
		respID = cmd.Task.ParentOrSelfID()
	}

	run, err := c.cacheMgr.run(detectorID)
	if err != nil {
		logr.Debug(ctx, "Stale entity cleanup for inactive detector ignored")
		return analysis.NewOKResponse(respID), nil
	}
	if run.entities == nil {
		return c.cleanStaleSingleEntity(ctx, run, cmd.StaleEntities)
	}
	cache := run.entities

	cleaned := 0
	for _, entity := range cmd.StaleEntities {
		_, taskID, running := cache.RunningOn(entity)
		if !running {
			continue
		}
		c.finishChild(ctx, taskID, analysis.TaskStateFailed, analysis.ErrMsgStaleRunningEntity)
		c.retryOrRemove(ctx, detectorID, run.parent.TaskID(), cache, entity, analysis.ErrMsgStaleRunningEntity)
		cache.MarkRunningDone(entity)
		cleaned++
	}
	c.metrics.IncStaleEntitiesCleaned(ctx, cleaned)
	span.SetAttributes(attribute.Int("cleaned", cleaned))

	if cleaned == 0 {
		return analysis.NewOKResponse(respID), nil
	}
	logr.Info(ctx, "Stale running entities cleaned", "count", cleaned)

	if _, err := c.advance(ctx, run.detector, cache, analysis.RunOutcome{LastReportEntity: true}); err != nil {
		span.RecordError(err)
		return analysis.JobResponse{}, err
	}
	return analysis.NewOKResponse(respID), nil
}

// cleanStaleSingleEntity fails a single-entity run whose worker no longer
// executes it. Such runs appear in RunningEntities with an empty entity.
func (c *Coordinator) cleanStaleSingleEntity(ctx context.Context, run *detectorRun, stale []string) (analysis.JobResponse, error) {
	detectorID := run.detector.ID()
	respID := run.parent.TaskID()
	if run.worker == "" || !slices.Contains(stale, "") {
		return analysis.NewOKResponse(respID), nil
	}

	worker, taskID := run.worker, run.parent.TaskID()
	c.inflight.Go(func() {
		if err := c.dispatcher.CancelTask(context.WithoutCancel(ctx), worker, detectorID, taskID); err != nil {
			c.logger.Debug(ctx, "Cancel of stale single entity task not delivered", "worker", worker, "err", err)
		}
	})

	c.metrics.IncStaleEntitiesCleaned(ctx, 1)
	c.logger.Warn(ctx, "Stale single entity run failed", "detector_id", detectorID, "task_id", taskID, "worker", worker)
	return c.finished(ctx, analysis.FinishedCommand{
		ID:   detectorID,
		Task: run.parent.WithError(analysis.ErrMsgStaleRunningEntity),
	})
}

func (c *Coordinator) finished(ctx context.Context, cmd analysis.FinishedCommand) (analysis.JobResponse, error) {
	detectorID := cmd.DetectorID()
	logr := c.logger.With("operation", "finished", "detector_id", detectorID)
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.finished",
		trace.WithAttributes(attribute.String("detector_id", detectorID)))
	defer span.End()

	respID := detectorID
	if cmd.Task != nil {
		respID = cmd.Task.TaskID()
	}

	run, err := c.cacheMgr.run(detectorID)
	if err != nil {
		logr.Debug(ctx, "Finished for inactive detector acknowledged")
		return analysis.NewOKResponse(respID), nil
	}

	state, errMsg := analysis.TaskStateFinished, ""
	if cmd.Task != nil && cmd.Task.HasError() {
		state, errMsg = analysis.TaskStateFailed, cmd.Task.Error()
	}

	upd := analysis.NewTaskUpdate().WithState(state).WithError(errMsg)
	if state == analysis.TaskStateFinished {
		upd = upd.WithProgress(1)
	}
	if err := c.store.UpdateTask(ctx, run.parent.TaskID(), upd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist terminal state")
		return analysis.JobResponse{}, fmt.Errorf("failed to persist terminal state for task %s: %w", run.parent.TaskID(), err)
	}

	if run.entities != nil {
		c.metrics.AddRunningEntities(ctx, -run.entities.RunningCount())
	}
	c.cacheMgr.RemoveDetector(detectorID)
	c.metrics.IncRunsFinalized(ctx, state)
	c.publishFinished(ctx, detectorID, run.parent.TaskID(), state, errMsg)

	logr.Info(ctx, "Historical analysis finished", "state", state)
	return analysis.NewOKResponse(respID), nil
}

// advance either finalizes a drained run or refills its running slots and
// records progress on the parent task.
func (c *Coordinator) advance(
	ctx context.Context,
	detector analysis.Detector,
	cache *EntityTaskCache,
	outcome analysis.RunOutcome,
) (analysis.JobResponse, error) {
	run, err := c.cacheMgr.run(detector.ID())
	if err != nil {
		return analysis.JobResponse{}, err
	}
	parentID := run.parent.TaskID()

	if !cache.HasEntities() {
		if _, err := c.finalize(ctx, detector.ID(), cache, outcome); err != nil {
			return analysis.JobResponse{}, err
		}
		return analysis.NewOKResponse(parentID), nil
	}

	if !cache.IsCancelled() {
		c.fillSlots(ctx, detector, run.parent, cache)
	}

	upd := analysis.NewTaskUpdate().
		WithState(analysis.TaskStateRunning).
		WithProgress(cache.Progress()).
		WithError(outcome.LastReportError)
	if err := c.store.UpdateTask(ctx, parentID, upd); err != nil {
		// Progress is advisory; the next report rewrites it.
		c.logger.Warn(ctx, "Failed to update parent task progress",
			"detector_id", detector.ID(),
			"task_id", parentID,
			"err", err,
		)
	}
	return analysis.NewOKResponse(parentID), nil
}

// finalize persists the run's terminal state and only then discards its cache.
func (c *Coordinator) finalize(
	ctx context.Context,
	detectorID string,
	cache *EntityTaskCache,
	outcome analysis.RunOutcome,
) (analysis.TaskState, error) {
	ctx, span := c.tracer.Start(ctx, "analysis_coordinator.finalize",
		trace.WithAttributes(attribute.String("detector_id", detectorID)))
	defer span.End()

	run, err := c.cacheMgr.run(detectorID)
	if err != nil {
		return "", err
	}
	parentID := run.parent.TaskID()

	outcome.Cancelled = outcome.Cancelled || cache.IsCancelled()
	outcome.Succeeded, outcome.Failed = cache.Outcomes()
	state := c.cfg.FinalizePolicy.TerminalState(outcome)

	progress := cache.Progress()
	if state == analysis.TaskStateFinished {
		progress = 1
	}
	upd := analysis.NewTaskUpdate().
		WithState(state).
		WithProgress(progress).
		WithError(outcome.LastReportError)
	if err := c.store.UpdateTask(ctx, parentID, upd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist terminal state")
		return "", fmt.Errorf("failed to persist terminal state %s for task %s: %w", state, parentID, err)
	}

	c.metrics.AddRunningEntities(ctx, -cache.RunningCount())
	c.cacheMgr.RemoveDetector(detectorID)
	c.metrics.IncRunsFinalized(ctx, state)
	c.publishFinished(ctx, detectorID, parentID, state, outcome.LastReportError)

	c.logger.Info(ctx, "Historical analysis finalized",
		"detector_id", detectorID,
		"task_id", parentID,
		"state", state,
		"succeeded", outcome.Succeeded,
		"failed", outcome.Failed,
	)
	span.SetAttributes(attribute.String("state", state.String()))
	span.SetStatus(codes.Ok, "run finalized")
	return state, nil
}

// fillSlots dequeues entities until the run holds MaxRunningEntities running.
func (c *Coordinator) fillSlots(ctx context.Context, detector analysis.Detector, parent *analysis.Task, cache *EntityTaskCache) {
	for cache.RunningCount() < c.cfg.MaxRunningEntities {
		entity, ok := cache.DequeueNext()
		if !ok {
			return
		}
		c.metrics.AddRunningEntities(ctx, 1)
		c.dispatchEntity(ctx, detector, parent, cache, entity)
	}
}

// dispatchEntity creates the child task record and hands it to a worker
// asynchronously. Any failure to get the task onto a worker comes back through
// the detector queue as a retryable push back.
func (c *Coordinator) dispatchEntity(
	ctx context.Context,
	detector analysis.Detector,
	parent *analysis.Task,
	cache *EntityTaskCache,
	entity string,
) {
	logr := c.logger.With("operation", "dispatch_entity", "detector_id", detector.ID(), "entity", entity)
	now := c.clock.Now()

	worker, err := c.selector.SelectWorker(ctx, detector.ID())
	if err != nil {
		child := analysis.NewEntityTask(parent, entity, "", now)
		logr.Warn(ctx, "No worker available for entity", "err", err)
		c.postPushBack(ctx, detector, child.WithError(fmt.Sprintf("%s: %v", analysis.ErrMsgNoEligibleNode, err)))
		return
	}

	child := analysis.NewEntityTask(parent, entity, worker, now)
	cache.AssignRunning(entity, worker, child.TaskID())

	if err := c.persistChild(ctx, child, now); err != nil {
		logr.Warn(ctx, "Failed to persist entity task", "err", err)
		c.postPushBack(ctx, detector, child.WithError(fmt.Sprintf("%s: %v", analysis.ErrMsgDispatchFailed, err)))
		return
	}

	assignment := analysis.EntityAssignment{Detector: detector, Task: child, Coordinator: c.nodeID}
	c.dispatchAsync(ctx, worker, assignment, func(ctx context.Context, derr error) {
		c.postPushBack(ctx, detector, child.WithError(fmt.Sprintf("%s: %v", analysis.ErrMsgDispatchFailed, derr)))
	})
	c.metrics.IncEntitiesDispatched(ctx)
}

func (c *Coordinator) persistChild(ctx context.Context, child *analysis.Task, now time.Time) error {
	if err := child.Apply(analysis.NewTaskUpdate().WithState(analysis.TaskStateInit), now); err != nil {
		return err
	}
	if err := c.store.CreateTask(ctx, child); err != nil {
		return err
	}
	return c.store.UpdateTask(ctx, child.TaskID(), analysis.NewTaskUpdate().WithState(analysis.TaskStateRunning))
}

// dispatchAsync sends the assignment off the serialized path. onFailure runs
// when delivery fails.
func (c *Coordinator) dispatchAsync(
	ctx context.Context,
	worker string,
	assignment analysis.EntityAssignment,
	onFailure func(ctx context.Context, err error),
) {
	ctx = context.WithoutCancel(ctx)
	c.inflight.Go(func() {
		ctx, span := c.tracer.Start(ctx, "analysis_coordinator.dispatch",
			trace.WithAttributes(
				attribute.String("detector_id", assignment.Detector.ID()),
				attribute.String("task_id", assignment.Task.TaskID()),
				attribute.String("worker", worker),
			))
		defer span.End()

		start := c.clock.Now()
		err := c.limiter.Wait(ctx)
		if err == nil {
			err = c.dispatcher.RunTask(ctx, worker, assignment)
		}
		c.metrics.ObserveDispatchLatency(ctx, c.clock.Since(start))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			c.logger.Warn(ctx, "Dispatch to worker failed",
				"detector_id", assignment.Detector.ID(),
				"task_id", assignment.Task.TaskID(),
				"worker", worker,
				"err", err,
			)
			onFailure(ctx, err)
			return
		}
		span.SetStatus(codes.Ok, "dispatched")
	})
}

func (c *Coordinator) postPushBack(ctx context.Context, detector analysis.Detector, task *analysis.Task) {
	err := c.queue.Post(ctx, detector.ID(), func(ctx context.Context) {
		cmd := analysis.PushBackEntityCommand{Detector: detector, Task: task}
		if _, err := c.pushBackEntity(ctx, cmd); err != nil {
			c.logger.Error(ctx, "Failed to push back entity after dispatch failure",
				"detector_id", detector.ID(),
				"entity", task.Entity(),
				"err", err,
			)
		}
	})
	if err != nil {
		c.logger.Error(ctx, "Failed to queue push back", "detector_id", detector.ID(), "err", err)
	}
}

func (c *Coordinator) postFinished(ctx context.Context, detectorID string, task *analysis.Task) {
	err := c.queue.Post(ctx, detectorID, func(ctx context.Context) {
		if _, err := c.finished(ctx, analysis.FinishedCommand{ID: detectorID, Task: task}); err != nil {
			c.logger.Error(ctx, "Failed to finish task after dispatch failure",
				"detector_id", detectorID,
				"task_id", task.TaskID(),
				"err", err,
			)
		}
	})
	if err != nil {
		c.logger.Error(ctx, "Failed to queue finish", "detector_id", detectorID, "err", err)
	}
}

// ownsRunningSlot reports whether the entity is running under the given task.
// Reports from an earlier attempt of a re-dispatched entity do not match.
func ownsRunningSlot(cache *EntityTaskCache, entity, taskID string) bool {
	_, runningTaskID, ok := cache.RunningOn(entity)
	if !ok {
		return false
	}
	return runningTaskID == "" || runningTaskID == taskID
}

// finishChild records an entity task's terminal state. Child records are
// informational, so failures are logged rather than returned.
func (c *Coordinator) finishChild(ctx context.Context, taskID string, state analysis.TaskState, errMsg string) {
	if taskID == "" {
		return
	}
	upd := analysis.NewTaskUpdate().WithState(state).WithError(errMsg)
	if err := c.store.UpdateTask(ctx, taskID, upd); err != nil && !errors.Is(err, analysis.ErrTaskNotFound) {
		c.logger.Warn(ctx, "Failed to record entity task state",
			"task_id", taskID,
			"state", state,
			"err", err,
		)
	}
}

func (c *Coordinator) publishFinished(ctx context.Context, detectorID, taskID string, state analysis.TaskState, errMsg string) {
	evt := analysis.NewHistoricalTaskFinishedEvent(detectorID, taskID, state, errMsg, c.clock.Now())
	if err := c.publisher.PublishDomainEvent(ctx, evt, events.WithKey(detectorID)); err != nil {
		c.logger.Error(ctx, "Failed to publish task finished event",
			"detector_id", detectorID,
			"task_id", taskID,
			"err", err,
		)
	}
}

// RunningEntities snapshots the entities this node believes are running.
func (c *Coordinator) RunningEntities() []analysis.RunningEntity {
	return c.cacheMgr.RunningEntities()
}

// Stop drains queued detector work and waits for in-flight dispatches.
func (c *Coordinator) Stop() {
	c.queue.Close()
	c.inflight.Wait()
}

// inflightTracker counts asynchronous sends spawned off the serialized path.
type inflightTracker struct {
	wg sync.WaitGroup
	n  atomic.Int64
}

func (t *inflightTracker) Go(fn func()) {
	t.n.Add(1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.n.Add(-1)
		fn()
	}()
}

func (t *inflightTracker) Len() int64 { return t.n.Load() }

func (t *inflightTracker) Wait() { t.wg.Wait() }

// IsActive reports whether the detector has a run on this node.
func (c *Coordinator) IsActive(detectorID string) bool {
	return c.cacheMgr.IsActive(detectorID)
}
