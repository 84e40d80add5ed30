package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// ErrMsgCoordinatorLost is recorded on runs whose coordinating node lost its
// in-memory state.
const ErrMsgCoordinatorLost = "coordinating node lost run state"

// runCoordinator is the slice of the Coordinator the reconciler drives.
type runCoordinator interface {
	NodeID() string
	IsActive(detectorID string) bool
	RunningEntities() []analysis.RunningEntity
	Handle(ctx context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error)
}

// StaleEntityReconciler periodically compares the entities the local
// coordinator believes are running against what workers report, and repairs
// entities no worker is executing. Every coordinating node reconciles its own
// runs. The leader additionally fails runs whose coordinator is gone.
type StaleEntityReconciler struct {
	coordinator runCoordinator
	dispatcher  analysis.Dispatcher
	selector    analysis.WorkerSelector
	store       analysis.TaskStore

	// interval controls how often reconciliation runs.
	interval time.Duration
	// threshold is how long an entity must have been running before it can be stale.
	threshold time.Duration

	leading atomic.Bool

	// cancel allows graceful shutdown of background goroutines.
	cancel context.CancelCauseFunc
	done   chan struct{}
	clock  clockwork.Clock

	tracer trace.Tracer
	logger *logger.Logger
}

// NewStaleEntityReconciler creates a reconciler. Orphan recovery for other
// nodes stays idle until OnLeadershipChange reports this node as leader.
func NewStaleEntityReconciler(
	coordinator runCoordinator,
	dispatcher analysis.Dispatcher,
	selector analysis.WorkerSelector,
	store analysis.TaskStore,
	interval, threshold time.Duration,
	clock clockwork.Clock,
	tracer trace.Tracer,
	logger *logger.Logger,
) *StaleEntityReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StaleEntityReconciler{
		coordinator: coordinator,
		dispatcher:  dispatcher,
		selector:    selector,
		store:       store,
		interval:    interval,
		threshold:   threshold,
		clock:       clock,
		tracer:      tracer,
		logger:      logger.With("component", "stale_entity_reconciler"),
	}
}

// OnLeadershipChange enables or disables cluster-wide orphan recovery.
// Gaining leadership runs one recovery pass immediately.
func (r *StaleEntityReconciler) OnLeadershipChange(ctx context.Context, isLeader bool) {
	was := r.leading.Swap(isLeader)
	r.logger.Info(ctx, "Leadership changed", "is_leader", isLeader)
	if isLeader && !was {
		if err := r.RecoverOrphanedRuns(ctx); err != nil {
			r.logger.Error(ctx, "Orphaned run recovery failed", "err", err)
		}
	}
}

// Start fails runs this node coordinated before a restart and launches the
// reconciliation loop. It must run before the node accepts requests.
func (r *StaleEntityReconciler) Start(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "stale_entity_reconciler.start",
		trace.WithAttributes(
			attribute.String("interval", r.interval.String()),
			attribute.String("threshold", r.threshold.String()),
		))
	defer span.End()

	if err := r.RecoverOwnRuns(ctx); err != nil {
		span.RecordError(err)
		r.logger.Error(ctx, "Recovery of runs lost on restart failed", "err", err)
	}

	ctx, r.cancel = context.WithCancelCause(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				r.ReconcileOnce(ctx)
				if r.leading.Load() {
					if err := r.RecoverOrphanedRuns(ctx); err != nil {
						r.logger.Error(ctx, "Orphaned run recovery failed", "err", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	span.AddEvent("reconcile_loop_started")
}

// ReconcileOnce runs a single reconciliation pass over this node's runs.
func (r *StaleEntityReconciler) ReconcileOnce(ctx context.Context) {
	logr := r.logger.With("operation", "reconcile", "threshold", r.threshold)
	ctx, span := r.tracer.Start(ctx, "stale_entity_reconciler.reconcile")
	defer span.End()

	running := r.coordinator.RunningEntities()
	if len(running) == 0 {
		return
	}

	var profiles []analysis.TaskProfile
	for _, node := range r.selector.Workers() {
		p, err := r.dispatcher.Profile(ctx, node)
		if err != nil {
			// An unreachable worker may still be running entities; skip this round.
			logr.Warn(ctx, "Worker profile unavailable, skipping reconciliation", "worker", node, "err", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "profile unavailable")
			return
		}
		profiles = append(profiles, p...)
	}

	cutoff := r.clock.Now().Add(-r.threshold)
	stale := analysis.FindStaleEntities(running, profiles, cutoff)
	span.SetAttributes(attribute.Int("stale_detectors", len(stale)))

	for detectorID, entities := range stale {
		logr.Warn(ctx, "Stale running entities detected", "detector_id", detectorID, "entities", entities)
		req := analysis.NewCleanStaleRequest(detectorID, entities)
		if _, err := r.coordinator.Handle(ctx, req); err != nil {
			logr.Error(ctx, "Stale entity cleanup failed", "detector_id", detectorID, "err", err)
			span.RecordError(err)
			continue
		}
		span.AddEvent("stale_entities_cleaned", trace.WithAttributes(
			attribute.String("detector_id", detectorID),
			attribute.Int("count", len(entities)),
		))
	}
	span.SetStatus(codes.Ok, "reconciliation completed")
}

// RecoverOwnRuns fails every non-terminal parent task recorded for this
// node that has no in-memory run. After a restart those runs can never make
// progress because their entity cache is gone.
func (r *StaleEntityReconciler) RecoverOwnRuns(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "stale_entity_reconciler.recover_own_runs")
	defer span.End()

	tasks, err := r.store.ListActiveParentTasks(ctx, r.coordinator.NodeID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active tasks")
		return fmt.Errorf("failed to list active parent tasks: %w", err)
	}

	var errs []error
	recovered := 0
	for _, t := range tasks {
		if r.coordinator.IsActive(t.DetectorID()) {
			continue
		}
		if err := r.failOrphan(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	span.SetAttributes(attribute.Int("recovered", recovered))
	return errors.Join(errs...)
}

// RecoverOrphanedRuns fails non-terminal parent tasks whose coordinating
// node is unreachable, plus this node's own runs that have no in-memory
// state. Runs owned by a reachable peer are left to that peer. Runs touched
// within the threshold are skipped since they may still be starting.
func (r *StaleEntityReconciler) RecoverOrphanedRuns(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "stale_entity_reconciler.recover_orphaned_runs")
	defer span.End()

	tasks, err := r.store.ListActiveParentTasks(ctx, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active tasks")
		return fmt.Errorf("failed to list active parent tasks: %w", err)
	}

	cutoff := r.clock.Now().Add(-r.threshold)
	self := r.coordinator.NodeID()
	reachable := make(map[string]bool)

	var errs []error
	recovered := 0
	for _, t := range tasks {
		if t.UpdatedAt().After(cutoff) {
			continue
		}
		owner := t.Coordinator()
		if owner == self {
			if r.coordinator.IsActive(t.DetectorID()) {
				continue
			}
		} else if owner != "" {
			up, seen := reachable[owner]
			if !seen {
				perr := r.dispatcher.Ping(ctx, owner)
				up = perr == nil
				reachable[owner] = up
				if perr != nil {
					r.logger.Warn(ctx, "Coordinating node unreachable", "node", owner, "err", perr)
				}
			}
			if up {
				continue
			}
		}

		if err := r.failOrphan(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	span.SetAttributes(attribute.Int("recovered", recovered))
	return errors.Join(errs...)
}

func (r *StaleEntityReconciler) failOrphan(ctx context.Context, t *analysis.Task) error {
	upd := analysis.NewTaskUpdate().
		WithState(analysis.TaskStateFailed).
		WithError(ErrMsgCoordinatorLost)
	if err := r.store.UpdateTask(ctx, t.TaskID(), upd); err != nil {
		return fmt.Errorf("task %s: %w", t.TaskID(), err)
	}
	r.logger.Warn(ctx, "Orphaned historical run failed",
		"detector_id", t.DetectorID(),
		"task_id", t.TaskID(),
		"previous_coordinator", t.Coordinator(),
	)
	return nil
}

// Stop signals the background loop to terminate and waits for it.
func (r *StaleEntityReconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel(errors.New("stale entity reconciler stopped"))
	<-r.done
	r.logger.Info(context.Background(), "Stale entity reconciler stopped")
}
