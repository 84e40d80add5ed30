package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/infra/storage"
)

// Ensure taskStore implements analysis.TaskStore at compile time.
var _ analysis.TaskStore = (*taskStore)(nil)

const (
	taskColumns = `task_id::text, detector_id, COALESCE(parent_task_id::text, ''), entity, state,
		progress, error, start_time, end_time, coordinator, worker_node, created_at, updated_at`

	insertTaskSQL = `INSERT INTO analysis_tasks (
		task_id, detector_id, parent_task_id, entity, state, progress, error,
		start_time, end_time, coordinator, worker_node, created_at, updated_at
	) VALUES ($1::uuid, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	selectTaskSQL = `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE task_id = $1::uuid`

	selectTaskForUpdateSQL = selectTaskSQL + ` FOR UPDATE`

	updateTaskSQL = `UPDATE analysis_tasks
		SET state = $2, progress = $3, error = $4, updated_at = $5
		WHERE task_id = $1::uuid`

	listActiveParentsSQL = `SELECT ` + taskColumns + ` FROM analysis_tasks
		WHERE parent_task_id IS NULL
		  AND state IN ('CREATED', 'INIT', 'RUNNING')
		  AND ($1 = '' OR coordinator = $1)
		ORDER BY created_at`
)

// taskStore implements analysis.TaskStore on top of Postgres. Partial updates
// run inside a row-locking transaction so the domain transition rules are
// checked against the committed state.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	now    func() time.Time
}

// NewTaskStore creates a TaskStore backed by PostgreSQL.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer, now: time.Now}
}

// CreateTask inserts a new task record.
func (s *taskStore) CreateTask(ctx context.Context, task *analysis.Task) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("task_id", task.TaskID()),
		attribute.String("detector_id", task.DetectorID()),
		attribute.String("state", task.State().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_analysis_task", dbAttrs, func(ctx context.Context) error {
		dr := task.DateRange()
		_, err := s.pool.Exec(ctx, insertTaskSQL,
			task.TaskID(),
			task.DetectorID(),
			task.ParentTaskID(),
			task.Entity(),
			task.State().String(),
			task.Progress(),
			task.Error(),
			dr.StartTime(),
			dr.EndTime(),
			task.Coordinator(),
			task.WorkerNode(),
			task.CreatedAt(),
			task.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("insert analysis task error: %w", err)
		}
		return nil
	})
}

// UpdateTask applies a partial update. The current row is locked, the update
// is validated by the domain task, and the result is written back.
func (s *taskStore) UpdateTask(ctx context.Context, taskID string, upd analysis.TaskUpdate) error {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("task_id", taskID))
	if upd.State != nil {
		dbAttrs = append(dbAttrs, attribute.String("state", upd.State.String()))
	}

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_analysis_task", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			task, err := scanTask(tx.QueryRow(ctx, selectTaskForUpdateSQL, taskID))
			if err != nil {
				return err
			}

			if err := task.Apply(upd, s.now().UTC()); err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}

			_, err = tx.Exec(ctx, updateTaskSQL,
				taskID,
				task.State().String(),
				task.Progress(),
				task.Error(),
				task.UpdatedAt(),
			)
			if err != nil {
				return fmt.Errorf("update analysis task error: %w", err)
			}
			return nil
		})
	})
}

// GetTask fetches a task by id.
func (s *taskStore) GetTask(ctx context.Context, taskID string) (*analysis.Task, error) {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("task_id", taskID))

	var task *analysis.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_analysis_task", dbAttrs, func(ctx context.Context) error {
		var err error
		task, err = scanTask(s.pool.QueryRow(ctx, selectTaskSQL, taskID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListActiveParentTasks returns non-terminal parent tasks, optionally for a
// single coordinating node.
func (s *taskStore) ListActiveParentTasks(ctx context.Context, coordinator string) ([]*analysis.Task, error) {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("coordinator", coordinator))

	var tasks []*analysis.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_active_parent_tasks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, listActiveParentsSQL, coordinator)
		if err != nil {
			return fmt.Errorf("list active parent tasks query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*analysis.Task, error) {
	var (
		taskID, detectorID, parentTaskID, entity string
		state, errMsg, coordinator, workerNode   string
		progress                                 float64
		start, end, createdAt, updatedAt         time.Time
	)
	err := row.Scan(
		&taskID, &detectorID, &parentTaskID, &entity, &state,
		&progress, &errMsg, &start, &end, &coordinator, &workerNode, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, analysis.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan analysis task error: %w", err)
	}

	taskState := analysis.ParseTaskState(state)
	if taskState == analysis.TaskStateUnspecified {
		return nil, fmt.Errorf("stored task %s: %w: %s", taskID, analysis.ErrTaskStateUnknown, state)
	}
	dr, err := analysis.NewDetectionDateRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("stored task %s: %w", taskID, err)
	}

	return analysis.ReconstructTask(
		taskID,
		detectorID,
		parentTaskID,
		entity,
		taskState,
		progress,
		errMsg,
		dr,
		coordinator,
		workerNode,
		createdAt.UTC(),
		updatedAt.UTC(),
	), nil
}
