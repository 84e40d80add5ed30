package analysis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// fakeRunner implements analysis.AnalysisRunner. When block is set every run
// waits for release or cancellation.
type fakeRunner struct {
	block   chan struct{}
	err     error
	started chan string
}

func (r *fakeRunner) Run(ctx context.Context, _ analysis.Detector, task *analysis.Task) (analysis.RunResult, error) {
	if r.started != nil {
		r.started <- task.TaskID()
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return analysis.RunResult{}, ctx.Err()
		}
	}
	if r.err != nil {
		return analysis.RunResult{}, r.err
	}
	return analysis.RunResult{AnomalyCount: 2}, nil
}

func newTestWorker(t *testing.T, cfg WorkerConfig, runner analysis.AnalysisRunner, reporter analysis.Dispatcher) *EntityWorker {
	t.Helper()
	if cfg.ReportBackoff == 0 {
		cfg.ReportBackoff = time.Millisecond
	}
	w := NewEntityWorker(
		"node-b",
		cfg,
		runner,
		reporter,
		clockwork.NewFakeClockAt(analysisTime),
		newTestMetrics(t),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	w.Start(context.Background())
	return w
}

func entityAssignment(entity string) analysis.EntityAssignment {
	dr, _ := analysis.NewDetectionDateRange(analysisTime.Add(-time.Hour), analysisTime)
	parent := analysis.NewParentTask(hcDetector.ID(), dr, "node-a", analysisTime)
	return analysis.EntityAssignment{
		Detector:    hcDetector,
		Task:        analysis.NewEntityTask(parent, entity, "node-b", analysisTime),
		Coordinator: "node-a",
	}
}

func (d *fakeDispatcher) forwarded() []analysis.ForwardRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]analysis.ForwardRequest(nil), d.forwards...)
}

func TestEntityWorker_ReportsOutcome(t *testing.T) {
	t.Parallel()

	dr, err := analysis.NewDetectionDateRange(analysisTime.Add(-time.Hour), analysisTime)
	require.NoError(t, err)
	single := analysis.EntityAssignment{
		Detector:    singleDetector,
		Task:        analysis.NewParentTask(singleDetector.ID(), dr, "node-a", analysisTime),
		Coordinator: "node-a",
	}

	tests := []struct {
		name       string
		assignment analysis.EntityAssignment
		runErr     error
		wantAction analysis.Action
		wantError  string
	}{
		{name: "entity success", assignment: entityAssignment("e1"), wantAction: analysis.ActionNextEntity},
		{name: "entity failure", assignment: entityAssignment("e1"), runErr: errBoom, wantAction: analysis.ActionPushBackEntity, wantError: "boom"},
		{name: "single entity success", assignment: single, wantAction: analysis.ActionFinished},
		{name: "single entity failure", assignment: single, runErr: errBoom, wantAction: analysis.ActionFinished, wantError: "boom"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reporter := newFakeDispatcher()
			w := newTestWorker(t, WorkerConfig{}, &fakeRunner{err: tt.runErr}, reporter)

			require.NoError(t, w.RunTask(context.Background(), tt.assignment))
			require.Eventually(t, func() bool { return len(reporter.forwarded()) == 1 }, time.Second, time.Millisecond)

			req := reporter.forwarded()[0]
			assert.Equal(t, tt.wantAction, req.Action)
			assert.Equal(t, tt.assignment.Task.TaskID(), req.Task.TaskID())
			assert.Equal(t, tt.wantError, req.Task.Error())
			_, err := req.ToCommand()
			assert.NoError(t, err)
		})
	}
}

func TestEntityWorker_RejectsOverCapacity(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: make(chan struct{})}
	w := newTestWorker(t, WorkerConfig{MaxConcurrentTasks: 1}, runner, newFakeDispatcher())
	defer close(runner.block)

	require.NoError(t, w.RunTask(context.Background(), entityAssignment("e1")))

	err := w.RunTask(context.Background(), entityAssignment("e2"))
	require.Error(t, err)
	assert.True(t, analysis.NewRetryClassifier(nil).IsRetryable(err.Error()))
}

func TestEntityWorker_CancelDoesNotReport(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 1)}
	reporter := newFakeDispatcher()
	w := newTestWorker(t, WorkerConfig{}, runner, reporter)

	a := entityAssignment("e1")
	require.NoError(t, w.RunTask(context.Background(), a))
	<-runner.started

	profiles, err := w.Profile(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "e1", profiles[0].Entity())
	assert.Equal(t, "node-b", profiles[0].NodeID())

	require.NoError(t, w.CancelTask(context.Background(), hcDetector.ID(), a.Task.TaskID()))
	require.Eventually(t, func() bool {
		p, _ := w.Profile(context.Background())
		return len(p) == 0
	}, time.Second, time.Millisecond)

	w.Stop()
	assert.Empty(t, reporter.forwarded())

	// Cancelling an unknown execution is not an error.
	assert.NoError(t, w.CancelTask(context.Background(), hcDetector.ID(), "gone"))
}

func TestEntityWorker_StopReportsRetryableFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 1)}
	reporter := newFakeDispatcher()
	w := newTestWorker(t, WorkerConfig{}, runner, reporter)

	require.NoError(t, w.RunTask(context.Background(), entityAssignment("e1")))
	<-runner.started
	w.Stop()

	fwd := reporter.forwarded()
	require.Len(t, fwd, 1)
	assert.Equal(t, analysis.ActionPushBackEntity, fwd[0].Action)
	assert.True(t, analysis.NewRetryClassifier(nil).IsRetryable(fwd[0].Task.Error()))

	assert.Error(t, w.RunTask(context.Background(), entityAssignment("e2")))
}

func TestEntityWorker_ReportRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failWith  error
		failTimes int32
		wantCalls int32
	}{
		{name: "transient failures are retried", failWith: errBoom, failTimes: 2, wantCalls: 3},
		{name: "rejected reports are not retried", failWith: &analysis.ValidationError{Field: "task", Reason: "must be set"}, failTimes: 10, wantCalls: 1},
		{name: "attempts are bounded", failWith: errBoom, failTimes: 10, wantCalls: 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			reporter := newFakeDispatcher()
			reporter.forwardFunc = func(string, analysis.ForwardRequest) (analysis.JobResponse, error) {
				if calls.Add(1) <= tt.failTimes {
					return analysis.JobResponse{}, tt.failWith
				}
				return analysis.NewOKResponse("ok"), nil
			}

			w := newTestWorker(t, WorkerConfig{ReportAttempts: 3}, &fakeRunner{}, reporter)
			require.NoError(t, w.RunTask(context.Background(), entityAssignment("e1")))
			w.Stop()

			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}
