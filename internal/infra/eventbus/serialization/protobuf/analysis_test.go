package protobuf

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	serializationerrors "github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/errors"
)

var (
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testEnd   = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
)

func testRange(t *testing.T) analysis.DetectionDateRange {
	t.Helper()
	r, err := analysis.NewDetectionDateRange(testStart, testEnd)
	require.NoError(t, err)
	return r
}

func TestTaskStructRoundTrip(t *testing.T) {
	t.Parallel()

	parent := analysis.NewParentTask("det-1", testRange(t), "node-a", testStart)
	child := analysis.NewEntityTask(parent, "host-1", "node-b", testStart.Add(time.Minute))

	for _, task := range []*analysis.Task{parent, child.WithError("timeout")} {
		got, err := StructToTask(TaskToStruct(task))
		require.NoError(t, err)

		assert.Equal(t, task.TaskID(), got.TaskID())
		assert.Equal(t, task.ParentTaskID(), got.ParentTaskID())
		assert.Equal(t, task.Entity(), got.Entity())
		assert.Equal(t, task.State(), got.State())
		assert.Equal(t, task.Error(), got.Error())
		assert.Equal(t, task.Coordinator(), got.Coordinator())
		assert.Equal(t, task.WorkerNode(), got.WorkerNode())
		assert.True(t, task.DateRange().StartTime().Equal(got.DateRange().StartTime()))
		assert.True(t, task.DateRange().EndTime().Equal(got.DateRange().EndTime()))
		assert.True(t, task.CreatedAt().Equal(got.CreatedAt()))
	}
}

func TestStructToTaskErrors(t *testing.T) {
	t.Parallel()

	valid := func() *structpb.Struct {
		task := analysis.NewParentTask("det-1", testRange(t), "node-a", testStart)
		return TaskToStruct(task)
	}

	tests := []struct {
		name   string
		mutate func(s *structpb.Struct)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "invalid task id",
			mutate: func(s *structpb.Struct) { s.Fields["task_id"] = structpb.NewStringValue("nope") },
			check: func(t *testing.T, err error) {
				var uerr serializationerrors.ErrInvalidUUID
				assert.ErrorAs(t, err, &uerr)
				assert.Equal(t, "task_id", uerr.Field)
			},
		},
		{
			name:   "invalid parent id",
			mutate: func(s *structpb.Struct) { s.Fields["parent_task_id"] = structpb.NewStringValue("nope") },
			check: func(t *testing.T, err error) {
				var uerr serializationerrors.ErrInvalidUUID
				assert.ErrorAs(t, err, &uerr)
				assert.Equal(t, "parent_task_id", uerr.Field)
			},
		},
		{
			name:   "unknown state",
			mutate: func(s *structpb.Struct) { s.Fields["state"] = structpb.NewStringValue("PAUSED") },
			check: func(t *testing.T, err error) {
				var serr serializationerrors.ErrInvalidTaskState
				assert.ErrorAs(t, err, &serr)
			},
		},
		{
			name:   "missing detector",
			mutate: func(s *structpb.Struct) { delete(s.Fields, "detector_id") },
			check: func(t *testing.T, err error) {
				var merr serializationerrors.ErrMissingField
				assert.ErrorAs(t, err, &merr)
			},
		},
		{
			name: "inverted date range",
			mutate: func(s *structpb.Struct) {
				s.Fields["date_range"] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
					"start_time": structpb.NewNumberValue(float64(testEnd.UnixMilli())),
					"end_time":   structpb.NewNumberValue(float64(testStart.UnixMilli())),
				}})
			},
			check: func(t *testing.T, err error) {
				var verr *analysis.ValidationError
				assert.ErrorAs(t, err, &verr)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := valid()
			tt.mutate(s)
			_, err := StructToTask(s)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestForwardRequestRoundTrip(t *testing.T) {
	t.Parallel()

	detector := analysis.NewDetector("det-1", "latency", "host")
	dr := testRange(t)
	parent := analysis.NewParentTask("det-1", dr, "node-a", testStart)

	tests := []struct {
		name string
		req  analysis.ForwardRequest
	}{
		{
			name: "start",
			req:  analysis.ForwardRequest{DetectorID: "det-1", Detector: &detector, DateRange: &dr, Action: analysis.ActionStart},
		},
		{
			name: "next entity",
			req:  analysis.NewNextEntityRequest(detector, analysis.NewEntityTask(parent, "host-1", "node-b", testStart)),
		},
		{
			name: "clean stale",
			req:  analysis.NewCleanStaleRequest("det-1", []string{"host-1", "host-2"}),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := StructToForwardRequest(ForwardRequestToStruct(tt.req))
			require.NoError(t, err)

			assert.Equal(t, tt.req.DetectorID, got.DetectorID)
			assert.Equal(t, tt.req.Action, got.Action)
			assert.Equal(t, tt.req.Detector, got.Detector)
			assert.Equal(t, tt.req.StaleRunningEntities, got.StaleRunningEntities)
			if tt.req.Task != nil {
				require.NotNil(t, got.Task)
				assert.Equal(t, tt.req.Task.TaskID(), got.Task.TaskID())
				assert.Equal(t, tt.req.Task.Entity(), got.Task.Entity())
			} else {
				assert.Nil(t, got.Task)
			}
			if tt.req.DateRange != nil {
				require.NotNil(t, got.DateRange)
				assert.True(t, tt.req.DateRange.StartTime().Equal(got.DateRange.StartTime()))
			}

			_, err = got.ToCommand()
			assert.NoError(t, err)
		})
	}
}

func TestStructToForwardRequestUnknownActionIsKept(t *testing.T) {
	t.Parallel()

	s := ForwardRequestToStruct(analysis.ForwardRequest{DetectorID: "det-1", Action: "REWIND"})
	got, err := StructToForwardRequest(s)
	require.NoError(t, err)

	_, err = got.ToCommand()
	var uerr *analysis.UnsupportedActionError
	assert.ErrorAs(t, err, &uerr)
}

func TestEntityAssignmentRoundTrip(t *testing.T) {
	t.Parallel()

	detector := analysis.NewDetector("det-1", "latency", "host")
	parent := analysis.NewParentTask("det-1", testRange(t), "node-a", testStart)
	a := analysis.EntityAssignment{
		Detector:    detector,
		Task:        analysis.NewEntityTask(parent, "host-1", "node-b", testStart),
		Coordinator: "node-a",
	}

	got, err := StructToEntityAssignment(EntityAssignmentToStruct(a))
	require.NoError(t, err)
	assert.Equal(t, a.Detector, got.Detector)
	assert.Equal(t, a.Coordinator, got.Coordinator)
	assert.Equal(t, a.Task.TaskID(), got.Task.TaskID())

	s := EntityAssignmentToStruct(a)
	delete(s.Fields, "coordinator")
	_, err = StructToEntityAssignment(s)
	assert.Error(t, err)
}

func TestJobResponseAndProfiles(t *testing.T) {
	t.Parallel()

	resp := analysis.JobResponse{ID: uuid.NewString(), ForecastsCreated: 3, AnomalyCount: 2, ErrorCount: 1, Status: 200}
	assert.Equal(t, resp, StructToJobResponse(JobResponseToStruct(resp)))

	profiles := []analysis.TaskProfile{
		analysis.NewTaskProfile("node-b", "det-1", "t-1", "host-1", testStart),
		analysis.NewTaskProfile("node-b", "det-2", "t-2", "", testStart.Add(time.Second)),
	}
	assert.Equal(t, profiles, StructToTaskProfiles(TaskProfilesToStruct(profiles)))
	assert.Empty(t, StructToTaskProfiles(TaskProfilesToStruct(nil)))
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	detectorID, taskID, err := StructToCancelTask(CancelTaskToStruct("det-1", "task-1"))
	require.NoError(t, err)
	assert.Equal(t, "det-1", detectorID)
	assert.Equal(t, "task-1", taskID)

	_, _, err = StructToCancelTask(CancelTaskToStruct("", "task-1"))
	assert.Equal(t, serializationerrors.ErrMissingField{Field: "detector_id"}, err)

	_, _, err = StructToCancelTask(&structpb.Struct{})
	assert.Error(t, err)
}
