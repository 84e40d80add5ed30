package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	appanalysis "github.com/ahrav/historical-armada/internal/app/analysis"
	"github.com/ahrav/historical-armada/internal/domain/analysis"
	storemem "github.com/ahrav/historical-armada/internal/infra/storage/analysis/memory"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

type fakeController struct {
	got    []analysis.ForwardRequest
	err    error
	active map[string]bool
}

func (c *fakeController) Handle(_ context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error) {
	c.got = append(c.got, req)
	if c.err != nil {
		return analysis.JobResponse{}, c.err
	}
	id := "task-1"
	if req.Task != nil {
		id = req.Task.TaskID()
	}
	return analysis.NewOKResponse(id), nil
}

func (c *fakeController) IsActive(detectorID string) bool { return c.active[detectorID] }

type fakeSummaries map[string]appanalysis.RunSummary

func (f fakeSummaries) Run(taskID string) (appanalysis.RunSummary, bool) {
	r, ok := f[taskID]
	return r, ok
}

func newTestServer(t *testing.T, ctrl RunController, store TaskReader, summaries RunSummaries) http.Handler {
	t.Helper()
	metrics, err := NewAPIMetrics(noopmetric.NewMeterProvider())
	require.NoError(t, err)
	return NewServer(ctrl, store, summaries, metrics, logger.Noop(), noop.NewTracerProvider().Tracer("test")).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		ctrlErr    error
		wantStatus int
		wantCalls  int
		wantBody   string
	}{
		{
			name:       "accepted",
			body:       `{"name":"latency","category_field":"host","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`,
			wantStatus: http.StatusAccepted,
			wantCalls:  1,
		},
		{
			name:       "single instant range",
			body:       `{"category_field":"host","start":"2024-01-01T00:00:00Z","end":"2024-01-01T00:00:00Z"}`,
			wantStatus: http.StatusAccepted,
			wantCalls:  1,
		},
		{
			name:       "malformed body",
			body:       `{"start":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "end before start",
			body:       `{"start":"2024-01-02T00:00:00Z","end":"2024-01-01T00:00:00Z"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "end must be greater than or equal to",
		},
		{
			name:       "already running",
			body:       `{"start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`,
			ctrlErr:    &analysis.ConflictError{DetectorID: "det-1", TaskID: "task-0"},
			wantStatus: http.StatusConflict,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := &fakeController{err: tt.ctrlErr}
			h := newTestServer(t, ctrl, storemem.NewTaskStore(clockwork.NewFakeClock()), nil)

			rec := do(t, h, http.MethodPost, "/v1/detectors/det-1/runs", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			require.Len(t, ctrl.got, tt.wantCalls)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}

			if tt.wantStatus == http.StatusAccepted {
				req := ctrl.got[0]
				assert.Equal(t, analysis.ActionStart, req.Action)
				assert.Equal(t, "det-1", req.DetectorID)
				assert.Equal(t, "host", req.Detector.CategoryField())

				var resp runResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "task-1", resp.TaskID)
			}
		})
	}
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := storemem.NewTaskStore(clock)
	dr, err := analysis.NewDetectionDateRange(clock.Now().Add(-time.Hour), clock.Now())
	require.NoError(t, err)
	parent := analysis.NewParentTask("det-1", dr, "node-a", clock.Now())
	require.NoError(t, store.CreateTask(ctx, parent))

	ctrl := &fakeController{}
	h := newTestServer(t, ctrl, store, nil)

	rec := do(t, h, http.MethodPost, "/v1/detectors/det-1/runs/"+parent.TaskID()+"/cancel", `{"category_field":"host"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, ctrl.got, 1)
	assert.Equal(t, analysis.ActionCancel, ctrl.got[0].Action)
	assert.Equal(t, parent.TaskID(), ctrl.got[0].Task.TaskID())

	rec = do(t, h, http.MethodPost, "/v1/detectors/det-1/runs/missing/cancel", `{"category_field":"host"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/detectors/det-1/runs/"+parent.TaskID()+"/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := storemem.NewTaskStore(clock)
	dr, err := analysis.NewDetectionDateRange(clock.Now().Add(-time.Hour), clock.Now())
	require.NoError(t, err)
	parent := analysis.NewParentTask("det-1", dr, "node-a", clock.Now())
	require.NoError(t, store.CreateTask(ctx, parent))

	summaries := fakeSummaries{parent.TaskID(): {
		TaskID:         parent.TaskID(),
		EntityCount:    3,
		FailedEntities: []string{"host-2"},
		FinishedAt:     clock.Now(),
	}}
	h := newTestServer(t, &fakeController{}, store, summaries)

	rec := do(t, h, http.MethodGet, "/v1/runs/"+parent.TaskID(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var detail runDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "det-1", detail.DetectorID)
	assert.Equal(t, parent.State().String(), detail.State)
	assert.Equal(t, 3, detail.EntityCount)
	assert.Equal(t, []string{"host-2"}, detail.FailedEntities)
	assert.NotNil(t, detail.FinishedAt)

	rec = do(t, h, http.MethodGet, "/v1/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetectorActive(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &fakeController{active: map[string]bool{"det-1": true}}, storemem.NewTaskStore(nil), nil)

	var resp activeResponse
	rec := do(t, h, http.MethodGet, "/v1/detectors/det-1/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Active)

	rec = do(t, h, http.MethodGet, "/v1/detectors/det-2/active", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Active)
}
