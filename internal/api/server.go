// Package api exposes historical analysis runs over HTTP. Every mutating
// request is turned into a forward request and applied by the local
// coordinator, so the API is only mounted on coordinating nodes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	appanalysis "github.com/ahrav/historical-armada/internal/app/analysis"
	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/pkg/common/logger"
	"github.com/ahrav/historical-armada/pkg/common/otel"
	"github.com/ahrav/historical-armada/pkg/common/validate"
)

// RunController applies run actions on the coordinating node.
type RunController interface {
	Handle(ctx context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error)
	IsActive(detectorID string) bool
}

// TaskReader loads persisted task records.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*analysis.Task, error)
}

// RunSummaries looks up runs assembled from lifecycle events.
type RunSummaries interface {
	Run(taskID string) (appanalysis.RunSummary, bool)
}

// Server routes run control requests.
type Server struct {
	controller RunController
	tasks      TaskReader
	summaries  RunSummaries

	router   *chi.Mux
	validate *validate.Validator

	metrics APIMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewServer creates a Server. summaries may be nil.
func NewServer(
	controller RunController,
	tasks TaskReader,
	summaries RunSummaries,
	metrics APIMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	log = log.With("component", "run_api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		controller: controller,
		tasks:      tasks,
		summaries:  summaries,
		router:     r,
		validate:   validate.New("json"),
		metrics:    metrics,
		logger:     log,
		tracer:     tracer,
	}

	s.routes()
	return s
}

// Handler returns the traced HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "run_api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func loggerMiddleware(log *logger.Logger, metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				route := chi.RouteContext(ctx).RoutePattern()
				elapsed := time.Since(start)
				if metrics != nil {
					metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
					metrics.ObserveRequestDuration(ctx, r.Method, route, elapsed)
				}
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", elapsed,
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/detectors/{detectorID}/runs", s.handleStartRun)
		r.Post("/detectors/{detectorID}/runs/{taskID}/cancel", s.handleCancelRun)
		r.Get("/detectors/{detectorID}/active", s.handleDetectorActive)
		r.Get("/runs/{taskID}", s.handleGetRun)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(ctx, "failed to encode response", "error", err)
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, action string, status int, err error) {
	if s.metrics != nil && action != "" {
		s.metrics.IncRunRequestErrors(ctx, action, status)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "action", action, "error", err)
	}
	s.writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

// statusFor maps store and coordinator errors onto HTTP statuses.
func statusFor(err error) int {
	if errors.Is(err, analysis.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	return analysis.StatusForError(err)
}
