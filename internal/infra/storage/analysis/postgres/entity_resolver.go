package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/infra/storage"
)

var _ analysis.EntityResolver = (*entityResolver)(nil)

const resolveEntitiesSQL = `SELECT DISTINCT category_value FROM detector_records
	WHERE detector_id = $1
	  AND category_field = $2
	  AND recorded_at >= $3
	  AND recorded_at <= $4
	ORDER BY category_value
	LIMIT NULLIF($5, 0)`

// entityResolver enumerates the distinct category values recorded for a
// detector inside a date range.
type entityResolver struct {
	pool        *pgxpool.Pool
	maxEntities int
	tracer      trace.Tracer
}

// NewEntityResolver creates a resolver over the detector_records table.
// maxEntities caps how many entities one run fans out over; zero means no cap.
func NewEntityResolver(pool *pgxpool.Pool, maxEntities int, tracer trace.Tracer) *entityResolver {
	return &entityResolver{pool: pool, maxEntities: maxEntities, tracer: tracer}
}

// ResolveEntities returns the sorted distinct entities of a high-cardinality
// detector. Single-entity detectors resolve to nothing.
func (r *entityResolver) ResolveEntities(
	ctx context.Context,
	detector analysis.Detector,
	dateRange analysis.DetectionDateRange,
) ([]string, error) {
	if !detector.IsMultiEntity() {
		return nil, nil
	}

	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("detector_id", detector.ID()),
		attribute.String("category_field", detector.CategoryField()),
		attribute.String("date_range", dateRange.String()),
	)

	var entities []string
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.resolve_entities", dbAttrs, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, resolveEntitiesSQL,
			detector.ID(),
			detector.CategoryField(),
			dateRange.StartTime(),
			dateRange.EndTime(),
			r.maxEntities,
		)
		if err != nil {
			return fmt.Errorf("resolve entities query error: %w", err)
		}

		entities, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("resolve entities scan error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}
