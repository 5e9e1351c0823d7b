package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const metricValuesTable = "metric_values"

var metricValueColumns = []string{
	"id", "tenant_id", "workspace_id", "raw_event_id", "metric_key",
	"numeric_value", "text_value", "occurred_on", "source", "created_at",
}

// MetricValueRepository is the append-only metric timeseries. Rows are never updated or deleted.
type MetricValueRepository struct {
	*Repository
}

// NewMetricValueRepository creates a new metric value repository
func NewMetricValueRepository(db database.DB, logger ectologger.Logger) *MetricValueRepository {
	return &MetricValueRepository{
		Repository: NewRepository(db, logger),
	}
}

// Insert appends one observation. Runs inside the transaction bound to ctx, if any.
func (r *MetricValueRepository) Insert(ctx context.Context, value *models.MetricValue) error {
	ctx, span := tracing.StartSpan(ctx, "MetricValueRepository.Insert")
	defer span.End()

	if value.ID == uuid.Nil {
		value.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(metricValuesTable).
		Cols(metricValueColumns...).
		Values(value.ID, value.TenantID, value.WorkspaceID, value.RawEventID, value.MetricKey,
			value.NumericValue, value.TextValue, value.OccurredOn, value.Source, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	err := r.DB().Executor(ctx).QueryRowxContext(ctx, query, args...).Scan(&value.CreatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":  value.TenantID,
			"metric_key": value.MetricKey,
		}).Error("failed to insert metric value")
		return Internal("failed to insert metric value")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       value.TenantID,
		"metric_key":      value.MetricKey,
		"metric_value_id": value.ID,
	}).Debugf("Created %s", metricValuesTable)
	return nil
}

// LatestByKey returns one row per metric key: the newest by occurrence date, then creation time,
// among rows that occurred in [since, until). A nil scope spans every workspace of the tenant; a
// workspace scope also sees tenant-wide rows (no workspace).
func (r *MetricValueRepository) LatestByKey(ctx context.Context, tenantID uuid.UUID, scopeID *uuid.UUID, since, until time.Time) ([]models.MetricValue, error) {
	ctx, span := tracing.StartSpan(ctx, "MetricValueRepository.LatestByKey")
	defer span.End()

	cols := append([]string{"DISTINCT ON (metric_key) " + metricValueColumns[0]}, metricValueColumns[1:]...)

	sb := database.NewSelectBuilder()
	sb.Select(cols...).From(metricValuesTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.GreaterEqualThan("occurred_on", since),
		sb.LessThan("occurred_on", until),
	)
	if scopeID != nil {
		sb.Where(sb.Or(sb.Equal("workspace_id", *scopeID), sb.IsNull("workspace_id")))
	}
	sb.OrderBy("metric_key", "occurred_on DESC", "created_at DESC")

	query, args := sb.Build()
	values := []models.MetricValue{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &values, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("tenant_id", tenantID).Error("failed to get latest metric values")
		return nil, Internal("failed to get latest metric values")
	}

	return values, nil
}
