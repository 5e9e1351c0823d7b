package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

// OperationalKPIRepository computes baseline KPIs from invoices, opportunities, work orders and
// accounts. Every query is read-only and independent of the others.
type OperationalKPIRepository struct {
	*Repository
}

// NewOperationalKPIRepository creates a new operational KPI repository
func NewOperationalKPIRepository(db database.DB, logger ectologger.Logger) *OperationalKPIRepository {
	return &OperationalKPIRepository{
		Repository: NewRepository(db, logger),
	}
}

func scoped(sb *database.SelectBuilder, q models.KPIQuery) {
	sb.Where(sb.Equal("tenant_id", q.TenantID))
	if q.ScopeID != nil {
		sb.Where(sb.Equal("workspace_id", *q.ScopeID))
	}
}

func (r *OperationalKPIRepository) scalar(ctx context.Context, name string, q models.KPIQuery, sb *database.SelectBuilder) (float64, error) {
	query, args := sb.Build()
	var value float64
	if err := r.DB().Executor(ctx).GetContext(ctx, &value, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": q.TenantID,
			"kpi":       name,
		}).Error("failed to compute baseline kpi")
		return 0, Internal("failed to compute " + name)
	}
	return value, nil
}

// Revenue sums invoices paid within the window
func (r *OperationalKPIRepository) Revenue(ctx context.Context, q models.KPIQuery) (float64, error) {
	ctx, span := tracing.StartSpan(ctx, "OperationalKPIRepository.Revenue")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COALESCE(SUM(amount), 0)").From("invoices")
	scoped(sb, q)
	sb.Where(
		sb.Equal("status", "paid"),
		sb.GreaterEqualThan("paid_on", q.Window.Start),
		sb.LessThan("paid_on", q.Window.End),
	)

	return r.scalar(ctx, models.KPIRevenue, q, sb)
}

// Pipeline sums open opportunities expected to close in [from, to)
func (r *OperationalKPIRepository) Pipeline(ctx context.Context, q models.KPIQuery, from, to time.Time) (float64, error) {
	ctx, span := tracing.StartSpan(ctx, "OperationalKPIRepository.Pipeline")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COALESCE(SUM(amount), 0)").From("opportunities")
	scoped(sb, q)
	sb.Where(
		sb.Equal("stage", "open"),
		sb.GreaterEqualThan("expected_close_date", from),
		sb.LessThan("expected_close_date", to),
	)

	return r.scalar(ctx, "pipeline", q, sb)
}

// AROutstanding sums open invoices issued before the end of the window
func (r *OperationalKPIRepository) AROutstanding(ctx context.Context, q models.KPIQuery) (float64, error) {
	ctx, span := tracing.StartSpan(ctx, "OperationalKPIRepository.AROutstanding")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COALESCE(SUM(amount), 0)").From("invoices")
	scoped(sb, q)
	sb.Where(sb.Equal("status", "open"), sb.LessThan("issued_on", q.Window.End))

	return r.scalar(ctx, models.KPIAROutstanding, q, sb)
}

// OnTimeDelivery is the share of work orders completed in the window that finished by their due
// date, 0 when none completed.
func (r *OperationalKPIRepository) OnTimeDelivery(ctx context.Context, q models.KPIQuery) (float64, error) {
	ctx, span := tracing.StartSpan(ctx, "OperationalKPIRepository.OnTimeDelivery")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COALESCE(COUNT(*) FILTER (WHERE completed_on <= due_on)::float8 / NULLIF(COUNT(*), 0), 0)").
		From("work_orders")
	scoped(sb, q)
	sb.Where(
		sb.IsNotNull("completed_on"),
		sb.GreaterEqualThan("completed_on", q.Window.Start),
		sb.LessThan("completed_on", q.Window.End),
	)

	return r.scalar(ctx, models.KPIOnTimeDelivery, q, sb)
}

// AtRiskAccounts counts accounts currently flagged at risk
func (r *OperationalKPIRepository) AtRiskAccounts(ctx context.Context, q models.KPIQuery) (float64, error) {
	ctx, span := tracing.StartSpan(ctx, "OperationalKPIRepository.AtRiskAccounts")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From("accounts")
	scoped(sb, q)
	sb.Where(sb.Equal("health", "at_risk"))

	return r.scalar(ctx, models.KPIAtRiskAccounts, q, sb)
}
