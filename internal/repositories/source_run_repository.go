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

const sourceRunsTable = "source_runs"

var sourceRunStruct = database.NewStruct(new(models.SourceRun))

// SourceRunRepository persists ingestion run audit rows
type SourceRunRepository struct {
	*Repository
}

// NewSourceRunRepository creates a new source run repository
func NewSourceRunRepository(db database.DB, logger ectologger.Logger) *SourceRunRepository {
	return &SourceRunRepository{
		Repository: NewRepository(db, logger),
	}
}

// Open inserts a running row. It always writes through the pool so the row survives a rollback
// of any transaction bound to ctx.
func (r *SourceRunRepository) Open(ctx context.Context, tenantID, connectionID uuid.UUID, rowsIn int) (*models.SourceRun, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRunRepository.Open")
	defer span.End()

	run := &models.SourceRun{
		ID:           uuid.New(),
		TenantID:     tenantID,
		ConnectionID: connectionID,
		Status:       models.RunStatusRunning,
		RowsIn:       rowsIn,
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(sourceRunsTable).
		Cols("id", "tenant_id", "connection_id", "status", "rows_in", "started_at").
		Values(run.ID, run.TenantID, run.ConnectionID, run.Status, run.RowsIn, sqlbuilder.Raw("NOW()")).
		Returning("started_at")

	query, args := ib.Build()
	err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&run.StartedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":     tenantID,
			"connection_id": connectionID,
		}).Error("failed to open source run")
		return nil, Internal("failed to open source run")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     tenantID,
		"connection_id": connectionID,
		"run_id":        run.ID,
	}).Debugf("Opened %s", sourceRunsTable)
	return run, nil
}

// Close moves a running row to its terminal status. Closing a run that is not running returns
// ErrRunNotRunning.
func (r *SourceRunRepository) Close(ctx context.Context, tenantID, runID uuid.UUID, outcome models.RunOutcome) error {
	ctx, span := tracing.StartSpan(ctx, "SourceRunRepository.Close")
	defer span.End()

	var errorMessage *string
	if outcome.Error != "" {
		errorMessage = &outcome.Error
	}

	ub := database.NewUpdateBuilder()
	ub.Update(sourceRunsTable).
		Set(
			ub.Assign("status", outcome.Status),
			ub.Assign("rows_valid", outcome.RowsValid),
			ub.Assign("rows_invalid", outcome.RowsInvalid),
			ub.Assign("error_message", errorMessage),
			"finished_at = NOW()",
		).
		Where(
			ub.Equal("id", runID),
			ub.Equal("tenant_id", tenantID),
			ub.Equal("status", models.RunStatusRunning),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"run_id":    runID,
		}).Error("failed to close source run")
		return Internal("failed to close source run")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return Internal("failed to close source run")
	}
	if affected == 0 {
		return ErrRunNotRunning
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    tenantID,
		"run_id":       runID,
		"status":       outcome.Status,
		"rows_valid":   outcome.RowsValid,
		"rows_invalid": outcome.RowsInvalid,
	}).Debugf("Closed %s", sourceRunsTable)
	return nil
}

// ListByConnection returns the newest runs of a connection
func (r *SourceRunRepository) ListByConnection(ctx context.Context, tenantID, connectionID uuid.UUID, limit int) ([]models.SourceRun, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRunRepository.ListByConnection")
	defer span.End()

	sb := sourceRunStruct.SelectFrom(sourceRunsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("connection_id", connectionID))
	sb.OrderBy("started_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	runs := []models.SourceRun{}
	if err := r.DB().SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":     tenantID,
			"connection_id": connectionID,
		}).Error("failed to list source runs")
		return nil, Internal("failed to list source runs")
	}

	return runs, nil
}

// ListStale returns runs still running that started before the cutoff, oldest first
func (r *SourceRunRepository) ListStale(ctx context.Context, tenantID uuid.UUID, startedBefore time.Time, limit int) ([]models.SourceRun, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRunRepository.ListStale")
	defer span.End()

	sb := sourceRunStruct.SelectFrom(sourceRunsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.RunStatusRunning),
		sb.LessThan("started_at", startedBefore),
	)
	sb.OrderBy("started_at").Asc()
	sb.Limit(limit)

	query, args := sb.Build()
	runs := []models.SourceRun{}
	if err := r.DB().SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("tenant_id", tenantID).Error("failed to list stale source runs")
		return nil, Internal("failed to list stale source runs")
	}

	return runs, nil
}

// CountRunning counts open runs across all tenants
func (r *SourceRunRepository) CountRunning(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRunRepository.CountRunning")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(sourceRunsTable).Where(sb.Equal("status", models.RunStatusRunning))

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count running source runs")
		return 0, Internal("failed to count running source runs")
	}

	return count, nil
}
