package repositories

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/fieldmapping"
	"github.com/clasak/compassiq/pkg/tracing"
)

const fieldMappingsTable = "field_mappings"

type fieldMappingRow struct {
	ID           uuid.UUID `db:"id"`
	TenantID     uuid.UUID `db:"tenant_id"`
	ConnectionID uuid.UUID `db:"connection_id"`
	Target       string    `db:"target"`
	Revision     int       `db:"revision"`
	Document     []byte    `db:"document"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

var fieldMappingStruct = database.NewStruct(new(fieldMappingRow))

// FieldMappingRepository reads tenant-managed field mappings
type FieldMappingRepository struct {
	*Repository
}

// NewFieldMappingRepository creates a new field mapping repository
func NewFieldMappingRepository(db database.DB, logger ectologger.Logger) *FieldMappingRepository {
	return &FieldMappingRepository{
		Repository: NewRepository(db, logger),
	}
}

// GetActive returns the active mapping for (tenant, connection, target). A stored document that
// fails to parse is reported as 422.
func (r *FieldMappingRepository) GetActive(ctx context.Context, tenantID, connectionID uuid.UUID, target string) (*fieldmapping.FieldMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "FieldMappingRepository.GetActive")
	defer span.End()

	sb := fieldMappingStruct.SelectFrom(fieldMappingsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("connection_id", connectionID),
		sb.Equal("target", target),
		sb.Equal("is_active", true),
	)

	fields := map[string]any{
		"tenant_id":     tenantID,
		"connection_id": connectionID,
		"target":        target,
	}

	query, args := sb.Build()
	var row fieldMappingRow
	err := r.DB().Executor(ctx).GetContext(ctx, &row, query, args...)
	if database.IsNoRows(err) {
		return nil, NotFound("no active %s mapping for connection %s", target, connectionID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("failed to get active field mapping")
		return nil, Internal("failed to get field mapping")
	}

	doc, err := fieldmapping.Parse(row.Document)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).WithField("mapping_id", row.ID).Warn("stored field mapping is invalid")
		return nil, httperror.NewHTTPErrorf(http.StatusUnprocessableEntity, "field mapping %s is invalid: %s", row.ID, err.Error())
	}

	return &fieldmapping.FieldMapping{
		ID:           row.ID,
		TenantID:     row.TenantID,
		ConnectionID: row.ConnectionID,
		Target:       row.Target,
		Revision:     row.Revision,
		Document:     doc,
		IsActive:     row.IsActive,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}
