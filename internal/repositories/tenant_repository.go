package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const tenantsTable = "tenants"

// TenantRepository reads tenant flags
type TenantRepository struct {
	*Repository
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db database.DB, logger ectologger.Logger) *TenantRepository {
	return &TenantRepository{
		Repository: NewRepository(db, logger),
	}
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	ctx, span := tracing.StartSpan(ctx, "TenantRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "name", "is_read_only").From(tenantsTable).Where(sb.Equal("id", id))

	query, args := sb.Build()
	var tenant models.Tenant
	err := r.DB().Executor(ctx).GetContext(ctx, &tenant, query, args...)
	if database.IsNoRows(err) {
		return nil, NotFound("tenant %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("tenant_id", id).Error("failed to get tenant by ID")
		return nil, Internal("failed to get tenant")
	}

	return &tenant, nil
}
