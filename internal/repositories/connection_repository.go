package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const sourceConnectionsTable = "source_connections"

var connectionColumns = []string{
	"c.id", "c.tenant_id", "c.type", "c.name", "c.status", "c.token_hash", "c.created_at", "c.updated_at",
	"t.is_read_only AS is_read_only_tenant",
}

// ConnectionRepository reads source connections
type ConnectionRepository struct {
	*Repository
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db database.DB, logger ectologger.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		Repository: NewRepository(db, logger),
	}
}

func selectConnections() *database.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select(connectionColumns...).
		From(sourceConnectionsTable+" c").
		Join("tenants t", "t.id = c.tenant_id")
	return sb
}

// GetActiveByTokenHash finds the active connection of the given type owning the hashed credential.
// Unknown and inactive credentials are indistinguishable to the caller.
func (r *ConnectionRepository) GetActiveByTokenHash(ctx context.Context, tokenHash string, connType models.ConnectionType) (*models.SourceConnection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.GetActiveByTokenHash")
	defer span.End()

	sb := selectConnections()
	sb.Where(
		sb.Equal("c.token_hash", tokenHash),
		sb.Equal("c.type", connType),
		sb.Equal("c.status", models.ConnectionStatusActive),
	)

	query, args := sb.Build()
	var conn models.SourceConnection
	err := r.DB().Executor(ctx).GetContext(ctx, &conn, query, args...)
	if database.IsNoRows(err) {
		return nil, NotFound("connection does not exist")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get connection by token")
		return nil, Internal("failed to get connection")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     conn.TenantID,
		"connection_id": conn.ID,
	}).Debugf("Retrieved %s by token", sourceConnectionsTable)
	return &conn, nil
}

// GetByID retrieves a connection by ID (tenant-scoped)
func (r *ConnectionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.SourceConnection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.GetByID")
	defer span.End()

	sb := selectConnections()
	sb.Where(sb.Equal("c.tenant_id", tenantID), sb.Equal("c.id", id))

	query, args := sb.Build()
	var conn models.SourceConnection
	err := r.DB().Executor(ctx).GetContext(ctx, &conn, query, args...)
	if database.IsNoRows(err) {
		return nil, NotFound("connection %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":     tenantID,
			"connection_id": id,
		}).Error("failed to get connection by ID")
		return nil, Internal("failed to get connection")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     tenantID,
		"connection_id": id,
	}).Debugf("Retrieved %s by ID: %s", sourceConnectionsTable, id)
	return &conn, nil
}
