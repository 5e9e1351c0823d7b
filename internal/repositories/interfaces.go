package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clasak/compassiq/pkg/fieldmapping"
	"github.com/clasak/compassiq/pkg/models"
)

// TenantRepo reads tenant flags
type TenantRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// ConnectionRepo resolves source connections together with their tenant's read-only flag
type ConnectionRepo interface {
	GetActiveByTokenHash(ctx context.Context, tokenHash string, connType models.ConnectionType) (*models.SourceConnection, error)
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.SourceConnection, error)
}

// SourceRunRepo defines the run tracker's persistence
type SourceRunRepo interface {
	Open(ctx context.Context, tenantID, connectionID uuid.UUID, rowsIn int) (*models.SourceRun, error)
	Close(ctx context.Context, tenantID, runID uuid.UUID, outcome models.RunOutcome) error
	ListByConnection(ctx context.Context, tenantID, connectionID uuid.UUID, limit int) ([]models.SourceRun, error)
	ListStale(ctx context.Context, tenantID uuid.UUID, startedBefore time.Time, limit int) ([]models.SourceRun, error)
	CountRunning(ctx context.Context) (int, error)
}

// RawEventRepo defines the raw event store
type RawEventRepo interface {
	// Insert stores event unless one with the same dedupe key exists. When it does, event is
	// replaced by the stored row and created is false.
	Insert(ctx context.Context, event *models.RawEvent) (created bool, err error)
	GetByDedupeKey(ctx context.Context, tenantID, connectionID uuid.UUID, dedupeKey string) (*models.RawEvent, error)
}

// FieldMappingRepo defines field mapping lookups
type FieldMappingRepo interface {
	GetActive(ctx context.Context, tenantID, connectionID uuid.UUID, target string) (*fieldmapping.FieldMapping, error)
}

// MetricValueRepo defines the append-only metric timeseries
type MetricValueRepo interface {
	Insert(ctx context.Context, value *models.MetricValue) error
	LatestByKey(ctx context.Context, tenantID uuid.UUID, scopeID *uuid.UUID, since, until time.Time) ([]models.MetricValue, error)
}

// OperationalKPIRepo computes baseline aggregates over the operational tables
type OperationalKPIRepo interface {
	Revenue(ctx context.Context, q models.KPIQuery) (float64, error)
	Pipeline(ctx context.Context, q models.KPIQuery, from, to time.Time) (float64, error)
	AROutstanding(ctx context.Context, q models.KPIQuery) (float64, error)
	OnTimeDelivery(ctx context.Context, q models.KPIQuery) (float64, error)
	AtRiskAccounts(ctx context.Context, q models.KPIQuery) (float64, error)
}
