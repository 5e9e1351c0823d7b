package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const (
	kpiVersionKeyPrefix  = "kpi:ver:"
	kpiSnapshotKeyPrefix = "kpi:snap:"
)

// KPICache stores computed KPI snapshots. Each tenant has a version counter that is bumped
// whenever a metric value is recorded; snapshot keys embed the version, so a bump orphans every
// cached snapshot of the tenant and they expire by TTL.
type KPICache struct {
	client *Client
	ttl    time.Duration
	logger ectologger.Logger
}

func NewKPICache(client *Client, ttl time.Duration, logger ectologger.Logger) *KPICache {
	return &KPICache{client: client, ttl: ttl, logger: logger}
}

func versionKey(tenantID uuid.UUID) string {
	return kpiVersionKeyPrefix + tenantID.String()
}

func snapshotKey(version int64, q models.KPIQuery) string {
	scope := "all"
	if q.ScopeID != nil {
		scope = q.ScopeID.String()
	}
	return fmt.Sprintf("%s%s:%d:%d:%d:%s", kpiSnapshotKeyPrefix, q.TenantID, version,
		q.Window.Start.Unix(), q.Window.End.Unix(), scope)
}

func (c *KPICache) version(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	raw, err := c.client.Get(ctx, versionKey(tenantID))
	if errors.Is(err, Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Get returns the cached snapshot for q, if any.
func (c *KPICache) Get(ctx context.Context, q models.KPIQuery) (*models.KPISnapshot, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "KPICache.Get")
	defer span.End()

	version, err := c.version(ctx, q.TenantID)
	if err != nil {
		return nil, false, err
	}

	raw, err := c.client.Get(ctx, snapshotKey(version, q))
	if errors.Is(err, Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot models.KPISnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("tenant_id", q.TenantID).Warn("discarding unreadable cached kpi snapshot")
		return nil, false, nil
	}
	return &snapshot, true, nil
}

// Set caches snapshot under the tenant's current version.
func (c *KPICache) Set(ctx context.Context, q models.KPIQuery, snapshot *models.KPISnapshot) error {
	ctx, span := tracing.StartSpan(ctx, "KPICache.Set")
	defer span.End()

	version, err := c.version(ctx, q.TenantID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(version, q), data, c.ttl)
}

// InvalidateTenant bumps the tenant's version so later reads recompute.
func (c *KPICache) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "KPICache.InvalidateTenant")
	defer span.End()

	_, err := c.client.Incr(ctx, versionKey(tenantID))
	return err
}
