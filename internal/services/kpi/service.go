// Package kpi computes KPI snapshots from operational tables and overlays ingested metric values.
package kpi

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/metrics"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const (
	cacheHit      = "hit"
	cacheMiss     = "miss"
	cacheDisabled = "disabled"

	day = 24 * time.Hour
)

// pipelineHorizons maps each pipeline key to its horizon in days.
var pipelineHorizons = []struct {
	key  string
	days int
}{
	{models.KPIPipeline30, 30},
	{models.KPIPipeline60, 60},
	{models.KPIPipeline90, 90},
}

// SnapshotCache stores computed snapshots between requests.
type SnapshotCache interface {
	Get(ctx context.Context, q models.KPIQuery) (*models.KPISnapshot, bool, error)
	Set(ctx context.Context, q models.KPIQuery, snapshot *models.KPISnapshot) error
}

type Service struct {
	logger       ectologger.Logger
	operational  repositories.OperationalKPIRepo
	metricValues repositories.MetricValueRepo
	cache        SnapshotCache
	lookback     time.Duration
	now          func() time.Time
}

type Option func(*Service)

func WithCache(cache SnapshotCache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the aggregator. Ingested values older than lookbackDays are not used as overrides.
func NewService(
	logger ectologger.Logger,
	operational repositories.OperationalKPIRepo,
	metricValues repositories.MetricValueRepo,
	lookbackDays int,
	opts ...Option,
) *Service {
	s := &Service{
		logger:       logger,
		operational:  operational,
		metricValues: metricValues,
		lookback:     time.Duration(lookbackDays) * day,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compute returns the KPI snapshot for q. A failed override lookup degrades the result to
// baseline values instead of failing the request.
func (s *Service) Compute(ctx context.Context, q models.KPIQuery) (*models.KPISnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "kpi.Compute")
	defer span.End()

	if !q.Window.End.After(q.Window.Start) {
		return nil, errors.NewValidationError("window end must be after window start")
	}

	start := s.now()
	logger := s.logger.WithContext(ctx).WithField("tenant_id", q.TenantID)

	cacheLabel := cacheDisabled
	if s.cache != nil {
		cacheLabel = cacheMiss
		snapshot, ok, err := s.cache.Get(ctx, q)
		if err != nil {
			logger.WithError(err).Warn("failed to read kpi cache")
		} else if ok {
			metrics.RecordKPICompute(cacheHit, s.now().Sub(start).Seconds())
			return snapshot, nil
		}
	}

	var (
		baseline  map[string]float64
		overrides []models.MetricValue
		lookupErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseline, err = s.baseline(gctx, q)
		return err
	})
	// The override lookup never fails the group; its error only marks the snapshot degraded.
	g.Go(func() error {
		overrides, lookupErr = s.metricValues.LatestByKey(gctx, q.TenantID, q.ScopeID, s.now().Add(-s.lookback), q.Window.End)
		return nil
	})
	if err := g.Wait(); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	if lookupErr != nil {
		logger.WithError(lookupErr).Warn("ingested overrides unavailable, serving baseline kpis")
		metrics.RecordKPIOverrideFailure()
		overrides = nil
	}

	snapshot := Merge(baseline, overrides)
	snapshot.OverridesAvailable = lookupErr == nil
	snapshot.ComputedAt = s.now().UTC()

	if s.cache != nil && snapshot.OverridesAvailable {
		if err := s.cache.Set(ctx, q, snapshot); err != nil {
			logger.WithError(err).Warn("failed to write kpi cache")
		}
	}

	metrics.RecordKPICompute(cacheLabel, s.now().Sub(start).Seconds())
	return snapshot, nil
}

// baseline runs the operational aggregates concurrently.
func (s *Service) baseline(ctx context.Context, q models.KPIQuery) (map[string]float64, error) {
	ctx, span := tracing.StartSpan(ctx, "kpi.baseline")
	defer span.End()

	asOf := q.Window.End
	if now := s.now(); now.Before(asOf) {
		asOf = now
	}
	asOf = asOf.UTC().Truncate(day)

	type aggregate struct {
		key string
		run func(ctx context.Context) (float64, error)
	}
	aggregates := []aggregate{
		{models.KPIRevenue, func(ctx context.Context) (float64, error) { return s.operational.Revenue(ctx, q) }},
		{models.KPIAROutstanding, func(ctx context.Context) (float64, error) { return s.operational.AROutstanding(ctx, q) }},
		{models.KPIOnTimeDelivery, func(ctx context.Context) (float64, error) { return s.operational.OnTimeDelivery(ctx, q) }},
		{models.KPIAtRiskAccounts, func(ctx context.Context) (float64, error) { return s.operational.AtRiskAccounts(ctx, q) }},
	}
	for _, horizon := range pipelineHorizons {
		to := asOf.Add(time.Duration(horizon.days) * day)
		aggregates = append(aggregates, aggregate{horizon.key, func(ctx context.Context) (float64, error) {
			return s.operational.Pipeline(ctx, q, asOf, to)
		}})
	}

	results := make([]float64, len(aggregates))
	g, gctx := errgroup.WithContext(ctx)
	for i, agg := range aggregates {
		g.Go(func() error {
			v, err := agg.run(gctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	values := make(map[string]float64, len(aggregates))
	for i, agg := range aggregates {
		values[agg.key] = results[i]
	}
	return values, nil
}
