// Package ingestion runs one inbound event through the pipeline: run open, dedup, raw event,
// normalization, metric value, run close.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/fieldmapping"
	"github.com/clasak/compassiq/pkg/fingerprint"
	"github.com/clasak/compassiq/pkg/metrics"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const (
	outcomeCreated   = "created"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
)

// Event is one decoded ingestion request body.
type Event struct {
	EventType string
	// OccurredOn is the caller's raw occurrence hint, kept verbatim in the payload.
	OccurredOn string
	Data       map[string]any
}

// Result is returned to the caller on success.
type Result struct {
	RawEventID      uuid.UUID `json:"rawEventId"`
	NormalizedCount int       `json:"normalizedCount"`
	RunID           uuid.UUID `json:"runId"`
	Duplicate       bool      `json:"duplicate"`
}

// KPICacheInvalidator drops cached KPI snapshots of a tenant.
type KPICacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
}

// MetricPublisher announces committed metric values.
type MetricPublisher interface {
	PublishMetricRecorded(ctx context.Context, connectionID string, value models.MetricValue) error
}

type Service struct {
	logger       ectologger.Logger
	db           database.DB
	runs         *RunTracker
	rawEvents    repositories.RawEventRepo
	mappings     *MappingCache
	metricValues repositories.MetricValueRepo
	kpiCache     KPICacheInvalidator
	publisher    MetricPublisher
	now          func() time.Time
}

type Option func(*Service)

// WithKPICache invalidates the tenant's KPI snapshots after a metric value commits.
func WithKPICache(cache KPICacheInvalidator) Option {
	return func(s *Service) { s.kpiCache = cache }
}

// WithPublisher publishes metric.recorded after a metric value commits.
func WithPublisher(publisher MetricPublisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	logger ectologger.Logger,
	db database.DB,
	runs *RunTracker,
	rawEvents repositories.RawEventRepo,
	mappings *MappingCache,
	metricValues repositories.MetricValueRepo,
	opts ...Option,
) *Service {
	s := &Service{
		logger:       logger,
		db:           db,
		runs:         runs,
		rawEvents:    rawEvents,
		mappings:     mappings,
		metricValues: metricValues,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest records one event for an already-resolved connection. The run it opens is closed before
// Ingest returns, including when processing panics.
func (s *Service) Ingest(ctx context.Context, cc models.ConnectionContext, event Event) (result *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Ingest")
	defer span.End()

	start := s.now()
	logger := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     cc.TenantID,
		"connection_id": cc.ConnectionID,
		"event_type":    event.EventType,
	})

	run, err := s.runs.Open(ctx, cc, 1)
	if err != nil {
		metrics.RecordIngest(outcomeFailed, time.Since(start).Seconds())
		return nil, errors.NewPersistenceError("failed to open ingestion run", err)
	}
	logger = logger.WithField("run_id", run.ID)

	outcome := models.RunOutcome{Status: models.RunStatusFailed, Error: "ingestion aborted"}
	defer func() {
		if r := recover(); r != nil {
			outcome = models.RunOutcome{Status: models.RunStatusFailed, Error: fmt.Sprintf("panic: %v", r)}
			_ = run.Close(ctx, outcome)
			panic(r)
		}
		if closeErr := run.Close(ctx, outcome); closeErr != nil && err == nil {
			result, err = nil, errors.NewPersistenceError("failed to close ingestion run", closeErr)
		}

		label := outcomeCreated
		switch {
		case err != nil:
			label = outcomeFailed
			tracing.RecordError(ctx, err)
		case result.Duplicate:
			label = outcomeDuplicate
		}
		metrics.RecordIngest(label, s.now().Sub(start).Seconds())
	}()

	result, outcome, err = s.process(ctx, cc, run, event, logger)
	if err != nil {
		logger.WithError(err).Warn("ingestion failed")
	}
	return result, err
}

func (s *Service) process(ctx context.Context, cc models.ConnectionContext, run *Run, event Event, logger ectologger.Logger) (*Result, models.RunOutcome, error) {
	payload := buildPayload(event)
	dedupeKey := fingerprint.Compute(cc.TenantID.String(), cc.ConnectionID.String(), event.EventType, payload)

	raw := &models.RawEvent{
		TenantID:     cc.TenantID,
		ConnectionID: cc.ConnectionID,
		RunID:        run.ID,
		EventType:    event.EventType,
		Payload:      database.NewJSONB(payload),
		OccurredOn:   parseOccurredOn(event.OccurredOn),
		DedupeKey:    dedupeKey,
	}

	txCtx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return nil, failed(err), errors.NewPersistenceError("failed to record event", err)
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	created, err := s.rawEvents.Insert(txCtx, raw)
	if err != nil {
		return nil, failed(err), errors.NewPersistenceError("failed to record event", err)
	}

	result := &Result{RawEventID: raw.ID, RunID: run.ID}
	if !created {
		if err := tx.Commit(txCtx); err != nil {
			return nil, failed(err), errors.NewPersistenceError("failed to record event", err)
		}
		logger.WithField("raw_event_id", raw.ID).Info("duplicate event already recorded")
		result.Duplicate = true
		return result, models.RunOutcome{Status: models.RunStatusSuccess}, nil
	}

	mapping, reason, err := s.mappings.Get(ctx, cc.TenantID, cc.ConnectionID, fieldmapping.TargetMetricValues)
	if err != nil {
		return nil, failed(err), err
	}

	var value *models.MetricValue
	if mapping != nil {
		var obs *models.MetricObservation
		obs, reason = fieldmapping.Normalize(mapping, *raw, s.now())
		if obs != nil {
			value = &models.MetricValue{
				TenantID:     cc.TenantID,
				RawEventID:   &raw.ID,
				MetricKey:    obs.MetricKey,
				NumericValue: obs.NumericValue,
				TextValue:    obs.TextValue,
				OccurredOn:   obs.OccurredOn,
				Source:       models.MetricSourceIngest,
			}
			if err := s.metricValues.Insert(txCtx, value); err != nil {
				return nil, failed(err), errors.NewPersistenceError("failed to record metric value", err)
			}
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, failed(err), errors.NewPersistenceError("failed to record event", err)
	}

	if value == nil {
		metrics.RecordNormalizationSkip(string(reason))
		logger.WithFields(map[string]any{
			"raw_event_id": raw.ID,
			"skip_reason":  reason,
		}).Info("event recorded without a metric value")
		return result, models.RunOutcome{Status: models.RunStatusSuccess, RowsInvalid: 1}, nil
	}

	s.afterCommit(ctx, cc, *value, logger)
	result.NormalizedCount = 1
	logger.WithFields(map[string]any{
		"raw_event_id": raw.ID,
		"metric_key":   value.MetricKey,
	}).Info("event recorded")
	return result, models.RunOutcome{Status: models.RunStatusSuccess, RowsValid: 1}, nil
}

// afterCommit runs the best-effort side channels. Their failures never fail the ingestion.
func (s *Service) afterCommit(ctx context.Context, cc models.ConnectionContext, value models.MetricValue, logger ectologger.Logger) {
	if s.kpiCache != nil {
		if err := s.kpiCache.InvalidateTenant(ctx, cc.TenantID); err != nil {
			logger.WithError(err).Warn("failed to invalidate kpi cache")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishMetricRecorded(ctx, cc.ConnectionID.String(), value); err != nil {
			logger.WithError(err).Warn("failed to publish metric event")
		}
	}
}

func failed(err error) models.RunOutcome {
	return models.RunOutcome{Status: models.RunStatusFailed, Error: err.Error()}
}

func buildPayload(event Event) map[string]any {
	payload := map[string]any{}
	if event.OccurredOn != "" {
		payload["occurred_on"] = event.OccurredOn
	}
	if event.Data != nil {
		payload[fieldmapping.DataField] = event.Data
	}
	return payload
}

var occurredOnLayouts = []string{time.RFC3339Nano, time.RFC3339, time.DateOnly}

// parseOccurredOn reads the caller's hint; an unparseable hint is treated as absent.
func parseOccurredOn(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range occurredOnLayouts {
		if t, err := time.Parse(layout, raw); err == nil && fieldmapping.InDateRange(t) {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day
		}
	}
	return nil
}
