package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const rawEventsTable = "raw_events"

var rawEventStruct = database.NewStruct(new(models.RawEvent))

// RawEventRepository is the append-only raw event store
type RawEventRepository struct {
	*Repository
}

// NewRawEventRepository creates a new raw event repository
func NewRawEventRepository(db database.DB, logger ectologger.Logger) *RawEventRepository {
	return &RawEventRepository{
		Repository: NewRepository(db, logger),
	}
}

// Insert writes event, relying on the (tenant_id, connection_id, dedupe_key) constraint to admit
// each logical event once. Runs inside the transaction bound to ctx, if any.
func (r *RawEventRepository) Insert(ctx context.Context, event *models.RawEvent) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "RawEventRepository.Insert")
	defer span.End()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(rawEventsTable).
		Cols("id", "tenant_id", "connection_id", "run_id", "event_type", "payload", "occurred_on", "dedupe_key", "created_at").
		Values(event.ID, event.TenantID, event.ConnectionID, event.RunID, event.EventType, event.Payload,
			event.OccurredOn, event.DedupeKey, sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing("tenant_id", "connection_id", "dedupe_key").
		Returning("created_at")

	query, args := ib.Build()
	fields := map[string]any{
		"tenant_id":     event.TenantID,
		"connection_id": event.ConnectionID,
		"dedupe_key":    event.DedupeKey,
	}

	err := r.DB().Executor(ctx).QueryRowxContext(ctx, query, args...).Scan(&event.CreatedAt)
	if database.IsNoRows(err) {
		existing, err := r.GetByDedupeKey(ctx, event.TenantID, event.ConnectionID, event.DedupeKey)
		if err != nil {
			return false, err
		}
		*event = *existing

		r.logger.WithContext(ctx).WithFields(fields).WithField("raw_event_id", event.ID).Info("duplicate raw event ignored")
		return false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("failed to insert raw event")
		return false, Internal("failed to insert raw event")
	}

	r.logger.WithContext(ctx).WithFields(fields).WithField("raw_event_id", event.ID).Debugf("Created %s", rawEventsTable)
	return true, nil
}

// GetByDedupeKey retrieves the raw event stored under a fingerprint
func (r *RawEventRepository) GetByDedupeKey(ctx context.Context, tenantID, connectionID uuid.UUID, dedupeKey string) (*models.RawEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "RawEventRepository.GetByDedupeKey")
	defer span.End()

	sb := rawEventStruct.SelectFrom(rawEventsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("connection_id", connectionID),
		sb.Equal("dedupe_key", dedupeKey),
	)

	query, args := sb.Build()
	var event models.RawEvent
	err := r.DB().Executor(ctx).GetContext(ctx, &event, query, args...)
	if database.IsNoRows(err) {
		return nil, NotFound("raw event %s does not exist", dedupeKey)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":     tenantID,
			"connection_id": connectionID,
			"dedupe_key":    dedupeKey,
		}).Error("failed to get raw event by dedupe key")
		return nil, Internal("failed to get raw event")
	}

	return &event, nil
}
