package models

import (
	"time"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/google/uuid"
)

// DefaultEventType is used when a request omits event_type or sends it blank.
const DefaultEventType = "metric"

// RawEvent is the immutable record of one accepted logical event.
type RawEvent struct {
	ID           uuid.UUID                      `db:"id" json:"id"`
	TenantID     uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	ConnectionID uuid.UUID                      `db:"connection_id" json:"connection_id"`
	RunID        uuid.UUID                      `db:"run_id" json:"run_id"`
	EventType    string                         `db:"event_type" json:"event_type"`
	Payload      database.JSONB[map[string]any] `db:"payload" json:"payload"`
	OccurredOn   *time.Time                     `db:"occurred_on" json:"occurred_on,omitempty"`
	DedupeKey    string                         `db:"dedupe_key" json:"dedupe_key"`
	CreatedAt    time.Time                      `db:"created_at" json:"created_at"`
}
