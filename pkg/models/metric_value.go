package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type ValueKind string

const (
	ValueKindNumber ValueKind = "number"
	ValueKindText   ValueKind = "text"
)

// MetricObservation is the normalizer's output: one canonical value for one metric key.
type MetricObservation struct {
	MetricKey    string
	Kind         ValueKind
	NumericValue *float64
	TextValue    *string
	OccurredOn   time.Time
}

// MetricSourceIngest labels values written by the ingestion pipeline. The originating connection is
// reachable through RawEventID.
const MetricSourceIngest = "ingest"

// MetricValue is one row of the append-only per-tenant timeseries.
type MetricValue struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	WorkspaceID  *uuid.UUID `db:"workspace_id" json:"workspace_id,omitempty"`
	RawEventID   *uuid.UUID `db:"raw_event_id" json:"raw_event_id,omitempty"`
	MetricKey    string     `db:"metric_key" json:"metric_key"`
	NumericValue *float64   `db:"numeric_value" json:"numeric_value,omitempty"`
	TextValue    *string    `db:"text_value" json:"text_value,omitempty"`
	OccurredOn   time.Time  `db:"occurred_on" json:"occurred_on"`
	Source       string     `db:"source" json:"source"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// FiniteNumber returns the numeric value when it is present and finite.
func (m MetricValue) FiniteNumber() (float64, bool) {
	if m.NumericValue == nil {
		return 0, false
	}
	v := *m.NumericValue
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
