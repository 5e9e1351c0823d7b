package models

import (
	"time"

	"github.com/google/uuid"
)

// Canonical KPI keys produced by the baseline aggregates.
const (
	KPIRevenue        = "revenue"
	KPIPipeline30     = "pipeline_30"
	KPIPipeline60     = "pipeline_60"
	KPIPipeline90     = "pipeline_90"
	KPIAROutstanding  = "ar_outstanding"
	KPIOnTimeDelivery = "on_time_delivery"
	KPIAtRiskAccounts = "at_risk_accounts"
)

// KPIWindow is the half-open reporting interval [Start, End).
type KPIWindow struct {
	Start time.Time
	End   time.Time
}

type KPIQuery struct {
	TenantID uuid.UUID
	Window   KPIWindow
	// ScopeID narrows every query to one workspace partition when set.
	ScopeID *uuid.UUID
}

type KPISource string

const (
	KPISourceComputed KPISource = "computed"
	KPISourceIngested KPISource = "ingested"
)

// KPISnapshot is computed per request and never persisted.
type KPISnapshot struct {
	Values  map[string]float64   `json:"values"`
	Sources map[string]KPISource `json:"sources"`
	// OverridesAvailable is false when the ingested lookup failed and only baseline values were used.
	OverridesAvailable bool      `json:"overrides_available"`
	ComputedAt         time.Time `json:"computed_at"`
}
