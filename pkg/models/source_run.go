package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// SourceRun is the audit row for one ingestion attempt.
type SourceRun struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	ConnectionID uuid.UUID  `db:"connection_id" json:"connection_id"`
	Status       RunStatus  `db:"status" json:"status"`
	RowsIn       int        `db:"rows_in" json:"rows_in"`
	RowsValid    int        `db:"rows_valid" json:"rows_valid"`
	RowsInvalid  int        `db:"rows_invalid" json:"rows_invalid"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// RunOutcome is what a run is closed with.
type RunOutcome struct {
	Status      RunStatus
	RowsValid   int
	RowsInvalid int
	Error       string
}
