package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// SourceOutcome is the per-source result of a run.
type SourceOutcome struct {
	Source string `json:"source"`
	Found  int    `json:"found"`
	Added  int    `json:"added"`
	Error  string `json:"error,omitempty"`
}

// SearchRun is the execution record of one orchestrator invocation.
type SearchRun struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	CustomerID       string          `json:"customer_id" db:"customer_id"`
	Trigger          string          `json:"trigger" db:"trigger"` // manual, scheduled
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at" db:"finished_at"`
	Status           RunStatus       `json:"status" db:"status"`
	Outcomes         []SourceOutcome `json:"outcomes" db:"outcomes"`
	LeadsCreated     int             `json:"leads_created" db:"leads_created"`
	SourcesAllFailed bool            `json:"sources_all_failed" db:"sources_all_failed"`
}
