package models

import (
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerNewLead    TriggerType = "on_new_lead"
	TriggerFollowUp3d TriggerType = "followup_3d"
	TriggerFollowUp7d TriggerType = "followup_7d"
)

type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchDone      DispatchStatus = "done"
	DispatchCancelled DispatchStatus = "cancelled"
)

// ScheduledDispatch is a persisted intent to message a lead at DueAt.
// Follow-up timers and quiet-hour deferrals are both stored this way; (LeadID, Trigger) is unique.
type ScheduledDispatch struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	CustomerID string         `json:"customer_id" db:"customer_id"`
	LeadID     uuid.UUID      `json:"lead_id" db:"lead_id"`
	Trigger    TriggerType    `json:"trigger" db:"trigger"`
	DueAt      time.Time      `json:"due_at" db:"due_at"`
	Status     DispatchStatus `json:"status" db:"status"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Interaction records an outbound message sent to a lead.
type Interaction struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	CustomerID string      `json:"customer_id" db:"customer_id"`
	LeadID     uuid.UUID   `json:"lead_id" db:"lead_id"`
	Trigger    TriggerType `json:"trigger" db:"trigger"`
	Channel    Channel     `json:"channel" db:"channel"`
	Content    string      `json:"content" db:"content"`
	Link       string      `json:"link,omitempty" db:"link"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
