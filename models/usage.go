package models

import "time"

type UsageOperation string

const (
	UsageLeadCapture  UsageOperation = "lead_capture"
	UsageAIAnalysis   UsageOperation = "ai_analysis"
	UsageEmailSent    UsageOperation = "email_sent"
	UsageWhatsAppSent UsageOperation = "whatsapp_sent"
)

// UsageRecord is append-only.
type UsageRecord struct {
	ID         int64          `json:"id" db:"id"`
	CustomerID string         `json:"customer_id" db:"customer_id"`
	Operation  UsageOperation `json:"operation" db:"operation"`
	Units      int            `json:"units" db:"units"`
	Cost       float64        `json:"cost" db:"cost"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

type UsageTotals struct {
	Count      int     `json:"count"`
	TotalUnits int     `json:"totalUnits"`
	TotalCost  float64 `json:"totalCost"`
}
