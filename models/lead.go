package models

import (
	"time"

	"github.com/google/uuid"
)

type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusLost      LeadStatus = "lost"
	LeadStatusConverted LeadStatus = "converted"
)

// NeedsContact reports whether follow-ups should still fire for this status.
func (s LeadStatus) NeedsContact() bool {
	return s == LeadStatusNew || s == ""
}

func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified, LeadStatusLost, LeadStatusConverted:
		return true
	}
	return false
}

// Lead is a contactable prospect derived from a marketplace listing.
// (CustomerID, Fingerprint) is unique.
type Lead struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	CustomerID      string     `json:"customer_id" db:"customer_id"`
	Fingerprint     string     `json:"fingerprint" db:"fingerprint"`
	ContactName     string     `json:"contact_name" db:"contact_name"`
	Phone           string     `json:"phone" db:"phone"`
	Email           string     `json:"email,omitempty" db:"email"`
	Description     string     `json:"description" db:"description"`
	PropertyType    string     `json:"property_type" db:"property_type"`
	Location        string     `json:"location" db:"location"`
	PriceDisplay    string     `json:"price_display" db:"price_display"`
	Price           *float64   `json:"price,omitempty" db:"price"`
	Source          string     `json:"source" db:"source"`
	OriginURL       string     `json:"origin_url" db:"origin_url"`
	Score           int        `json:"score" db:"score"`
	Tier            Tier       `json:"tier" db:"tier"`
	Status          LeadStatus `json:"status" db:"status"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty" db:"last_contacted_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// HasPhone and HasEmail report reachable contacts per channel.
func (l *Lead) HasPhone() bool { return l.Phone != "" }
func (l *Lead) HasEmail() bool { return l.Email != "" }
