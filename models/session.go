package models

import (
	"errors"
	"time"
)

var ErrSessionExpired = errors.New("session expired")

type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanAgency  Plan = "agency"
)

// Entitlements are the plan-derived capabilities carried by a session.
type Entitlements struct {
	AutomatedDispatch bool `json:"automated_dispatch"`
	AIMessages        bool `json:"ai_messages"`
	MaxSources        int  `json:"max_sources"` // 0 = unlimited
}

func EntitlementsFor(p Plan) Entitlements {
	switch p {
	case PlanStarter:
		return Entitlements{AutomatedDispatch: true, MaxSources: 2}
	case PlanPro:
		return Entitlements{AutomatedDispatch: true, AIMessages: true, MaxSources: 3}
	case PlanAgency:
		return Entitlements{AutomatedDispatch: true, AIMessages: true}
	default:
		return Entitlements{MaxSources: 1}
	}
}

type Customer struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Plan      Plan      `json:"plan" db:"plan"`
	Timezone  string    `json:"timezone" db:"timezone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Session is the request-scoped identity threaded through every component call.
// A zero ExpiresAt never expires (scheduler-originated sessions).
type Session struct {
	CustomerID   string
	Plan         Plan
	Entitlements Entitlements
	ExpiresAt    time.Time
}

func NewSession(c *Customer, expiresAt time.Time) Session {
	return Session{
		CustomerID:   c.ID,
		Plan:         c.Plan,
		Entitlements: EntitlementsFor(c.Plan),
		ExpiresAt:    expiresAt,
	}
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
