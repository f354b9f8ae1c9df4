package models

import (
	"errors"
	"time"
)

type Cadence string

const (
	CadenceDaily      Cadence = "daily"
	CadenceTwiceDaily Cadence = "twice_daily"
	CadenceWeekly     Cadence = "weekly"
)

func (c Cadence) Valid() bool {
	switch c {
	case CadenceDaily, CadenceTwiceDaily, CadenceWeekly:
		return true
	}
	return false
}

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

type TransactionType string

const (
	TransactionSale TransactionType = "sale"
	TransactionRent TransactionType = "rent"
)

type MessageMode string

const (
	MessageModeTemplate MessageMode = "template"
	MessageModeAI       MessageMode = "ai"
)

// SearchFilters is the filter set passed to every source connector.
type SearchFilters struct {
	Locations       []string        `json:"locations"`
	PropertyTypes   []string        `json:"property_types"`
	PriceMin        *float64        `json:"price_min,omitempty"`
	PriceMax        *float64        `json:"price_max,omitempty"`
	BedroomsMin     int             `json:"bedrooms_min,omitempty"`
	BedroomsMax     int             `json:"bedrooms_max,omitempty"`
	AreaMin         int             `json:"area_min,omitempty"`
	AreaMax         int             `json:"area_max,omitempty"`
	TransactionType TransactionType `json:"transaction_type,omitempty"`
}

// InPriceRange reports whether price falls inside the filter's range. Open bounds match.
func (f SearchFilters) InPriceRange(price float64) bool {
	if f.PriceMin != nil && price < *f.PriceMin {
		return false
	}
	if f.PriceMax != nil && price > *f.PriceMax {
		return false
	}
	return true
}

type Triggers struct {
	OnNewLead  bool `json:"on_new_lead"`
	FollowUp3d bool `json:"followup_3d"`
	FollowUp7d bool `json:"followup_7d"`
}

// AutomationSettings is the per-customer automation configuration.
type AutomationSettings struct {
	CustomerID       string          `json:"customer_id" db:"customer_id"`
	Enabled          bool            `json:"enabled" db:"enabled"`
	Sources          map[string]bool `json:"sources" db:"sources"`
	Filters          SearchFilters   `json:"filters" db:"filters"`
	Cadence          Cadence         `json:"cadence" db:"cadence"`
	PreferredChannel Channel         `json:"preferred_channel" db:"preferred_channel"`
	MessageMode      MessageMode     `json:"message_mode" db:"message_mode"`
	Triggers         Triggers        `json:"triggers" db:"triggers"`
	QuietStart       int             `json:"quiet_hours_start" db:"quiet_start"`
	QuietEnd         int             `json:"quiet_hours_end" db:"quiet_end"`
	Timezone         string          `json:"timezone" db:"timezone"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultSettings returns the settings a customer gets before the first save.
func DefaultSettings(customerID string) *AutomationSettings {
	return &AutomationSettings{
		CustomerID:       customerID,
		Sources:          map[string]bool{},
		Cadence:          CadenceDaily,
		PreferredChannel: ChannelWhatsApp,
		MessageMode:      MessageModeTemplate,
		Triggers:         Triggers{OnNewLead: true, FollowUp3d: true, FollowUp7d: true},
		QuietStart:       22,
		QuietEnd:         9,
	}
}

// EnabledSources lists source ids switched on by the customer.
func (s *AutomationSettings) EnabledSources() []string {
	var ids []string
	for id, on := range s.Sources {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

// TriggerEnabled reports whether the given trigger is switched on.
func (s *AutomationSettings) TriggerEnabled(t TriggerType) bool {
	switch t {
	case TriggerNewLead:
		return s.Triggers.OnNewLead
	case TriggerFollowUp3d:
		return s.Triggers.FollowUp3d
	case TriggerFollowUp7d:
		return s.Triggers.FollowUp7d
	}
	return false
}

func (s *AutomationSettings) Validate() error {
	if s.CustomerID == "" {
		return errors.New("customer_id is required")
	}
	if s.QuietStart < 0 || s.QuietStart > 23 || s.QuietEnd < 0 || s.QuietEnd > 23 {
		return errors.New("quiet hours must be between 0 and 23")
	}
	if !s.Cadence.Valid() {
		return errors.New("cadence must be one of daily, twice_daily, weekly")
	}
	if s.PreferredChannel != ChannelWhatsApp && s.PreferredChannel != ChannelEmail {
		return errors.New("preferred_channel must be whatsapp or email")
	}
	if s.MessageMode != "" && s.MessageMode != MessageModeTemplate && s.MessageMode != MessageModeAI {
		return errors.New("message_mode must be template or ai")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return errors.New("timezone is not a valid IANA zone")
		}
	}
	f := s.Filters
	if f.PriceMin != nil && f.PriceMax != nil && *f.PriceMin > *f.PriceMax {
		return errors.New("price_min exceeds price_max")
	}
	if f.BedroomsMax > 0 && f.BedroomsMin > f.BedroomsMax {
		return errors.New("bedrooms_min exceeds bedrooms_max")
	}
	if f.AreaMax > 0 && f.AreaMin > f.AreaMax {
		return errors.New("area_min exceeds area_max")
	}
	return nil
}
