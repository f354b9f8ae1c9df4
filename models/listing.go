package models

import (
	"encoding/json"
	"strings"
)

// Listing is a normalized marketplace listing returned by a source connector.
type Listing struct {
	ExternalID   string          `json:"external_id"`
	Title        string          `json:"title"`
	ContactName  string          `json:"contact_name"`
	Phone        string          `json:"phone"`
	Email        string          `json:"email"`
	Description  string          `json:"description"`
	PropertyType string          `json:"property_type"`
	Address      string          `json:"address"`
	City         string          `json:"city"`
	Neighborhood string          `json:"neighborhood"`
	PriceDisplay string          `json:"price_display"`
	Price        *float64        `json:"price"`
	Bedrooms     int             `json:"bedrooms"`
	AreaM2       int             `json:"area_m2"`
	URL          string          `json:"url"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Location is the human-readable location string stored on the lead.
func (l *Listing) Location() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.Address, l.Neighborhood, l.City} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
