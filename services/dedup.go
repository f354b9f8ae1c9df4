package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"leadpilot/identity"
	"leadpilot/models"
	"leadpilot/storage"
)

// Dedup checks listings against a customer's existing leads and creates new ones.
type Dedup struct {
	store storage.Store
}

func NewDedup(store storage.Store) *Dedup {
	return &Dedup{store: store}
}

func (d *Dedup) Identify(listing *models.Listing) string {
	return identity.Identify(listing)
}

func (d *Dedup) Exists(ctx context.Context, customerID, fingerprint string) (bool, error) {
	exists, err := d.store.LeadExists(ctx, customerID, fingerprint)
	if err != nil {
		return false, eris.Wrapf(err, "dedup: exists %s", fingerprint)
	}
	return exists, nil
}

// Insert creates the lead unless another writer already holds its fingerprint.
// A false return means the lead is a duplicate, not an error.
func (d *Dedup) Insert(ctx context.Context, lead *models.Lead) (bool, error) {
	created, err := d.store.InsertLeadIfAbsent(ctx, lead)
	if err != nil {
		return false, eris.Wrapf(err, "dedup: insert %s", lead.Fingerprint)
	}
	return created, nil
}

// LeadFromListing builds an unscored lead for a listing surfaced by source.
func LeadFromListing(customerID, source, fingerprint string, l *models.Listing) *models.Lead {
	desc := strings.TrimSpace(l.Description)
	if desc == "" {
		desc = strings.TrimSpace(l.Title)
	}
	return &models.Lead{
		ID:           uuid.New(),
		CustomerID:   customerID,
		Fingerprint:  fingerprint,
		ContactName:  strings.TrimSpace(l.ContactName),
		Phone:        strings.TrimSpace(l.Phone),
		Email:        strings.ToLower(strings.TrimSpace(l.Email)),
		Description:  desc,
		PropertyType: l.PropertyType,
		Location:     l.Location(),
		PriceDisplay: l.PriceDisplay,
		Price:        l.Price,
		Source:       source,
		OriginURL:    l.URL,
		Status:       models.LeadStatusNew,
		CreatedAt:    time.Now().UTC(),
	}
}
