package services

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"leadpilot/models"
	"leadpilot/storage"
)

// UsageMeter appends billing records. Records are never updated.
type UsageMeter struct {
	store     storage.Store
	unitCosts map[models.UsageOperation]float64
}

func NewUsageMeter(store storage.Store, unitCosts map[models.UsageOperation]float64) *UsageMeter {
	return &UsageMeter{store: store, unitCosts: unitCosts}
}

func (m *UsageMeter) Record(ctx context.Context, customerID string, op models.UsageOperation, units int) error {
	rec := &models.UsageRecord{
		CustomerID: customerID,
		Operation:  op,
		Units:      units,
		Cost:       float64(units) * m.unitCosts[op],
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.AppendUsage(ctx, rec); err != nil {
		return eris.Wrapf(err, "usage: record %s", op)
	}
	return nil
}

// Summary aggregates a customer's records since the given time. Every operation type
// appears in the result, zeroed when unused.
func (m *UsageMeter) Summary(ctx context.Context, customerID string, since time.Time) (map[models.UsageOperation]models.UsageTotals, error) {
	sum, err := m.store.UsageSummary(ctx, customerID, since)
	if err != nil {
		return nil, eris.Wrap(err, "usage: summary")
	}
	for _, op := range []models.UsageOperation{
		models.UsageLeadCapture, models.UsageAIAnalysis, models.UsageEmailSent, models.UsageWhatsAppSent,
	} {
		if _, ok := sum[op]; !ok {
			sum[op] = models.UsageTotals{}
		}
	}
	return sum, nil
}
