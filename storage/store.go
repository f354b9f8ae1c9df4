package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"leadpilot/models"
)

var ErrNotFound = errors.New("not found")

// Store is the record store consumed by the orchestrator, scheduler, dispatcher and API.
// InsertLeadIfAbsent is the only write that races: it must be atomic per (customer, fingerprint).
type Store interface {
	LeadExists(ctx context.Context, customerID, fingerprint string) (bool, error)
	InsertLeadIfAbsent(ctx context.Context, lead *models.Lead) (bool, error)
	GetLead(ctx context.Context, customerID string, id uuid.UUID) (*models.Lead, error)
	ListLeads(ctx context.Context, customerID string, limit int) ([]models.Lead, error)
	UpdateLeadStatus(ctx context.Context, customerID string, id uuid.UUID, status models.LeadStatus) error
	MarkLeadContacted(ctx context.Context, id uuid.UUID, at time.Time) error

	GetSettings(ctx context.Context, customerID string) (*models.AutomationSettings, error)
	SaveSettings(ctx context.Context, s *models.AutomationSettings) error
	ListEnabledSettings(ctx context.Context) ([]models.AutomationSettings, error)

	UpsertCustomer(ctx context.Context, c *models.Customer) error
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	CreateSession(ctx context.Context, token, customerID string, expiresAt time.Time) error
	SessionByToken(ctx context.Context, token string) (*models.Session, error)

	SaveRun(ctx context.Context, run *models.SearchRun) error
	ListRuns(ctx context.Context, customerID string, limit int) ([]models.SearchRun, error)

	AppendUsage(ctx context.Context, rec *models.UsageRecord) error
	UsageSummary(ctx context.Context, customerID string, since time.Time) (map[models.UsageOperation]models.UsageTotals, error)

	UpsertScheduledDispatch(ctx context.Context, d *models.ScheduledDispatch) error
	ClaimDueDispatches(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDispatch, error)
	CancelDispatches(ctx context.Context, leadID uuid.UUID) (int, error)
	RecordInteraction(ctx context.Context, in *models.Interaction) error
	ListInteractions(ctx context.Context, leadID uuid.UUID) ([]models.Interaction, error)

	Migrate(ctx context.Context) error
	Close() error
}
