package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadpilot/models"
)

type sessionRow struct {
	customerID string
	expiresAt  time.Time
}

// MemoryStore keeps everything in process. Used by `run` without a database and by tests.
type MemoryStore struct {
	mu           sync.Mutex
	leads        map[uuid.UUID]*models.Lead
	fingerprints map[string]uuid.UUID // customerID|fingerprint
	settings     map[string]*models.AutomationSettings
	customers    map[string]*models.Customer
	sessions     map[string]sessionRow
	runs         []models.SearchRun
	usage        []models.UsageRecord
	dispatches   map[string]*models.ScheduledDispatch // leadID|trigger
	interactions []models.Interaction
	nextUsageID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:        make(map[uuid.UUID]*models.Lead),
		fingerprints: make(map[string]uuid.UUID),
		settings:     make(map[string]*models.AutomationSettings),
		customers:    make(map[string]*models.Customer),
		sessions:     make(map[string]sessionRow),
		dispatches:   make(map[string]*models.ScheduledDispatch),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) LeadExists(ctx context.Context, customerID, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fingerprints[customerID+"|"+fingerprint]
	return ok, nil
}

func (s *MemoryStore) InsertLeadIfAbsent(ctx context.Context, lead *models.Lead) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lead.CustomerID + "|" + lead.Fingerprint
	if _, ok := s.fingerprints[key]; ok {
		return false, nil
	}
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	cp := *lead
	s.leads[lead.ID] = &cp
	s.fingerprints[key] = lead.ID
	return true, nil
}

func (s *MemoryStore) GetLead(ctx context.Context, customerID string, id uuid.UUID) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok || (customerID != "" && l.CustomerID != customerID) {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLeads(ctx context.Context, customerID string, limit int) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Lead
	for _, l := range s.leads {
		if l.CustomerID == customerID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateLeadStatus(ctx context.Context, customerID string, id uuid.UUID, status models.LeadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok || l.CustomerID != customerID {
		return ErrNotFound
	}
	l.Status = status
	return nil
}

func (s *MemoryStore) MarkLeadContacted(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	l.LastContactedAt = &t
	return nil
}

func (s *MemoryStore) GetSettings(ctx context.Context, customerID string) (*models.AutomationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySettings(st), nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, st *models.AutomationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	s.settings[st.CustomerID] = copySettings(st)
	return nil
}

func (s *MemoryStore) ListEnabledSettings(ctx context.Context) ([]models.AutomationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutomationSettings
	for _, st := range s.settings {
		if st.Enabled {
			out = append(out, *copySettings(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func copySettings(st *models.AutomationSettings) *models.AutomationSettings {
	cp := *st
	cp.Sources = make(map[string]bool, len(st.Sources))
	for k, v := range st.Sources {
		cp.Sources[k] = v
	}
	cp.Filters.Locations = append([]string(nil), st.Filters.Locations...)
	cp.Filters.PropertyTypes = append([]string(nil), st.Filters.PropertyTypes...)
	return &cp
}

func (s *MemoryStore) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, token, customerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = sessionRow{customerID: customerID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := s.customers[row.customerID]
	if !ok {
		return nil, ErrNotFound
	}
	sess := models.NewSession(c, row.expiresAt)
	return &sess, nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *models.SearchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = *run
			return nil
		}
	}
	s.runs = append(s.runs, *run)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, customerID string, limit int) ([]models.SearchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SearchRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].CustomerID == customerID {
			out = append(out, s.runs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUsageID++
	rec.ID = s.nextUsageID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.usage = append(s.usage, *rec)
	return nil
}

func (s *MemoryStore) UsageSummary(ctx context.Context, customerID string, since time.Time) (map[models.UsageOperation]models.UsageTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.UsageOperation]models.UsageTotals)
	for _, r := range s.usage {
		if r.CustomerID != customerID || r.CreatedAt.Before(since) {
			continue
		}
		t := out[r.Operation]
		t.Count++
		t.TotalUnits += r.Units
		t.TotalCost += r.Cost
		out[r.Operation] = t
	}
	return out, nil
}

// UsageRecords returns a copy of every usage record. Test helper.
func (s *MemoryStore) UsageRecords() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageRecord(nil), s.usage...)
}

func (s *MemoryStore) UpsertScheduledDispatch(ctx context.Context, d *models.ScheduledDispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := d.LeadID.String() + "|" + string(d.Trigger)
	if existing, ok := s.dispatches[key]; ok {
		if existing.Status == models.DispatchCancelled {
			return nil
		}
		existing.DueAt = d.DueAt
		existing.Status = models.DispatchPending
		*d = *existing
		return nil
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Status = models.DispatchPending
	cp := *d
	s.dispatches[key] = &cp
	return nil
}

func (s *MemoryStore) ClaimDueDispatches(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.ScheduledDispatch
	for _, d := range s.dispatches {
		if d.Status == models.DispatchPending && !d.DueAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.ScheduledDispatch, 0, len(due))
	for _, d := range due {
		d.Status = models.DispatchDone
		out = append(out, *d)
	}
	return out, nil
}

func (s *MemoryStore) CancelDispatches(ctx context.Context, leadID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.dispatches {
		if d.LeadID == leadID && d.Status == models.DispatchPending {
			d.Status = models.DispatchCancelled
			n++
		}
	}
	return n, nil
}

// Dispatches returns a copy of every scheduled dispatch for a lead. Test helper.
func (s *MemoryStore) Dispatches(leadID uuid.UUID) []models.ScheduledDispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledDispatch
	for _, d := range s.dispatches {
		if d.LeadID == leadID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

func (s *MemoryStore) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	s.interactions = append(s.interactions, *in)
	return nil
}

func (s *MemoryStore) ListInteractions(ctx context.Context, leadID uuid.UUID) ([]models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Interaction
	for _, in := range s.interactions {
		if in.LeadID == leadID {
			out = append(out, in)
		}
	}
	return out, nil
}
