package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"leadpilot/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, eris.Wrap(err, "open sqlite")
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "migrate sqlite")
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate applies the schema. NewSQLiteStore already calls it.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return s.migrate()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT,
		plan TEXT NOT NULL DEFAULT 'free',
		timezone TEXT,
		created_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		expires_at DATETIME,
		FOREIGN KEY (customer_id) REFERENCES customers(id)
	);

	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		contact_name TEXT,
		phone TEXT,
		email TEXT,
		description TEXT,
		property_type TEXT,
		location TEXT,
		price_display TEXT,
		price REAL,
		source TEXT,
		origin_url TEXT,
		score INTEGER,
		tier TEXT,
		status TEXT DEFAULT 'new',
		last_contacted_at DATETIME,
		created_at DATETIME,
		UNIQUE(customer_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS automation_settings (
		customer_id TEXT PRIMARY KEY,
		enabled BOOLEAN DEFAULT FALSE,
		sources JSON,
		filters JSON,
		cadence TEXT,
		preferred_channel TEXT,
		message_mode TEXT,
		triggers JSON,
		quiet_start INTEGER,
		quiet_end INTEGER,
		timezone TEXT,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS search_runs (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		trigger_type TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		outcomes JSON,
		leads_created INTEGER,
		sources_all_failed BOOLEAN DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY,
		customer_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		units INTEGER,
		cost REAL,
		created_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS scheduled_dispatches (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		lead_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		due_at DATETIME,
		status TEXT DEFAULT 'pending',
		created_at DATETIME,
		UNIQUE(lead_id, trigger_type)
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		lead_id TEXT NOT NULL,
		trigger_type TEXT,
		channel TEXT,
		content TEXT,
		link TEXT,
		created_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_leads_customer ON leads(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_customer ON search_runs(customer_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_usage_customer ON usage_records(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_dispatches_due ON scheduled_dispatches(status, due_at);
	CREATE INDEX IF NOT EXISTS idx_interactions_lead ON interactions(lead_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Leads
// =============================================================================

const leadColumns = `id, customer_id, fingerprint, contact_name, phone, email, description, property_type,
	location, price_display, price, source, origin_url, score, tier, status, last_contacted_at, created_at`

func (s *SQLiteStore) LeadExists(ctx context.Context, customerID, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM leads WHERE customer_id = ? AND fingerprint = ?`, customerID, fingerprint).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "lead exists")
	}
	return true, nil
}

func (s *SQLiteStore) InsertLeadIfAbsent(ctx context.Context, l *models.Lead) (bool, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = models.LeadStatusNew
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, fingerprint) DO NOTHING`,
		l.ID, l.CustomerID, l.Fingerprint, l.ContactName, l.Phone, l.Email, l.Description, l.PropertyType,
		l.Location, l.PriceDisplay, l.Price, l.Source, l.OriginURL, l.Score, l.Tier, l.Status,
		utcPtr(l.LastContactedAt), l.CreatedAt.UTC())
	if err != nil {
		return false, eris.Wrap(err, "insert lead")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "insert lead rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, customerID string, id uuid.UUID) (*models.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = ? AND (? = '' OR customer_id = ?)`, id, customerID, customerID)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "get lead")
	}
	return l, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, customerID string, limit int) ([]models.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE customer_id = ? ORDER BY created_at DESC LIMIT ?`, customerID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "list leads")
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, customerID string, id uuid.UUID, status models.LeadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ? WHERE id = ? AND customer_id = ?`, status, id, customerID)
	if err != nil {
		return eris.Wrap(err, "update lead status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkLeadContacted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET last_contacted_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return eris.Wrap(err, "mark lead contacted")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*models.Lead, error) {
	var l models.Lead
	var contactName, phone, email, desc, propType, location, priceDisplay, source, originURL sql.NullString
	err := row.Scan(&l.ID, &l.CustomerID, &l.Fingerprint, &contactName, &phone, &email, &desc, &propType,
		&location, &priceDisplay, &l.Price, &source, &originURL, &l.Score, &l.Tier, &l.Status,
		&l.LastContactedAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.ContactName = contactName.String
	l.Phone = phone.String
	l.Email = email.String
	l.Description = desc.String
	l.PropertyType = propType.String
	l.Location = location.String
	l.PriceDisplay = priceDisplay.String
	l.Source = source.String
	l.OriginURL = originURL.String
	return &l, nil
}

// =============================================================================
// Automation settings
// =============================================================================

const settingsColumns = `customer_id, enabled, sources, filters, cadence, preferred_channel, message_mode,
	triggers, quiet_start, quiet_end, timezone, updated_at`

func (s *SQLiteStore) GetSettings(ctx context.Context, customerID string) (*models.AutomationSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM automation_settings WHERE customer_id = ?`, customerID)
	st, err := scanSettings(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "get settings")
	}
	return st, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st *models.AutomationSettings) error {
	sources, filters, triggers, err := marshalSettings(st)
	if err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_settings (`+settingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			enabled = excluded.enabled,
			sources = excluded.sources,
			filters = excluded.filters,
			cadence = excluded.cadence,
			preferred_channel = excluded.preferred_channel,
			message_mode = excluded.message_mode,
			triggers = excluded.triggers,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		st.CustomerID, st.Enabled, string(sources), string(filters), st.Cadence, st.PreferredChannel,
		st.MessageMode, string(triggers), st.QuietStart, st.QuietEnd, st.Timezone, st.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "save settings")
	}
	return nil
}

func (s *SQLiteStore) ListEnabledSettings(ctx context.Context) ([]models.AutomationSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settingsColumns+` FROM automation_settings WHERE enabled = TRUE ORDER BY customer_id`)
	if err != nil {
		return nil, eris.Wrap(err, "list enabled settings")
	}
	defer rows.Close()

	var out []models.AutomationSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan settings")
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func marshalSettings(st *models.AutomationSettings) (sources, filters, triggers []byte, err error) {
	if sources, err = json.Marshal(st.Sources); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal sources")
	}
	if filters, err = json.Marshal(st.Filters); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal filters")
	}
	if triggers, err = json.Marshal(st.Triggers); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal triggers")
	}
	return sources, filters, triggers, nil
}

func unmarshalSettings(st *models.AutomationSettings, sources, filters, triggers []byte) error {
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &st.Sources); err != nil {
			return eris.Wrap(err, "unmarshal sources")
		}
	}
	if st.Sources == nil {
		st.Sources = map[string]bool{}
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &st.Filters); err != nil {
			return eris.Wrap(err, "unmarshal filters")
		}
	}
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &st.Triggers); err != nil {
			return eris.Wrap(err, "unmarshal triggers")
		}
	}
	return nil
}

func scanSettings(row rowScanner) (*models.AutomationSettings, error) {
	var st models.AutomationSettings
	var sources, filters, triggers, tz sql.NullString
	if err := row.Scan(&st.CustomerID, &st.Enabled, &sources, &filters, &st.Cadence, &st.PreferredChannel,
		&st.MessageMode, &triggers, &st.QuietStart, &st.QuietEnd, &tz, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Timezone = tz.String
	if err := unmarshalSettings(&st, []byte(sources.String), []byte(filters.String), []byte(triggers.String)); err != nil {
		return nil, err
	}
	return &st, nil
}

// =============================================================================
// Customers and sessions
// =============================================================================

func (s *SQLiteStore) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, plan, timezone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			plan = excluded.plan,
			timezone = excluded.timezone`,
		c.ID, c.Name, c.Plan, c.Timezone, c.CreatedAt.UTC())
	return eris.Wrap(err, "upsert customer")
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var c models.Customer
	var name, tz sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, plan, timezone, created_at FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &name, &c.Plan, &tz, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "get customer")
	}
	c.Name = name.String
	c.Timezone = tz.String
	return &c, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, token, customerID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, customer_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET customer_id = excluded.customer_id, expires_at = excluded.expires_at`,
		token, customerID, expiresAt.UTC())
	return eris.Wrap(err, "create session")
}

func (s *SQLiteStore) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	var c models.Customer
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.plan, s.expires_at
		FROM sessions s JOIN customers c ON c.id = s.customer_id
		WHERE s.token = ?`, token).Scan(&c.ID, &c.Plan, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "session by token")
	}
	sess := models.NewSession(&c, expiresAt)
	return &sess, nil
}

// =============================================================================
// Search runs
// =============================================================================

func (s *SQLiteStore) SaveRun(ctx context.Context, run *models.SearchRun) error {
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return eris.Wrap(err, "marshal outcomes")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_runs (id, customer_id, trigger_type, started_at, finished_at, status, outcomes, leads_created, sources_all_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			outcomes = excluded.outcomes,
			leads_created = excluded.leads_created,
			sources_all_failed = excluded.sources_all_failed`,
		run.ID, run.CustomerID, run.Trigger, run.StartedAt.UTC(), utcPtr(run.FinishedAt), run.Status,
		string(outcomes), run.LeadsCreated, run.SourcesAllFailed)
	return eris.Wrap(err, "save run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, customerID string, limit int) ([]models.SearchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, trigger_type, started_at, finished_at, status, outcomes, leads_created, sources_all_failed
		FROM search_runs WHERE customer_id = ? ORDER BY started_at DESC LIMIT ?`, customerID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []models.SearchRun
	for rows.Next() {
		var r models.SearchRun
		var outcomes sql.NullString
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Status,
			&outcomes, &r.LeadsCreated, &r.SourcesAllFailed); err != nil {
			return nil, eris.Wrap(err, "scan run")
		}
		if outcomes.Valid {
			json.Unmarshal([]byte(outcomes.String), &r.Outcomes)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Usage
// =============================================================================

func (s *SQLiteStore) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (customer_id, operation, units, cost, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.CustomerID, rec.Operation, rec.Units, rec.Cost, rec.CreatedAt.UTC())
	if err != nil {
		return eris.Wrap(err, "append usage")
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) UsageSummary(ctx context.Context, customerID string, since time.Time) (map[models.UsageOperation]models.UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, COUNT(*), COALESCE(SUM(units), 0), COALESCE(SUM(cost), 0)
		FROM usage_records WHERE customer_id = ? AND created_at >= ?
		GROUP BY operation`, customerID, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "usage summary")
	}
	defer rows.Close()

	out := make(map[models.UsageOperation]models.UsageTotals)
	for rows.Next() {
		var op models.UsageOperation
		var t models.UsageTotals
		if err := rows.Scan(&op, &t.Count, &t.TotalUnits, &t.TotalCost); err != nil {
			return nil, eris.Wrap(err, "scan usage")
		}
		out[op] = t
	}
	return out, rows.Err()
}

// =============================================================================
// Scheduled dispatches and interactions
// =============================================================================

func (s *SQLiteStore) UpsertScheduledDispatch(ctx context.Context, d *models.ScheduledDispatch) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Status = models.DispatchPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_dispatches (id, customer_id, lead_id, trigger_type, due_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id, trigger_type) DO UPDATE SET
			due_at = excluded.due_at,
			status = 'pending'
		WHERE scheduled_dispatches.status <> 'cancelled'`,
		d.ID, d.CustomerID, d.LeadID, d.Trigger, d.DueAt.UTC(), d.Status, d.CreatedAt.UTC())
	return eris.Wrap(err, "upsert scheduled dispatch")
}

func (s *SQLiteStore) ClaimDueDispatches(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, customer_id, lead_id, trigger_type, due_at, status, created_at
		FROM scheduled_dispatches
		WHERE status = 'pending' AND due_at <= ?
		ORDER BY due_at LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "select due dispatches")
	}

	var due []models.ScheduledDispatch
	for rows.Next() {
		var d models.ScheduledDispatch
		if err := rows.Scan(&d.ID, &d.CustomerID, &d.LeadID, &d.Trigger, &d.DueAt, &d.Status, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "scan dispatch")
		}
		due = append(due, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_dispatches SET status = 'done' WHERE id = ?`, due[i].ID); err != nil {
			return nil, eris.Wrap(err, "claim dispatch")
		}
		due[i].Status = models.DispatchDone
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "commit claim")
	}
	return due, nil
}

func (s *SQLiteStore) CancelDispatches(ctx context.Context, leadID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_dispatches SET status = 'cancelled' WHERE lead_id = ? AND status = 'pending'`, leadID)
	if err != nil {
		return 0, eris.Wrap(err, "cancel dispatches")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, customer_id, lead_id, trigger_type, channel, content, link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.CustomerID, in.LeadID, in.Trigger, in.Channel, in.Content, in.Link, in.CreatedAt.UTC())
	return eris.Wrap(err, "record interaction")
}

func (s *SQLiteStore) ListInteractions(ctx context.Context, leadID uuid.UUID) ([]models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, lead_id, trigger_type, channel, content, link, created_at
		FROM interactions WHERE lead_id = ? ORDER BY created_at`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "list interactions")
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var in models.Interaction
		var link sql.NullString
		if err := rows.Scan(&in.ID, &in.CustomerID, &in.LeadID, &in.Trigger, &in.Channel, &in.Content, &link, &in.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "scan interaction")
		}
		in.Link = link.String
		out = append(out, in)
	}
	return out, rows.Err()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
