package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"leadpilot/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "parse config")
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, eris.Wrap(err, "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping")
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return eris.Wrap(err, "migrate postgres")
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT 'free',
	timezone TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL REFERENCES customers(id),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	contact_name TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	property_type TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	price_display TEXT NOT NULL DEFAULT '',
	price DOUBLE PRECISION,
	source TEXT NOT NULL DEFAULT '',
	origin_url TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	tier TEXT NOT NULL DEFAULT 'cold',
	status TEXT NOT NULL DEFAULT 'new',
	last_contacted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (customer_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS automation_settings (
	customer_id TEXT PRIMARY KEY,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	sources JSONB,
	filters JSONB,
	cadence TEXT NOT NULL DEFAULT 'daily',
	preferred_channel TEXT NOT NULL DEFAULT 'whatsapp',
	message_mode TEXT NOT NULL DEFAULT 'template',
	triggers JSONB,
	quiet_start INTEGER NOT NULL DEFAULT 22,
	quiet_end INTEGER NOT NULL DEFAULT 9,
	timezone TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS search_runs (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	outcomes JSONB,
	leads_created INTEGER NOT NULL DEFAULT 0,
	sources_all_failed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	customer_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	units INTEGER NOT NULL,
	cost DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scheduled_dispatches (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	lead_id UUID NOT NULL,
	trigger_type TEXT NOT NULL,
	due_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (lead_id, trigger_type)
);

CREATE TABLE IF NOT EXISTS interactions (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	lead_id UUID NOT NULL,
	trigger_type TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	link TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_leads_customer ON leads(customer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_customer ON search_runs(customer_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_customer ON usage_records(customer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dispatches_due ON scheduled_dispatches(due_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_interactions_lead ON interactions(lead_id, created_at);
`

// =============================================================================
// Leads
// =============================================================================

func (s *PostgresStore) LeadExists(ctx context.Context, customerID, fingerprint string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM leads WHERE customer_id = $1 AND fingerprint = $2)`,
		customerID, fingerprint).Scan(&exists)
	return exists, eris.Wrap(err, "lead exists")
}

func (s *PostgresStore) InsertLeadIfAbsent(ctx context.Context, l *models.Lead) (bool, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = models.LeadStatusNew
	}

	query := `
		INSERT INTO leads (` + leadColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (customer_id, fingerprint) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		l.ID, l.CustomerID, l.Fingerprint, l.ContactName, l.Phone, l.Email, l.Description, l.PropertyType,
		l.Location, l.PriceDisplay, l.Price, l.Source, l.OriginURL, l.Score, l.Tier, l.Status,
		l.LastContactedAt, l.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "insert lead")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, customerID string, id uuid.UUID) (*models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1 AND ($2 = '' OR customer_id = $2)`

	var l models.Lead
	err := s.pool.QueryRow(ctx, query, id, customerID).Scan(leadDest(&l)...)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "get lead")
	}
	return &l, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, customerID string, limit int) ([]models.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE customer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		customerID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "list leads")
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(leadDest(&l)...); err != nil {
			return nil, eris.Wrap(err, "scan lead")
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, customerID string, id uuid.UUID, status models.LeadStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1 WHERE id = $2 AND customer_id = $3`, status, id, customerID)
	if err != nil {
		return eris.Wrap(err, "update lead status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkLeadContacted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE leads SET last_contacted_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return eris.Wrap(err, "mark lead contacted")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func leadDest(l *models.Lead) []any {
	return []any{
		&l.ID, &l.CustomerID, &l.Fingerprint, &l.ContactName, &l.Phone, &l.Email, &l.Description, &l.PropertyType,
		&l.Location, &l.PriceDisplay, &l.Price, &l.Source, &l.OriginURL, &l.Score, &l.Tier, &l.Status,
		&l.LastContactedAt, &l.CreatedAt,
	}
}

// =============================================================================
// Automation settings
// =============================================================================

func (s *PostgresStore) GetSettings(ctx context.Context, customerID string) (*models.AutomationSettings, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM automation_settings WHERE customer_id = $1`, customerID)
	st, err := scanPgSettings(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "get settings")
	}
	return st, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st *models.AutomationSettings) error {
	sources, filters, triggers, err := marshalSettings(st)
	if err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO automation_settings (` + settingsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (customer_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			sources = EXCLUDED.sources,
			filters = EXCLUDED.filters,
			cadence = EXCLUDED.cadence,
			preferred_channel = EXCLUDED.preferred_channel,
			message_mode = EXCLUDED.message_mode,
			triggers = EXCLUDED.triggers,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		st.CustomerID, st.Enabled, sources, filters, st.Cadence, st.PreferredChannel, st.MessageMode,
		triggers, st.QuietStart, st.QuietEnd, st.Timezone, st.UpdatedAt,
	)
	return eris.Wrap(err, "save settings")
}

func (s *PostgresStore) ListEnabledSettings(ctx context.Context) ([]models.AutomationSettings, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settingsColumns+` FROM automation_settings WHERE enabled ORDER BY customer_id`)
	if err != nil {
		return nil, eris.Wrap(err, "list enabled settings")
	}
	defer rows.Close()

	var out []models.AutomationSettings
	for rows.Next() {
		st, err := scanPgSettings(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan settings")
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanPgSettings(row pgx.Row) (*models.AutomationSettings, error) {
	var st models.AutomationSettings
	var sources, filters, triggers []byte
	if err := row.Scan(&st.CustomerID, &st.Enabled, &sources, &filters, &st.Cadence, &st.PreferredChannel,
		&st.MessageMode, &triggers, &st.QuietStart, &st.QuietEnd, &st.Timezone, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalSettings(&st, sources, filters, triggers); err != nil {
		return nil, err
	}
	return &st, nil
}

// =============================================================================
// Customers and sessions
// =============================================================================

func (s *PostgresStore) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (id, name, plan, timezone, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			plan = EXCLUDED.plan,
			timezone = EXCLUDED.timezone`,
		c.ID, c.Name, c.Plan, c.Timezone, c.CreatedAt)
	return eris.Wrap(err, "upsert customer")
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var c models.Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plan, timezone, created_at FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Plan, &c.Timezone, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "get customer")
	}
	return &c, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, token, customerID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (token, customer_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET customer_id = EXCLUDED.customer_id, expires_at = EXCLUDED.expires_at`,
		token, customerID, expiresAt)
	return eris.Wrap(err, "create session")
}

func (s *PostgresStore) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	var c models.Customer
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.plan, s.expires_at
		FROM sessions s JOIN customers c ON c.id = s.customer_id
		WHERE s.token = $1`, token).Scan(&c.ID, &c.Plan, &expiresAt)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) SaveRun(ctx context.Context, run *models.SearchRun) error {
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return eris.Wrap(err, "marshal outcomes")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO search_runs (id, customer_id, trigger_type, started_at, finished_at, status, outcomes, leads_created, sources_all_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			outcomes = EXCLUDED.outcomes,
			leads_created = EXCLUDED.leads_created,
			sources_all_failed = EXCLUDED.sources_all_failed`,
		run.ID, run.CustomerID, run.Trigger, run.StartedAt, run.FinishedAt, run.Status,
		outcomes, run.LeadsCreated, run.SourcesAllFailed)
	return eris.Wrap(err, "save run")
}

func (s *PostgresStore) ListRuns(ctx context.Context, customerID string, limit int) ([]models.SearchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, trigger_type, started_at, finished_at, status, outcomes, leads_created, sources_all_failed
		FROM search_runs WHERE customer_id = $1 ORDER BY started_at DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []models.SearchRun
	for rows.Next() {
		var r models.SearchRun
		var outcomes []byte
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Status,
			&outcomes, &r.LeadsCreated, &r.SourcesAllFailed); err != nil {
			return nil, eris.Wrap(err, "scan run")
		}
		if len(outcomes) > 0 {
			json.Unmarshal(outcomes, &r.Outcomes)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Usage
// =============================================================================

func (s *PostgresStore) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_records (customer_id, operation, units, cost, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.CustomerID, rec.Operation, rec.Units, rec.Cost, rec.CreatedAt).Scan(&rec.ID)
	return eris.Wrap(err, "append usage")
}

func (s *PostgresStore) UsageSummary(ctx context.Context, customerID string, since time.Time) (map[models.UsageOperation]models.UsageTotals, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation, COUNT(*)::int, COALESCE(SUM(units), 0)::int, COALESCE(SUM(cost), 0)::float8
		FROM usage_records WHERE customer_id = $1 AND created_at >= $2
		GROUP BY operation`, customerID, since)
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

func (s *PostgresStore) UpsertScheduledDispatch(ctx context.Context, d *models.ScheduledDispatch) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Status = models.DispatchPending

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_dispatches (id, customer_id, lead_id, trigger_type, due_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lead_id, trigger_type) DO UPDATE SET
			due_at = EXCLUDED.due_at,
			status = 'pending'
		WHERE scheduled_dispatches.status <> 'cancelled'`,
		d.ID, d.CustomerID, d.LeadID, d.Trigger, d.DueAt, d.Status, d.CreatedAt)
	return eris.Wrap(err, "upsert scheduled dispatch")
}

// ClaimDueDispatches marks up to limit due dispatches done and returns them.
// SKIP LOCKED lets several pollers share the table.
func (s *PostgresStore) ClaimDueDispatches(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_dispatches SET status = 'done'
		WHERE id IN (
			SELECT id FROM scheduled_dispatches
			WHERE status = 'pending' AND due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, customer_id, lead_id, trigger_type, due_at, status, created_at`, now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "claim due dispatches")
	}
	defer rows.Close()

	var out []models.ScheduledDispatch
	for rows.Next() {
		var d models.ScheduledDispatch
		if err := rows.Scan(&d.ID, &d.CustomerID, &d.LeadID, &d.Trigger, &d.DueAt, &d.Status, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "scan dispatch")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelDispatches(ctx context.Context, leadID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_dispatches SET status = 'cancelled' WHERE lead_id = $1 AND status = 'pending'`, leadID)
	if err != nil {
		return 0, eris.Wrap(err, "cancel dispatches")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (id, customer_id, lead_id, trigger_type, channel, content, link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.CustomerID, in.LeadID, in.Trigger, in.Channel, in.Content, in.Link, in.CreatedAt)
	return eris.Wrap(err, "record interaction")
}

func (s *PostgresStore) ListInteractions(ctx context.Context, leadID uuid.UUID) ([]models.Interaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, lead_id, trigger_type, channel, content, link, created_at
		FROM interactions WHERE lead_id = $1 ORDER BY created_at`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "list interactions")
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var in models.Interaction
		if err := rows.Scan(&in.ID, &in.CustomerID, &in.LeadID, &in.Trigger, &in.Channel, &in.Content, &in.Link, &in.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "scan interaction")
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
