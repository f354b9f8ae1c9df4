package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"leadpilot/config"
	"leadpilot/metrics"
	"leadpilot/models"
	"leadpilot/queue"
	"leadpilot/scraper"
	"leadpilot/storage"
)

type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
)

const (
	followUp3dDelay = 72 * time.Hour
	followUp7dDelay = 168 * time.Hour
)

// Labels shared with the dispatcher's skip accounting.
const (
	reasonNotEntitled = "not_entitled"
	outcomeSkipped    = "skipped"
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	Run(ctx context.Context, sess models.Session, req scraper.RunRequest) (*scraper.Summary, error)
	IsRunning(customerID string) bool
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler fires cadence runs for customers with automation enabled and arms
// dispatches for the leads those runs create.
type Scheduler struct {
	cfg       config.SchedulerConfig
	store     storage.Store
	runner    Runner
	jobs      queue.Publisher
	defaultTZ string
	cron      *cron.Cron
	sem       *semaphore.Weighted
	logger    *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	entries map[string]entry
	states  map[string]State
	stopCh  chan struct{}
	stopped bool
}

func New(cfg config.SchedulerConfig, store storage.Store, runner Runner, jobs queue.Publisher, defaultTZ string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.L()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		runner:    runner,
		jobs:      jobs,
		defaultTZ: defaultTZ,
		cron:      cron.New(),
		sem:       semaphore.NewWeighted(int64(workers)),
		logger:    logger,
		baseCtx:   context.Background(),
		entries:   make(map[string]entry),
		states:    make(map[string]State),
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler: started", zap.Duration("sync_interval", s.cfg.SyncInterval), zap.Int("workers", s.cfg.Workers))

	if s.cfg.SyncInterval <= 0 {
		return nil
	}
	go func() {
		ticker := time.NewTicker(s.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Sync(ctx); err != nil {
					s.logger.Error("scheduler: sync failed", zap.Error(err))
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the cron and waits for in-flight cron callbacks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the enabled automation settings.
func (s *Scheduler) Sync(ctx context.Context) error {
	enabled, err := s.store.ListEnabledSettings(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: list enabled settings")
	}

	desired := make(map[string]string, len(enabled))
	for i := range enabled {
		st := &enabled[i]
		desired[st.CustomerID] = fmt.Sprintf("CRON_TZ=%s %s", s.timezone(st.Timezone),
			CronSpec(st.Cadence, s.cfg.AnchorHour, s.cfg.JitterMinutes, st.CustomerID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for customerID, e := range s.entries {
		if spec, ok := desired[customerID]; !ok || spec != e.spec {
			s.cron.Remove(e.id)
			delete(s.entries, customerID)
			s.logger.Info("scheduler: removed schedule", zap.String("customer_id", customerID))
		}
	}

	for customerID, spec := range desired {
		if _, ok := s.entries[customerID]; ok {
			continue
		}
		id, err := s.cron.AddFunc(spec, func() { s.fire(customerID) })
		if err != nil {
			s.logger.Error("scheduler: invalid schedule", zap.String("customer_id", customerID), zap.String("spec", spec), zap.Error(err))
			continue
		}
		s.entries[customerID] = entry{id: id, spec: spec}
		s.logger.Info("scheduler: scheduled", zap.String("customer_id", customerID), zap.String("spec", spec))
	}
	return nil
}

// Scheduled lists customers with a cron entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) State(customerID string) State {
	if s.runner.IsRunning(customerID) {
		return StateRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[customerID]; ok {
		return st
	}
	return StateIdle
}

func (s *Scheduler) setState(customerID string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateIdle {
		delete(s.states, customerID)
		return
	}
	s.states[customerID] = st
}

// fire is the cron callback. A due run is dropped when the customer already has one running.
func (s *Scheduler) fire(customerID string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	if err := s.RunCustomer(ctx, customerID); err != nil {
		s.logger.Error("scheduler: scheduled run failed", zap.String("customer_id", customerID), zap.Error(err))
	}
}

// RunCustomer executes one scheduled run for the customer, waiting for a worker slot.
func (s *Scheduler) RunCustomer(ctx context.Context, customerID string) error {
	log := s.logger.With(zap.String("customer_id", customerID))

	if s.State(customerID) != StateIdle {
		log.Info("scheduler: run already due or running, dropping trigger")
		return nil
	}
	s.setState(customerID, StateDue)
	defer s.setState(customerID, StateIdle)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "scheduler: wait for worker")
	}
	defer s.sem.Release(1)

	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: load customer %s", customerID)
	}
	settings, err := s.store.GetSettings(ctx, customerID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: load settings %s", customerID)
	}
	if !settings.Enabled {
		log.Info("scheduler: automation disabled since last sync, skipping")
		return nil
	}

	sources := settings.EnabledSources()
	sort.Strings(sources)

	s.setState(customerID, StateRunning)
	summary, err := s.runner.Run(ctx, models.NewSession(customer, time.Time{}), scraper.RunRequest{
		Filters: settings.Filters,
		Sources: sources,
		Trigger: scraper.TriggerScheduled,
	})
	if eris.Is(err, scraper.ErrRunInProgress) {
		log.Info("scheduler: manual run in progress, dropping trigger")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info("scheduler: scheduled run finished",
		zap.String("run_id", summary.RunID.String()),
		zap.Int("leads_created", summary.LeadsCreated))
	return nil
}

// HandleRunComplete arms dispatches for every lead a run created. It is registered
// as an orchestrator completion hook so manual and scheduled runs behave the same.
func (s *Scheduler) HandleRunComplete(ctx context.Context, sess models.Session, summary *scraper.Summary) {
	if len(summary.Leads) == 0 {
		return
	}
	if !sess.Entitlements.AutomatedDispatch {
		for i := range summary.Leads {
			s.logger.Info("scheduler: lead not armed, plan does not include automated dispatch",
				zap.String("customer_id", sess.CustomerID),
				zap.String("lead_id", summary.Leads[i].ID.String()),
				zap.String("plan", string(sess.Plan)),
				zap.String("reason", reasonNotEntitled))
			metrics.RecordDispatch("", outcomeSkipped)
		}
		return
	}

	settings, err := s.store.GetSettings(ctx, sess.CustomerID)
	if eris.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("scheduler: load settings for arming", zap.String("customer_id", sess.CustomerID), zap.Error(err))
		return
	}
	if !settings.Enabled {
		return
	}

	for i := range summary.Leads {
		lead := &summary.Leads[i]
		if err := s.ArmLead(ctx, settings, lead); err != nil {
			s.logger.Error("scheduler: arm lead failed",
				zap.String("customer_id", sess.CustomerID),
				zap.String("lead_id", lead.ID.String()),
				zap.Error(err))
		}
	}
}

// ArmLead queues the immediate on_new_lead dispatch and stores the follow-up timers.
func (s *Scheduler) ArmLead(ctx context.Context, settings *models.AutomationSettings, lead *models.Lead) error {
	if settings.Triggers.OnNewLead {
		err := s.jobs.Publish(ctx, queue.Job{CustomerID: lead.CustomerID, LeadID: lead.ID, Trigger: models.TriggerNewLead})
		if err != nil {
			return eris.Wrap(err, "publish new lead job")
		}
	}

	created := lead.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	followUps := []struct {
		trigger models.TriggerType
		on      bool
		delay   time.Duration
	}{
		{models.TriggerFollowUp3d, settings.Triggers.FollowUp3d, followUp3dDelay},
		{models.TriggerFollowUp7d, settings.Triggers.FollowUp7d, followUp7dDelay},
	}
	for _, f := range followUps {
		if !f.on {
			continue
		}
		err := s.store.UpsertScheduledDispatch(ctx, &models.ScheduledDispatch{
			CustomerID: lead.CustomerID,
			LeadID:     lead.ID,
			Trigger:    f.trigger,
			DueAt:      created.Add(f.delay).UTC(),
		})
		if err != nil {
			return eris.Wrapf(err, "arm %s", f.trigger)
		}
	}
	return nil
}

// CancelFollowUps stops every pending timer for a lead.
func (s *Scheduler) CancelFollowUps(ctx context.Context, leadID uuid.UUID) (int, error) {
	n, err := s.store.CancelDispatches(ctx, leadID)
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: cancel follow-ups")
	}
	if n > 0 {
		s.logger.Info("scheduler: cancelled follow-ups", zap.String("lead_id", leadID.String()), zap.Int("count", n))
	}
	return n, nil
}

func (s *Scheduler) timezone(tz string) string {
	if tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if s.defaultTZ != "" {
		return s.defaultTZ
	}
	return "UTC"
}

// CronSpec builds the five-field cron expression for a cadence. The minute is spread per
// customer so runs do not all start at the anchor hour.
func CronSpec(cadence models.Cadence, anchorHour, jitterMinutes int, customerID string) string {
	minute := 0
	if jitterMinutes > 0 {
		h := fnv.New32a()
		h.Write([]byte(customerID))
		minute = int(h.Sum32() % uint32(jitterMinutes))
	}

	switch cadence {
	case models.CadenceTwiceDaily:
		a, b := anchorHour, (anchorHour+12)%24
		if b < a {
			a, b = b, a
		}
		return fmt.Sprintf("%d %d,%d * * *", minute, a, b)
	case models.CadenceWeekly:
		return fmt.Sprintf("%d %d * * 1", minute, anchorHour)
	default:
		return fmt.Sprintf("%d %d * * *", minute, anchorHour)
	}
}
