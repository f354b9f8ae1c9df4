package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"leadpilot/config"
	"leadpilot/metrics"
	"leadpilot/models"
	"leadpilot/progress"
	"leadpilot/services"
	"leadpilot/storage"
)

var (
	ErrRunInProgress = eris.New("a search run is already in progress for this customer")
	ErrNoSources     = eris.New("no sources available for this search")
)

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

type RunRequest struct {
	Filters models.SearchFilters
	Sources []string // empty = every configured connector
	Trigger string
}

// Summary is the synchronous result of a run, identical in content to the Complete event.
type Summary struct {
	RunID            uuid.UUID
	TotalFound       int
	Results          []models.SourceOutcome
	LeadsCreated     int
	Leads            []models.Lead
	SourcesAllFailed bool
}

// LeadClassifier scores a lead. Implementations never fail; errors degrade to a fallback score.
type LeadClassifier interface {
	Classify(ctx context.Context, sess models.Session, lead *models.Lead, filters models.SearchFilters) services.Classification
}

// CompleteHook runs after Complete is emitted and before the event channel closes.
type CompleteHook func(ctx context.Context, sess models.Session, summary *Summary)

type Orchestrator struct {
	connectors    map[string]Connector
	dedup         *services.Dedup
	classifier    LeadClassifier
	usage         *services.UsageMeter
	store         storage.Store
	sourceTimeout time.Duration
	eventBuffer   int
	logger        *zap.Logger

	mu         sync.Mutex
	activeRuns map[string]uuid.UUID
	hooks      []CompleteHook
}

func NewOrchestrator(
	connectors map[string]Connector,
	store storage.Store,
	classifier LeadClassifier,
	usage *services.UsageMeter,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.L()
	}
	buffer := cfg.EventBuffer
	if buffer < 1 {
		buffer = 1
	}
	return &Orchestrator{
		connectors:    connectors,
		dedup:         services.NewDedup(store),
		classifier:    classifier,
		usage:         usage,
		store:         store,
		sourceTimeout: cfg.SourceTimeout,
		eventBuffer:   buffer,
		logger:        logger,
		activeRuns:    make(map[string]uuid.UUID),
	}
}

// OnComplete registers a hook invoked at the end of every run.
func (o *Orchestrator) OnComplete(h CompleteHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

// SourceIDs lists configured connectors in stable order.
func (o *Orchestrator) SourceIDs() []string {
	return sortedIDs(o.connectors)
}

func (o *Orchestrator) IsRunning(customerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.activeRuns[customerID]
	return ok
}

func (o *Orchestrator) markRunning(customerID string, runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.activeRuns[customerID]; ok {
		return false
	}
	o.activeRuns[customerID] = runID
	return true
}

func (o *Orchestrator) markComplete(customerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, customerID)
}

// RunSearch starts a run and returns its event stream. The caller must drain the channel;
// Complete is always the last event before it closes. Cancelling ctx does not stop the run.
func (o *Orchestrator) RunSearch(ctx context.Context, sess models.Session, req RunRequest) (<-chan progress.Event, error) {
	sources := o.resolveSources(sess, req.Sources)
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	run := &models.SearchRun{
		ID:         uuid.New(),
		CustomerID: sess.CustomerID,
		Trigger:    req.Trigger,
		StartedAt:  time.Now().UTC(),
		Status:     models.RunStatusRunning,
	}
	if run.Trigger == "" {
		run.Trigger = TriggerManual
	}

	if !o.markRunning(sess.CustomerID, run.ID) {
		return nil, ErrRunInProgress
	}

	events := make(chan progress.Event, o.eventBuffer)
	go o.execute(context.WithoutCancel(ctx), sess, run, sources, req.Filters, events)
	return events, nil
}

// Run executes a search and blocks until it finishes.
func (o *Orchestrator) Run(ctx context.Context, sess models.Session, req RunRequest) (*Summary, error) {
	events, err := o.RunSearch(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	var summary *Summary
	for ev := range events {
		if c, ok := ev.(progress.Complete); ok {
			summary = summaryFrom(c)
		}
	}
	if summary == nil {
		return nil, eris.New("run ended without a complete event")
	}
	return summary, nil
}

// resolveSources keeps known connectors in request order (or all, sorted) and applies the plan cap.
func (o *Orchestrator) resolveSources(sess models.Session, requested []string) []string {
	var ids []string
	if len(requested) == 0 {
		ids = sortedIDs(o.connectors)
	} else {
		seen := make(map[string]bool, len(requested))
		for _, id := range requested {
			if _, ok := o.connectors[id]; !ok {
				o.logger.Warn("orchestrator: unknown source requested", zap.String("source", id), zap.String("customer_id", sess.CustomerID))
				continue
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	if limit := sess.Entitlements.MaxSources; limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

type runState struct {
	mu       sync.Mutex
	outcomes map[string]*models.SourceOutcome
	leads    []models.Lead
	failed   int
}

func (o *Orchestrator) execute(ctx context.Context, sess models.Session, run *models.SearchRun, sources []string, filters models.SearchFilters, events chan<- progress.Event) {
	defer close(events)

	log := o.logger.With(zap.String("customer_id", sess.CustomerID), zap.String("run_id", run.ID.String()))
	log.Info("orchestrator: run started", zap.Strings("sources", sources), zap.String("trigger", run.Trigger))

	events <- progress.Status{Message: fmt.Sprintf("searching %d sources", len(sources))}

	state := &runState{outcomes: make(map[string]*models.SourceOutcome, len(sources))}
	for _, id := range sources {
		state.outcomes[id] = &models.SourceOutcome{Source: id}
	}

	var g errgroup.Group
	for _, id := range sources {
		conn := o.connectors[id]
		g.Go(func() error {
			o.searchSource(ctx, sess, conn, filters, state, events, log)
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{RunID: run.ID, Leads: state.leads}
	if summary.Leads == nil {
		summary.Leads = []models.Lead{}
	}
	for _, id := range sources {
		oc := *state.outcomes[id]
		summary.Results = append(summary.Results, oc)
		summary.TotalFound += oc.Found
	}
	summary.LeadsCreated = len(state.leads)
	summary.SourcesAllFailed = state.failed == len(sources)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Outcomes = summary.Results
	run.LeadsCreated = summary.LeadsCreated
	run.SourcesAllFailed = summary.SourcesAllFailed
	run.Status = models.RunStatusCompleted
	if summary.SourcesAllFailed {
		run.Status = models.RunStatusFailed
	}

	if err := o.store.SaveRun(ctx, run); err != nil {
		log.Error("orchestrator: failed to persist run", zap.Error(err))
	}
	if err := o.usage.Record(ctx, sess.CustomerID, models.UsageLeadCapture, summary.LeadsCreated); err != nil {
		log.Error("orchestrator: failed to record lead capture usage", zap.Error(err))
	}
	metrics.RecordRun(run.Trigger, string(run.Status))

	log.Info("orchestrator: run complete",
		zap.Int("total_found", summary.TotalFound),
		zap.Int("leads_created", summary.LeadsCreated),
		zap.Bool("sources_all_failed", summary.SourcesAllFailed))

	events <- progress.Complete{
		RunID:            summary.RunID,
		SearchResults:    summary.Results,
		TotalFound:       summary.TotalFound,
		LeadsCreated:     summary.LeadsCreated,
		Leads:            summary.Leads,
		SourcesAllFailed: summary.SourcesAllFailed,
	}

	// The slot is free before hooks run so a slow hook never blocks the customer's next run.
	o.markComplete(sess.CustomerID)

	o.mu.Lock()
	hooks := append([]CompleteHook(nil), o.hooks...)
	o.mu.Unlock()
	for _, h := range hooks {
		h(ctx, sess, summary)
	}
}

func (o *Orchestrator) searchSource(
	ctx context.Context,
	sess models.Session,
	conn Connector,
	filters models.SearchFilters,
	state *runState,
	events chan<- progress.Event,
	log *zap.Logger,
) {
	id := conn.ID()
	log = log.With(zap.String("source", id))

	sctx, cancel := context.WithTimeout(ctx, o.sourceTimeout)
	listings, err := conn.Search(sctx, filters)
	cancel()

	if err != nil {
		msg := err.Error()
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("timed out after %s", o.sourceTimeout)
		}
		log.Warn("orchestrator: source failed", zap.Error(err))
		metrics.RecordSourceError(id)

		state.mu.Lock()
		state.outcomes[id].Error = msg
		state.failed++
		state.mu.Unlock()

		events <- progress.SourceComplete{Source: id, Found: 0, Error: msg}
		return
	}

	state.mu.Lock()
	state.outcomes[id].Found = len(listings)
	state.mu.Unlock()
	events <- progress.SourceComplete{Source: id, Found: len(listings)}

	for i := range listings {
		lead, ok := o.processListing(ctx, sess, id, &listings[i], filters, log)
		if !ok {
			continue
		}

		state.mu.Lock()
		state.outcomes[id].Added++
		state.leads = append(state.leads, *lead)
		state.mu.Unlock()

		events <- progress.LeadCreated{Lead: *lead}
	}
}

// processListing returns the created lead, or false for duplicates and store errors.
func (o *Orchestrator) processListing(
	ctx context.Context,
	sess models.Session,
	source string,
	listing *models.Listing,
	filters models.SearchFilters,
	log *zap.Logger,
) (*models.Lead, bool) {
	fp := o.dedup.Identify(listing)

	exists, err := o.dedup.Exists(ctx, sess.CustomerID, fp)
	if err != nil {
		log.Error("orchestrator: dedup lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		return nil, false
	}
	if exists {
		return nil, false
	}

	lead := services.LeadFromListing(sess.CustomerID, source, fp, listing)
	res := o.classifier.Classify(ctx, sess, lead, filters)
	lead.Score = res.Score
	lead.Tier = res.Tier

	created, err := o.dedup.Insert(ctx, lead)
	if err != nil {
		log.Error("orchestrator: lead insert failed", zap.String("fingerprint", fp), zap.Error(err))
		return nil, false
	}
	if !created {
		// another run inserted the same fingerprint between Exists and Insert
		return nil, false
	}

	// Analysis is billed only for the copy that was kept.
	if !res.Fallback {
		if err := o.usage.Record(ctx, sess.CustomerID, models.UsageAIAnalysis, 1); err != nil {
			log.Error("orchestrator: failed to record analysis usage", zap.Error(err))
		}
	}

	metrics.RecordLeadCreated(source)
	log.Debug("orchestrator: lead created", zap.String("lead_id", lead.ID.String()), zap.Int("score", lead.Score), zap.String("tier", string(lead.Tier)))
	return lead, true
}

func summaryFrom(c progress.Complete) *Summary {
	return &Summary{
		RunID:            c.RunID,
		TotalFound:       c.TotalFound,
		Results:          c.SearchResults,
		LeadsCreated:     c.LeadsCreated,
		Leads:            c.Leads,
		SourcesAllFailed: c.SourcesAllFailed,
	}
}
