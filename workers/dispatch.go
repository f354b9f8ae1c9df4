package workers

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/dispatch"
	"leadpilot/models"
	"leadpilot/queue"
	"leadpilot/storage"
)

// DispatchPoller claims scheduled dispatches that came due (follow-up timers and
// quiet-hours deferrals) and hands them to the job queue.
type DispatchPoller struct {
	store     storage.Store
	jobs      queue.Publisher
	batchSize int
	triggerCh chan struct{}
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatchPoller(store storage.Store, jobs queue.Publisher, batchSize int, logger *zap.Logger) *DispatchPoller {
	if logger == nil {
		logger = zap.L()
	}
	if batchSize < 1 {
		batchSize = 50
	}
	return &DispatchPoller{
		store:     store,
		jobs:      jobs,
		batchSize: batchSize,
		triggerCh: make(chan struct{}, 1),
		logger:    logger,
		now:       time.Now,
	}
}

// Trigger causes the poller to run immediately.
func (p *DispatchPoller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

func (p *DispatchPoller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("dispatch poller: started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("dispatch poller: stopping")
			return
		case <-ticker.C:
		case <-p.triggerCh:
		}
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Error("dispatch poller: poll failed", zap.Error(err))
		}
	}
}

// Poll drains every due dispatch in batches and returns how many jobs were published.
func (p *DispatchPoller) Poll(ctx context.Context) (int, error) {
	published := 0
	for {
		due, err := p.store.ClaimDueDispatches(ctx, p.now().UTC(), p.batchSize)
		if err != nil {
			return published, eris.Wrap(err, "claim due dispatches")
		}

		for i := range due {
			d := &due[i]
			err := p.jobs.Publish(ctx, queue.Job{CustomerID: d.CustomerID, LeadID: d.LeadID, Trigger: d.Trigger})
			if err != nil {
				p.logger.Error("dispatch poller: publish failed, re-arming unpublished rows",
					zap.String("lead_id", d.LeadID.String()),
					zap.String("trigger", string(d.Trigger)),
					zap.Int("rows", len(due)-i),
					zap.Error(err))
				p.rearm(ctx, due[i:])
				return published, eris.Wrap(err, "publish dispatch job")
			}
			published++
		}

		if len(due) < p.batchSize {
			break
		}
	}

	if published > 0 {
		p.logger.Info("dispatch poller: published due dispatches", zap.Int("count", published))
	}
	return published, nil
}

// rearm puts claimed rows back to pending so the next poll hands them out again.
func (p *DispatchPoller) rearm(ctx context.Context, rows []models.ScheduledDispatch) {
	for i := range rows {
		if err := p.store.UpsertScheduledDispatch(ctx, &rows[i]); err != nil {
			p.logger.Error("dispatch poller: re-arm failed",
				zap.String("lead_id", rows[i].LeadID.String()),
				zap.String("trigger", string(rows[i].Trigger)),
				zap.Error(err))
		}
	}
}

// StorePublisher is a queue.Publisher that writes each job as a dispatch due now. A
// process without a consumer (the run command) uses it so a running server's poller
// delivers the jobs.
type StorePublisher struct {
	store storage.Store
	now   func() time.Time
}

func NewStorePublisher(store storage.Store) *StorePublisher {
	return &StorePublisher{store: store, now: time.Now}
}

func (p *StorePublisher) Publish(ctx context.Context, job queue.Job) error {
	err := p.store.UpsertScheduledDispatch(ctx, &models.ScheduledDispatch{
		CustomerID: job.CustomerID,
		LeadID:     job.LeadID,
		Trigger:    job.Trigger,
		DueAt:      p.now().UTC(),
	})
	if err != nil {
		return eris.Wrap(err, "store dispatch job")
	}
	return nil
}

// LeadDispatcher is satisfied by *dispatch.Dispatcher.
type LeadDispatcher interface {
	Dispatch(ctx context.Context, sess models.Session, lead *models.Lead, trigger models.TriggerType) (dispatch.Result, error)
}

// DispatchWorker resolves queued jobs into a session and a lead and dispatches them.
type DispatchWorker struct {
	store      storage.Store
	dispatcher LeadDispatcher
	logger     *zap.Logger
}

func NewDispatchWorker(store storage.Store, dispatcher LeadDispatcher, logger *zap.Logger) *DispatchWorker {
	if logger == nil {
		logger = zap.L()
	}
	return &DispatchWorker{store: store, dispatcher: dispatcher, logger: logger}
}

// Handle is a queue.Handler. Jobs for customers or leads that no longer exist are dropped.
func (w *DispatchWorker) Handle(ctx context.Context, job queue.Job) error {
	log := w.logger.With(
		zap.String("customer_id", job.CustomerID),
		zap.String("lead_id", job.LeadID.String()),
		zap.String("trigger", string(job.Trigger)),
	)

	customer, err := w.store.GetCustomer(ctx, job.CustomerID)
	if eris.Is(err, storage.ErrNotFound) {
		log.Warn("dispatch worker: customer not found, dropping job")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "load customer")
	}

	lead, err := w.store.GetLead(ctx, job.CustomerID, job.LeadID)
	if eris.Is(err, storage.ErrNotFound) {
		log.Warn("dispatch worker: lead not found, dropping job")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "load lead")
	}

	res, err := w.dispatcher.Dispatch(ctx, models.NewSession(customer, time.Time{}), lead, job.Trigger)
	if err != nil {
		return err
	}

	log.Debug("dispatch worker: handled",
		zap.String("outcome", string(res.Outcome)),
		zap.String("channel", string(res.Channel)),
		zap.String("reason", res.Reason))
	return nil
}
