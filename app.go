package main

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/dispatch"
	"leadpilot/httputil"
	"leadpilot/queue"
	"leadpilot/scheduler"
	"leadpilot/scraper"
	"leadpilot/services"
	"leadpilot/storage"
)

// app holds the wired components shared by every command.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        storage.Store
	clients      *httputil.Clients
	usage        *services.UsageMeter
	orchestrator *scraper.Orchestrator
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		logger.Info("store: connected to postgres", zap.String("url", maskConnectionString(cfg.PostgresURL)))
		return s, nil
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("store: sqlite database", zap.String("path", cfg.SQLitePath))
		return s, nil
	case "memory":
		logger.Warn("store: using in-memory store, nothing is persisted")
		return storage.NewMemoryStore(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	clients := httputil.NewClients(cfg)
	connectors, err := scraper.NewConnectors(cfg, clients, logger)
	if err != nil {
		store.Close()
		return nil, eris.Wrap(err, "build connectors")
	}

	usage := services.NewUsageMeter(store, cfg.Usage.UnitCosts)
	classifier := services.NewClassifier(cfg.Classifier, clients.Scoring, logger)
	orch := scraper.NewOrchestrator(connectors, store, classifier, usage, cfg.Orchestrator, logger)
	for _, id := range orch.SourceIDs() {
		logger.Info("source loaded", zap.String("source", id), zap.String("handler", cfg.Sources[id].Handler))
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		clients:      clients,
		usage:        usage,
		orchestrator: orch,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store: close failed", zap.Error(err))
	}
}

func (a *app) newDispatcher() (*dispatch.Dispatcher, error) {
	renderer, err := dispatch.NewRenderer(a.cfg.Dispatch.TemplatesDir)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(a.cfg.Dispatch.DefaultTimezone)
	if err != nil {
		return nil, eris.Wrapf(err, "load timezone %s", a.cfg.Dispatch.DefaultTimezone)
	}

	generator := dispatch.NewGenerator(a.cfg.Generator, a.clients.Scoring)
	if generator == nil {
		a.logger.Info("dispatch: no message generator configured, AI mode falls back to templates")
	}

	return dispatch.NewDispatcher(a.store, renderer, generator, a.usage, loc, a.logger,
		dispatch.NewEmailSender(a.cfg.SMTP),
		dispatch.NewWhatsAppSender(a.cfg.WhatsApp, a.clients.API),
	), nil
}

func (a *app) newQueue() (queue.Queue, error) {
	if a.cfg.RabbitMQ.URL == "" {
		a.logger.Info("queue: RABBITMQ_URL not set, dispatching in-process")
		return queue.NewDirect(256, a.logger), nil
	}
	return queue.NewRabbitMQ(a.cfg.RabbitMQ.URL, a.logger)
}

func (a *app) newScheduler(jobs queue.Publisher) *scheduler.Scheduler {
	sched := scheduler.New(a.cfg.Scheduler, a.store, a.orchestrator, jobs, a.cfg.Dispatch.DefaultTimezone, a.logger)
	a.orchestrator.OnComplete(sched.HandleRunComplete)
	return sched
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	return u.Redacted()
}
