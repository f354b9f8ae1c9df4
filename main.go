package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leadpilot/api"
	"leadpilot/config"
	"leadpilot/logging"
	"leadpilot/models"
	"leadpilot/scraper"
	"leadpilot/storage"
	"leadpilot/workers"
)

var (
	cfg    *config.Config
	logger *zap.Logger
	logOut *logging.RotatingWriter
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "leadpilot",
		Short: "Lead automation orchestrator for real-estate marketplaces",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return eris.Wrap(err, "load config")
			}
			logger, logOut, err = logging.Setup(cfg.LogFile, cfg.LogLevel)
			if err != nil {
				return eris.Wrap(err, "set up logging")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
			if logOut != nil {
				logOut.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), runCmd(), migrateCmd(), customerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduler and the dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.newQueue()
	if err != nil {
		return eris.Wrap(err, "open queue")
	}
	defer jobs.Close()

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return eris.Wrap(err, "build dispatcher")
	}

	sched := a.newScheduler(jobs)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return eris.Wrap(err, "start scheduler")
		}
		defer sched.Stop()
	} else {
		logger.Info("scheduler: disabled, cadence runs will not fire")
	}

	if cfg.S3.Bucket != "" {
		archiver, err := storage.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			return eris.Wrap(err, "build run archiver")
		}
		archive := workers.NewArchiveWorker(a.store, archiver, 64, logger)
		a.orchestrator.OnComplete(archive.HandleRunComplete)
		go archive.Run(ctx)
		logger.Info("archive worker started", zap.String("bucket", cfg.S3.Bucket))
	}

	poller := workers.NewDispatchPoller(a.store, jobs, cfg.Dispatch.BatchSize, logger)
	go poller.Run(ctx, cfg.Dispatch.PollInterval)

	worker := workers.NewDispatchWorker(a.store, dispatcher, logger)
	go func() {
		if err := jobs.Consume(ctx, worker.Handle); err != nil && ctx.Err() == nil {
			logger.Error("dispatch worker stopped", zap.Error(err))
		}
	}()
	logger.Info("dispatch workers started", zap.Duration("poll_interval", cfg.Dispatch.PollInterval))

	server := api.NewServer(cfg.HTTP, a.store, a.orchestrator, a.usage, sched, logger)
	// No WriteTimeout: run progress streams stay open for the length of a run.
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http: listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return eris.Wrap(err, "http server")
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http: shutdown incomplete", zap.Error(err))
	}
	logger.Info("goodbye")
	return nil
}

func runCmd() *cobra.Command {
	var (
		customerID string
		sources    []string
		locations  []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one search for a customer and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			customer, err := a.store.GetCustomer(ctx, customerID)
			if err != nil {
				return eris.Wrapf(err, "load customer %s", customerID)
			}

			// New leads are armed into the store; a running server's poller sends them.
			if cfg.Store.Driver == "memory" {
				logger.Warn("run: in-memory store, armed dispatches will be lost on exit")
			}
			a.newScheduler(workers.NewStorePublisher(a.store))

			req := scraper.RunRequest{Sources: sources, Trigger: scraper.TriggerManual}
			settings, err := a.store.GetSettings(ctx, customerID)
			switch {
			case err == nil:
				req.Filters = settings.Filters
				if len(req.Sources) == 0 {
					req.Sources = settings.EnabledSources()
					sort.Strings(req.Sources)
				}
			case !eris.Is(err, storage.ErrNotFound):
				return eris.Wrap(err, "load settings")
			}
			if len(locations) > 0 {
				req.Filters.Locations = locations
			}

			summary, err := a.orchestrator.Run(ctx, models.NewSession(customer, time.Time{}), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "source ids (default: the customer's enabled sources)")
	cmd.Flags().StringSliceVar(&locations, "location", nil, "override search locations")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate")
			}
			logger.Info("migrations applied", zap.String("driver", cfg.Store.Driver))
			return nil
		},
	}
}

func customerCmd() *cobra.Command {
	var (
		id   string
		name string
		plan string
		tz   string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Create or update a customer and issue an API session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := models.Plan(plan)
			switch p {
			case models.PlanFree, models.PlanStarter, models.PlanPro, models.PlanAgency:
			default:
				return eris.Errorf("unknown plan %q", plan)
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate")
			}

			if err := store.UpsertCustomer(ctx, &models.Customer{ID: id, Name: name, Plan: p, Timezone: tz, CreatedAt: time.Now().UTC()}); err != nil {
				return eris.Wrap(err, "save customer")
			}

			var expires time.Time
			if ttl > 0 {
				expires = time.Now().Add(ttl).UTC()
			}
			token := uuid.NewString()
			if err := store.CreateSession(ctx, token, id, expires); err != nil {
				return eris.Wrap(err, "create session")
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "customer id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&plan, "plan", string(models.PlanFree), "plan: free, starter, pro, agency")
	cmd.Flags().StringVar(&tz, "timezone", "", "IANA timezone")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "session lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
