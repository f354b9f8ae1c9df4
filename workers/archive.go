package workers

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/models"
	"leadpilot/scraper"
	"leadpilot/storage"
)

// RunArchiver writes a finished run to long-term storage.
type RunArchiver interface {
	ArchiveRun(ctx context.Context, run *models.SearchRun) error
}

type archiveRequest struct {
	customerID string
	runID      uuid.UUID
}

// ArchiveWorker copies finished runs to S3 off the orchestrator's hot path.
type ArchiveWorker struct {
	store    storage.Store
	archiver RunArchiver
	pending  chan archiveRequest
	logger   *zap.Logger
}

func NewArchiveWorker(store storage.Store, archiver RunArchiver, buffer int, logger *zap.Logger) *ArchiveWorker {
	if logger == nil {
		logger = zap.L()
	}
	if buffer < 1 {
		buffer = 16
	}
	return &ArchiveWorker{
		store:    store,
		archiver: archiver,
		pending:  make(chan archiveRequest, buffer),
		logger:   logger,
	}
}

// HandleRunComplete is an orchestrator completion hook. It never blocks the run; when the
// backlog is full the run stays only in the record store.
func (w *ArchiveWorker) HandleRunComplete(_ context.Context, sess models.Session, summary *scraper.Summary) {
	select {
	case w.pending <- archiveRequest{customerID: sess.CustomerID, runID: summary.RunID}:
	default:
		w.logger.Warn("archive worker: backlog full, skipping run", zap.String("run_id", summary.RunID.String()))
	}
}

func (w *ArchiveWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("archive worker: stopping")
			return
		case req := <-w.pending:
			if err := w.archive(ctx, req); err != nil {
				w.logger.Error("archive worker: archive failed",
					zap.String("customer_id", req.customerID),
					zap.String("run_id", req.runID.String()),
					zap.Error(err))
			}
		}
	}
}

func (w *ArchiveWorker) archive(ctx context.Context, req archiveRequest) error {
	runs, err := w.store.ListRuns(ctx, req.customerID, 20)
	if err != nil {
		return eris.Wrap(err, "list runs")
	}
	for i := range runs {
		if runs[i].ID == req.runID {
			if err := w.archiver.ArchiveRun(ctx, &runs[i]); err != nil {
				return err
			}
			w.logger.Debug("archive worker: archived run", zap.String("run_id", req.runID.String()), zap.String("key", storage.RunKey(&runs[i])))
			return nil
		}
	}
	return eris.Wrapf(storage.ErrNotFound, "run %s", req.runID)
}
