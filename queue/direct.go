package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Direct is an in-process queue used when no broker is configured. Jobs are lost on restart,
// but due follow-ups stay in the store and are re-claimed by the poller.
type Direct struct {
	jobs   chan Job
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func NewDirect(buffer int, logger *zap.Logger) *Direct {
	if logger == nil {
		logger = zap.L()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Direct{
		jobs:   make(chan Job, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (q *Direct) Publish(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Direct) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case job := <-q.jobs:
			if err := h(ctx, job); err != nil {
				q.logger.Error("queue: job failed",
					zap.String("lead_id", job.LeadID.String()),
					zap.String("trigger", string(job.Trigger)),
					zap.Error(err))
			}
		}
	}
}

func (q *Direct) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
