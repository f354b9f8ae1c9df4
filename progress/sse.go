package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/models"
)

const keepAliveInterval = 15 * time.Second

// SSEWriter forwards one run's events to one client as text/event-stream.
type SSEWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	sess   models.Session
	now    func() time.Time
	logger *zap.Logger
}

func NewSSEWriter(w http.ResponseWriter, sess models.Session, logger *zap.Logger) *SSEWriter {
	if logger == nil {
		logger = zap.L()
	}
	return &SSEWriter{
		w:      w,
		rc:     http.NewResponseController(w),
		sess:   sess,
		now:    time.Now,
		logger: logger,
	}
}

// Stream writes events until the channel closes. When the client goes away, a write fails
// or the session expires it returns early and a background goroutine drains the rest of the
// channel, so the producer never blocks and the run still finishes.
// Returns models.ErrSessionExpired or the client's context error when forwarding stopped early.
func (s *SSEWriter) Stream(ctx context.Context, events <-chan Event) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	detach := func(err error) error {
		go drain(events)
		return err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return detach(err)
			}
			if s.sess.Expired(s.now()) {
				s.logger.Info("sse: session expired mid-stream", zap.String("customer_id", s.sess.CustomerID))
				WriteEvent(s.w, Error{Code: CodeSessionExpired, Message: models.ErrSessionExpired.Error()})
				s.flush()
				return detach(models.ErrSessionExpired)
			}
			if err := WriteEvent(s.w, ev); err != nil {
				s.logger.Debug("sse: write failed, draining", zap.Error(err))
				return detach(err)
			}
			s.flush()

		case <-ticker.C:
			if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
				return detach(eris.Wrap(err, "keep-alive"))
			}
			s.flush()

		case <-ctx.Done():
			return detach(ctx.Err())
		}
	}
}

func drain(events <-chan Event) {
	for range events {
	}
}

func (s *SSEWriter) flush() {
	_ = s.rc.Flush()
}

// WriteEvent writes a single event frame: `event: <name>`, `data: <json>`, blank line.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrapf(err, "marshal %s event", ev.Name())
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name(), data); err != nil {
		return eris.Wrapf(err, "write %s event", ev.Name())
	}
	return nil
}
