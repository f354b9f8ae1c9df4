package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/models"
	"leadpilot/storage"
)

var ErrUnauthorized = eris.New("unauthorized")

type sessionKey struct{}

// SessionFrom returns the session resolved by the auth middleware.
func SessionFrom(ctx context.Context) (models.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(models.Session)
	return sess, ok
}

func WithSession(ctx context.Context, sess models.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// authenticate resolves the bearer token into a session.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}

		sess, err := s.store.SessionByToken(r.Context(), token)
		if eris.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
		if err != nil {
			s.logger.Error("api: session lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
		if sess.Expired(time.Now()) {
			writeError(w, http.StatusUnauthorized, models.ErrSessionExpired.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), *sess)))
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
