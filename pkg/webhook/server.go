package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pyrus-bots/escalator/pkg/metrics"
)

// NewRouter assembles the HTTP surface: the webhook endpoint plus health
// and metrics.
func NewRouter(h *Handler, log *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Post("/webhook", h.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// requestID tags every request with a fresh id, echoed in the response
// headers for correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": w.Header().Get("X-Request-Id"),
			}).Debug("request handled")
		})
	}
}
