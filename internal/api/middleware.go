package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	apierrors "github.com/moolen/sentinel/internal/api/errors"
	"github.com/moolen/sentinel/internal/api/response"
	"github.com/moolen/sentinel/internal/logging"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)

		logger.WithContext(r.Context()).DebugWithFields("request served",
			logging.Field("request_id", id),
			logging.Field("method", r.Method),
			logging.Field("path", r.URL.Path),
			logging.Field("status", rec.status),
			logging.Field("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

// rateLimit rejects requests beyond the limiter's budget with 429.
func rateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			response.WriteError(w, apierrors.NewTooManyRequestsError("request rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
