package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/pkg/verrors"
)

// statusRecorder captures the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestID assigns every request a UUID, echoed in X-Request-ID and
// carried in the context for error envelopes.
func (s *Service) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests emits one structured line per request and feeds the metric
// counters.
func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		operation := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			operation = r.Method + " " + rctx.RoutePattern()
		}
		s.metrics.observe(operation, rec.status)
		evt := log.Debug()
		if rec.status >= 500 {
			evt = log.Error()
		} else if rec.status >= 400 {
			evt = log.Warn()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("Request")
	})
}

// authenticate resolves the Authorization header to a tenant and stores it
// in the context. Health probes are mounted outside this middleware.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := s.resolver.FromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyTenant, t)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates admin-only routes.
func (s *Service) requirePermission(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFrom(r.Context())
		if t == nil || !t.Can(permission) {
			writeError(w, r, verrors.New(verrors.CodePermissionDenied, "missing %q permission", permission))
			return
		}
		next(w, r)
	}
}

// rateLimit charges the named operation against the caller's quota and
// sets the X-RateLimit headers from the decision.
func (s *Service) rateLimit(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := tenantFrom(r.Context())
			if t == nil {
				writeError(w, r, verrors.New(verrors.CodeUnauthenticated, "no tenant in request context"))
				return
			}
			decision, err := s.limiter.Allow(r.Context(), t.ID, operation)
			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withTimeout bounds a handler with an operation deadline.
func withTimeout(d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}
