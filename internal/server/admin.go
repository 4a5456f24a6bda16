package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/vexdb/internal/ratelimit"
	"github.com/thebtf/vexdb/pkg/verrors"
)

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleReady reports degraded (but still ready) when the KV tier is
// unreachable: caching and rate limiting fall back to in-process state.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	degraded := false
	if s.cfg.KV.URL != "" {
		if err := s.kvStore.Ping(r.Context()); err != nil {
			degraded = true
		}
	}
	if _, err := s.store.List(); err != nil {
		writeError(w, r, verrors.Wrap(verrors.CodeUnavailable, err, "storage root unreadable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "degraded": degraded})
}

func (s *Service) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.snapshot(time.Since(s.started)))
}

// handleMetricsPrometheus is a placeholder: the scrape format belongs to
// an external exporter.
func (s *Service) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, verrors.New(verrors.CodeUnimplemented, "prometheus exposition is not built in, scrape /metrics via an exporter"))
}

// handleRateLimits shows the caller's effective quota and strategy.
func (s *Service) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": t.ID,
		"strategy":  s.limiter.Strategy(),
		"quota":     s.limiter.QuotaFor(t.ID),
	})
}

func (s *Service) handleAdminGetRateLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"strategy":  s.limiter.Strategy(),
		"quota":     s.limiter.QuotaFor(tenantID),
	})
}

// handleAdminSetRateLimits installs a quota override for a tenant.
func (s *Service) handleAdminSetRateLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var quota ratelimit.Quota
	if err := decodeJSON(r, &quota); err != nil {
		writeError(w, r, err)
		return
	}
	if quota.PerMinute <= 0 {
		writeError(w, r, verrors.New(verrors.CodeValidation, "per_minute must be positive"))
		return
	}
	s.limiter.SetQuota(tenantID, quota)
	if t, ok := s.resolver.ByID(tenantID); ok {
		t.RateLimits = &quota
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"strategy":  s.limiter.Strategy(),
		"quota":     quota,
	})
}
