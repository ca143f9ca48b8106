package api

import (
	"context"
	"net/http"
	"time"

	"github.com/impactlink/realtime-gateway/internal/wsgateway"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// Pinger is any dependency readiness can be checked against
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports hub statistics
type StatsSource interface {
	GetStats() wsgateway.HubStats
}

// HealthHandler serves liveness, readiness and stats
type HealthHandler struct {
	checks map[string]Pinger
	stats  StatsSource
}

// NewHealthHandler creates a health handler; nil checks are skipped
func NewHealthHandler(stats StatsSource, checks map[string]Pinger) *HealthHandler {
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	return &HealthHandler{checks: filtered, stats: stats}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Live handles GET /live
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready handles GET /ready by pinging every dependency
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	ready := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			logger.Warn("Readiness check failed",
				logger.ErrorField(err),
				logger.String("dependency", name),
			)
			results[name] = "unavailable"
			ready = false
			continue
		}
		results[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.stats.GetStats())
}
