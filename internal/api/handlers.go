package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alicelabs/orchestrator/internal/cache"
	"github.com/alicelabs/orchestrator/internal/core"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.d.Guardian.State().String()
	status := http.StatusOK
	healthy := state != "LOCKDOWN"
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"healthy":        healthy,
		"guardian_state": state,
		"breakers":       s.d.Breakers.Health(),
		"uptime_s":       int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatusSimple(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"guardian_state": s.d.Guardian.State().String(),
		"uptime_s":       int(time.Since(s.startedAt).Seconds()),
		"started_at":     s.startedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatusRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"quotas":   s.d.Quotas.Snapshot(),
		"breakers": s.d.Breakers.Health(),
	})
}

func (s *Server) handleStatusGuardian(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Guardian.Snapshot())
}

func (s *Server) handleStatusBandit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"arms": s.d.Bandit.Stats(),
	})
}

func (s *Server) handleStatusSLO(w http.ResponseWriter, r *http.Request) {
	if s.d.SLO == nil {
		writeError(w, core.ErrClassInternal, "slo tracker inte aktiv", "", 0)
		return
	}
	writeJSON(w, http.StatusOK, s.d.SLO.Report())
}

// handleCacheInvalidate drops cache entries by intent, schema version, or
// deps version.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.d.Cache == nil {
		writeError(w, core.ErrClassValidation, "cache inaktiverad", "", 0)
		return
	}

	var filter cache.InvalidateFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		writeError(w, core.ErrClassValidation, "ogiltig JSON", "", 0)
		return
	}
	if err := s.d.Cache.Invalidate(r.Context(), filter); err != nil {
		writeError(w, core.ErrClassCacheError, err.Error(), "", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Reload(); err != nil {
		writeError(w, core.ErrClassInternal, "omläsning misslyckades", "", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
