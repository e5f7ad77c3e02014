package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

const (
	indexSessionLimit   = 10
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

type statusResponse struct {
	Status   crawl.CanonicalStatus `json:"status"`
	Steps    []crawl.StepView      `json:"steps"`
	Sessions []crawl.Session       `json:"sessions,omitempty"`
	Notice   string                `json:"notice,omitempty"`
	Alert    string                `json:"alert,omitempty"`
}

// index sweeps stale sessions, then renders the current state with recent
// history.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.deps.Engine.SweepStale(ctx); err != nil {
		s.logger.Warn("stale session sweep failed", zap.Error(err))
	}
	status, steps, err := s.deps.Engine.Status(ctx)
	if err != nil {
		s.logger.Error("status query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl status")
		return
	}
	resp := statusResponse{
		Status: status,
		Steps:  steps,
		Notice: r.URL.Query().Get("notice"),
		Alert:  r.URL.Query().Get("alert"),
	}
	if s.deps.Sessions != nil {
		sessions, err := s.deps.Sessions.ListSessions(ctx, indexSessionLimit)
		if err != nil {
			s.logger.Warn("list sessions failed", zap.Error(err))
		}
		resp.Sessions = sessions
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, steps, err := s.deps.Engine.Status(r.Context())
	if err != nil {
		s.logger.Error("status query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl status")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status, Steps: steps})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSessionLimit)
	}
	sessions, err := s.deps.Sessions.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []crawl.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
