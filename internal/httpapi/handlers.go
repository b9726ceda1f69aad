package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/robotjaol/crucible/internal/lifecycle"
	"github.com/robotjaol/crucible/internal/persistence"
	"github.com/robotjaol/crucible/internal/recovery"
	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

// envelope is the uniform response wrapper: expected failures come back
// as success=false with the error message, never as a 5xx.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// respondErr classifies an error: expected domain failures stay 200 with
// success=false; everything else is a 500.
func (s *Service) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNoActiveSession),
		errors.Is(err, lifecycle.ErrSessionCompleted),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrInvalidConfidence),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, persistence.ErrCheckpointNotFound),
		errors.Is(err, recovery.ErrNotRecoverable):
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: err.Error()})
	default:
		s.log.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.persist.Status()
	s.respondOK(w, map[string]any{
		"status":           "ok",
		"sync_connected":   status.Connected,
		"pending_sessions": status.PendingSessions,
	})
}

func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string               `json:"user_id"`
		ScenarioID    string               `json:"scenario_id"`
		Configuration models.SessionConfig `json:"configuration"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}

	graph, ok := s.scenarios.Get(req.ScenarioID)
	if !ok || !graph.Active() {
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: recovery.ReasonScenarioInactive})
		return
	}

	mgr := s.newManager()
	sess, err := mgr.StartSession(r.Context(), req.UserID, req.ScenarioID, req.Configuration, graph)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.adoptManager(sess.ID, mgr)
	s.respondOK(w, sess)
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.manager(chi.URLParam(r, "sessionID"))
	if !ok {
		s.respondErr(w, lifecycle.ErrNoActiveSession)
		return
	}
	if err := mgr.PauseSession(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, nil)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	graph, ok := s.scenarios.Get(sess.ScenarioID)
	if !ok {
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: recovery.ReasonScenarioInactive})
		return
	}

	mgr, exists := s.manager(sessionID)
	if !exists {
		mgr = s.newManager()
	}
	resumed, err := mgr.ResumeSession(r.Context(), sessionID, graph)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.adoptManager(sessionID, mgr)
	s.respondOK(w, resumed)
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FinalScore float64 `json:"final_score"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	mgr, ok := s.manager(sessionID)
	if !ok {
		s.respondErr(w, lifecycle.ErrNoActiveSession)
		return
	}
	if err := mgr.CompleteSession(r.Context(), req.FinalScore); err != nil {
		s.respondErr(w, err)
		return
	}
	s.releaseManager(sessionID)
	s.respondOK(w, nil)
}

func (s *Service) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StateID      string               `json:"state_id"`
		Text         string               `json:"text"`
		TimeTakenMs  int64                `json:"time_taken_ms"`
		ScoreImpact  float64              `json:"score_impact"`
		Consequences []models.Consequence `json:"consequences"`
		Confidence   *int                 `json:"confidence"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}

	mgr, ok := s.manager(chi.URLParam(r, "sessionID"))
	if !ok {
		s.respondErr(w, lifecycle.ErrNoActiveSession)
		return
	}
	d, err := mgr.RecordDecision(r.Context(), lifecycle.RecordDecisionInput{
		StateID:      req.StateID,
		Text:         req.Text,
		TimeTakenMs:  req.TimeTakenMs,
		ScoreImpact:  req.ScoreImpact,
		Consequences: req.Consequences,
		Confidence:   req.Confidence,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, d)
}

func (s *Service) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StateID string `json:"state_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}

	mgr, ok := s.manager(chi.URLParam(r, "sessionID"))
	if !ok {
		s.respondErr(w, lifecycle.ErrNoActiveSession)
		return
	}
	if err := mgr.UpdateCurrentState(r.Context(), req.StateID); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, nil)
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.manager(chi.URLParam(r, "sessionID"))
	if !ok {
		s.respondErr(w, lifecycle.ErrNoActiveSession)
		return
	}
	metrics, err := mgr.SessionMetrics(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, metrics)
}

func (s *Service) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessions, err := s.newManager().ActiveSessions(r.Context(), userID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, sessions)
}

func (s *Service) handleCanRecover(w http.ResponseWriter, r *http.Request) {
	elig, err := s.recovery.CanRecoverSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, elig)
}

func (s *Service) handleRecover(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	graph, ok := s.scenarios.Get(sess.ScenarioID)
	if !ok {
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: recovery.ReasonScenarioInactive})
		return
	}

	mgr := s.newManager()
	recovered, err := s.recovery.RecoverSession(r.Context(), sessionID, graph, mgr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.adoptManager(sessionID, mgr)
	s.respondOK(w, recovered)
}

func (s *Service) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}
	if req.Reason == "" {
		req.Reason = "abandoned by user"
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := s.recovery.AbandonSession(r.Context(), sessionID, req.Reason); err != nil {
		s.respondErr(w, err)
		return
	}
	s.releaseManager(sessionID)
	s.respondOK(w, nil)
}

func (s *Service) handleFindRecoverable(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	opts := recovery.FindOptions{
		SortBy: recovery.SortBy(r.URL.Query().Get("sort_by")),
	}
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.MaxAgeHours = n
		}
	}
	opts.IncludeCompleted = r.URL.Query().Get("include_completed") == "true"

	candidates, err := s.recovery.FindRecoverableSessions(r.Context(), userID, opts)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, candidates)
}

func (s *Service) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recovery.GetRecoveryStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, stats)
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		MaxAgeHours int    `json:"max_age_hours"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed request body"})
		return
	}

	abandoned, err := s.recovery.CleanupOldSessions(r.Context(), req.UserID, req.MaxAgeHours)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, map[string]int{"abandoned": abandoned})
}

func (s *Service) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "checkpoint name required"})
		return
	}
	if err := s.persist.CreateCheckpoint(r.Context(), chi.URLParam(r, "sessionID"), req.Name); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, nil)
}

func (s *Service) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	name := chi.URLParam(r, "name")
	if err := s.persist.RestoreFromCheckpoint(r.Context(), sessionID, name); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondOK(w, nil)
}
