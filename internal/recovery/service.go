// Package recovery finds interrupted sessions, validates whether they can
// be resumed, drives resumption and abandons stale sessions.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/robotjaol/crucible/internal/lifecycle"
	"github.com/robotjaol/crucible/internal/scenario"
	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

// MaxRecoveryAge is the hard ceiling on how old a session may be and
// still be resumed.
const MaxRecoveryAge = 7 * 24 * time.Hour

// DefaultCleanupAgeHours is the cutoff CleanupOldSessions uses when the
// caller passes none.
const DefaultCleanupAgeHours = 168

// Eligibility reasons. Part of the contract: callers and tests match on
// these exact strings.
const (
	ReasonNotFound         = "Session not found"
	ReasonAlreadyCompleted = "Session already completed"
	ReasonScenarioInactive = "Scenario is no longer active"
	ReasonTooOld           = "Session is too old to recover"
	ReasonCorrupted        = "Session data is corrupted"
)

// ErrNotRecoverable wraps an eligibility rejection during Recover.
var ErrNotRecoverable = errors.New("session not recoverable")

// SortBy selects the ordering of recoverable-session listings.
type SortBy string

const (
	SortByLastDecision SortBy = "last_decision"
	SortByProgress     SortBy = "progress"
	SortByTimeSpent    SortBy = "time_spent"
)

// FindOptions filters FindRecoverableSessions.
type FindOptions struct {
	MaxAgeHours      int
	IncludeCompleted bool
	SortBy           SortBy
}

// Candidate is one session eligible for listing, with derived signals.
type Candidate struct {
	Session         *models.TrainingSession `json:"session"`
	ProgressPercent float64                 `json:"progress_percent"`
	LastDecisionAt  time.Time               `json:"last_decision_at"`
	TimeSpent       int                     `json:"time_spent_seconds"`
}

// Eligibility is the outcome of the five-check recovery gate.
type Eligibility struct {
	CanRecover bool   `json:"can_recover"`
	Reason     string `json:"reason,omitempty"`
}

// Stats summarizes a user's recovery landscape.
type Stats struct {
	TotalSessions       int     `json:"total_sessions"`
	RecoverableSessions int     `json:"recoverable_sessions"`
	AbandonedSessions   int     `json:"abandoned_sessions"`
	MeanDurationSeconds float64 `json:"mean_duration_seconds"`
}

// Service scans the store for resumable sessions and cleans up stale
// ones.
type Service struct {
	store     store.Store
	scenarios *scenario.Registry
	log       zerolog.Logger
}

// NewService creates a recovery service.
func NewService(st store.Store, scenarios *scenario.Registry, logger zerolog.Logger) *Service {
	return &Service{store: st, scenarios: scenarios, log: logger}
}

// FindRecoverableSessions lists a user's sessions newer than the cutoff,
// annotated with progress, and ordered per request.
func (s *Service) FindRecoverableSessions(ctx context.Context, userID string, opts FindOptions) ([]Candidate, error) {
	if opts.MaxAgeHours <= 0 {
		opts.MaxAgeHours = 24
	}
	q := store.SessionQuery{
		UserID:       userID,
		StartedAfter: time.Now().Add(-time.Duration(opts.MaxAgeHours) * time.Hour),
		Order:        store.OrderStartedDesc,
	}
	if !opts.IncludeCompleted {
		completed := false
		q.Completed = &completed
	}
	sessions, err := s.store.QuerySessions(ctx, q)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(sessions))
	for _, sess := range sessions {
		c := Candidate{
			Session:         sess,
			ProgressPercent: s.progress(sess),
			TimeSpent:       sess.Data.TimeSpentSeconds,
		}
		if n := len(sess.Data.Decisions); n > 0 {
			c.LastDecisionAt = sess.Data.Decisions[n-1].Timestamp
		}
		candidates = append(candidates, c)
	}

	switch opts.SortBy {
	case SortByProgress:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].ProgressPercent > candidates[j].ProgressPercent
		})
	case SortByTimeSpent:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].TimeSpent > candidates[j].TimeSpent
		})
	default:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LastDecisionAt.After(candidates[j].LastDecisionAt)
		})
	}
	return candidates, nil
}

// progress estimates completion as visited states over total states,
// clamped to 100.
func (s *Service) progress(sess *models.TrainingSession) float64 {
	graph, ok := s.scenarios.Get(sess.ScenarioID)
	if !ok || graph.StateCount() == 0 {
		return 0
	}
	p := float64(len(sess.Data.StateHistory)) / float64(graph.StateCount()) * 100
	if p > 100 {
		return 100
	}
	return p
}

// CanRecoverSession is the eligibility gate, evaluated strictly in order:
// existence, completion, scenario active, age, data integrity. The first
// failing check determines the reason.
func (s *Service) CanRecoverSession(ctx context.Context, sessionID string) (Eligibility, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return Eligibility{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Eligibility{}, err
	}
	if sess.Completed() {
		return Eligibility{Reason: ReasonAlreadyCompleted}, nil
	}
	if !s.scenarios.IsActive(sess.ScenarioID) {
		return Eligibility{Reason: ReasonScenarioInactive}, nil
	}
	if sess.Age(time.Now()) > MaxRecoveryAge {
		return Eligibility{Reason: ReasonTooOld}, nil
	}
	if len(sess.Data.StateHistory) == 0 || sess.CurrentStateID == "" {
		return Eligibility{Reason: ReasonCorrupted}, nil
	}
	return Eligibility{CanRecover: true}, nil
}

// RecoverSession re-validates eligibility, resumes the session through
// the lifecycle manager and appends a "recovered" audit entry.
func (s *Service) RecoverSession(ctx context.Context, sessionID string, graph *scenario.Graph, mgr *lifecycle.Manager) (*models.TrainingSession, error) {
	elig, err := s.CanRecoverSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !elig.CanRecover {
		return nil, fmt.Errorf("%s: %w", elig.Reason, ErrNotRecoverable)
	}

	sess, err := mgr.ResumeSession(ctx, sessionID, graph)
	if err != nil {
		return nil, err
	}

	rec := models.RecoveryData{}
	if sess.Recovery != nil {
		rec = *sess.Recovery
	}
	rec.Events = append(rec.Events, models.RecoveryEvent{
		Type:      "recovered",
		Timestamp: time.Now(),
	})
	if err := s.store.UpdateSession(ctx, sessionID, map[string]any{store.FieldRecoveryData: rec}); err != nil {
		s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("Recovery audit entry write failed")
	}
	sess.Recovery = &rec

	s.log.Info().Str("sessionId", sessionID).Msg("Session recovered")
	return sess, nil
}

// AbandonSession finalizes a session with an abandonment marker. Prior
// SessionData is discarded, not merged: abandoned progress is void.
func (s *Service) AbandonSession(ctx context.Context, sessionID, reason string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Completed() {
		return lifecycle.ErrSessionCompleted
	}

	now := time.Now()
	fields := map[string]any{
		store.FieldCompletedAt: now,
		store.FieldIsPaused:    false,
		store.FieldSessionData: models.AbandonedData(reason, now),
	}
	if err := s.store.UpdateSession(ctx, sessionID, fields); err != nil {
		return err
	}
	s.log.Info().Str("sessionId", sessionID).Str("reason", reason).Msg("Session abandoned")
	return nil
}

// CleanupOldSessions bulk-abandons open sessions older than the cutoff,
// optionally scoped to one user. Returns how many were abandoned.
func (s *Service) CleanupOldSessions(ctx context.Context, userID string, maxAgeHours int) (int, error) {
	if maxAgeHours <= 0 {
		maxAgeHours = DefaultCleanupAgeHours
	}
	completed := false
	sessions, err := s.store.QuerySessions(ctx, store.SessionQuery{
		UserID:        userID,
		Completed:     &completed,
		StartedBefore: time.Now().Add(-time.Duration(maxAgeHours) * time.Hour),
	})
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, sess := range sessions {
		if err := s.AbandonSession(ctx, sess.ID, "automatic cleanup"); err != nil {
			s.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("Cleanup abandon failed")
			continue
		}
		abandoned++
	}
	if abandoned > 0 {
		s.log.Info().Int("abandoned", abandoned).Int("maxAgeHours", maxAgeHours).Msg("Old sessions cleaned up")
	}
	return abandoned, nil
}

// GetRecoveryStats summarizes a user's sessions: totals, open count,
// abandoned count, and mean wall-clock duration of genuine completions.
func (s *Service) GetRecoveryStats(ctx context.Context, userID string) (Stats, error) {
	sessions, err := s.store.QuerySessions(ctx, store.SessionQuery{UserID: userID})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalSessions: len(sessions)}
	var durationSum float64
	var durationN int
	for _, sess := range sessions {
		switch {
		case !sess.Completed():
			stats.RecoverableSessions++
		case sess.Data.Abandoned:
			stats.AbandonedSessions++
		default:
			durationSum += sess.CompletedAt.Sub(sess.StartedAt).Seconds()
			durationN++
		}
	}
	if durationN > 0 {
		stats.MeanDurationSeconds = durationSum / float64(durationN)
	}
	return stats, nil
}
