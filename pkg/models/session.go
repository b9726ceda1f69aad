// Package models contains domain models for crucible.
package models

import (
	"sort"
	"time"
)

// SessionDecision is an immutable record of one decision made during a
// training session. Append-only: rows are never updated or deleted.
type SessionDecision struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	StateID      string        `json:"state_id"`
	DecisionText string        `json:"decision_text"`
	Timestamp    time.Time     `json:"timestamp"`
	TimeTakenMs  int64         `json:"time_taken_ms"`
	ScoreImpact  float64       `json:"score_impact"`
	Consequences []Consequence `json:"consequences,omitempty"`
	Confidence   *int          `json:"confidence,omitempty"` // 1-5 when set
}

// SessionData is the mutable progress payload of a session. This is the
// unit that gets synchronized and conflict-resolved.
type SessionData struct {
	Decisions        []SessionDecision `json:"decisions_made"`
	StateHistory     []string          `json:"state_history"`
	TimeSpentSeconds int               `json:"time_spent_seconds"`
	PauseCount       int               `json:"pause_count"`
	HintsUsed        int               `json:"hints_used"`
	Context          map[string]string `json:"current_context,omitempty"`

	// Abandonment marker. When Abandoned is true the rest of the payload
	// is void and the session counts as terminated without completion.
	Abandoned        bool       `json:"abandoned,omitempty"`
	AbandonReason    string     `json:"abandon_reason,omitempty"`
	AbandonTimestamp *time.Time `json:"abandon_timestamp,omitempty"`
}

// AbandonedData builds the replacement payload for an abandoned session.
// Prior progress is intentionally discarded, not merged.
func AbandonedData(reason string, at time.Time) SessionData {
	return SessionData{
		Abandoned:        true,
		AbandonReason:    reason,
		AbandonTimestamp: &at,
	}
}

// SortDecisions orders the decision list by timestamp ascending, the only
// order decisions are ever persisted or read back in.
func (d *SessionData) SortDecisions() {
	sort.SliceStable(d.Decisions, func(i, j int) bool {
		return d.Decisions[i].Timestamp.Before(d.Decisions[j].Timestamp)
	})
}

// Clone returns a deep copy, so callers can hand SessionData across
// goroutine boundaries without sharing slices or maps.
func (d SessionData) Clone() SessionData {
	out := d
	out.Decisions = append([]SessionDecision(nil), d.Decisions...)
	out.StateHistory = append([]string(nil), d.StateHistory...)
	if d.Context != nil {
		out.Context = make(map[string]string, len(d.Context))
		for k, v := range d.Context {
			out.Context[k] = v
		}
	}
	return out
}

// SessionConfig is the configuration snapshot taken when a session starts.
type SessionConfig struct {
	Domain      string `json:"domain"`
	Role        string `json:"role"`
	RiskProfile string `json:"risk_profile"`
}

// Checkpoint is a named, restorable snapshot of SessionData plus the
// current state id.
type Checkpoint struct {
	Name           string      `json:"name"`
	CreatedAt      time.Time   `json:"created_at"`
	CurrentStateID string      `json:"current_state_id"`
	Data           SessionData `json:"data"`
}

// RecoveryEvent is one entry of a session's recovery audit log.
type RecoveryEvent struct {
	Type      string    `json:"type"` // e.g. "recovered", "abandoned"
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// RecoveryData holds checkpoints and the recovery audit log for a session.
type RecoveryData struct {
	Checkpoints map[string]Checkpoint `json:"checkpoints,omitempty"`
	Events      []RecoveryEvent       `json:"events,omitempty"`
}

// TrainingSession tracks one user's progress through a scenario across
// possibly many disconnected client sessions.
type TrainingSession struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	ScenarioID     string        `json:"scenario_id"`
	Config         SessionConfig `json:"configuration"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	FinalScore     *float64      `json:"final_score,omitempty"`
	CurrentStateID string        `json:"current_state_id"`
	IsPaused       bool          `json:"is_paused"`
	PausedAt       *time.Time    `json:"paused_at,omitempty"`
	ResumedAt      *time.Time    `json:"resumed_at,omitempty"`
	Data           SessionData   `json:"session_data"`
	Recovery       *RecoveryData `json:"recovery_data,omitempty"`

	// UpdatedAtEpoch is store-assigned on every write (millis) and is the
	// reference point for conflict detection.
	UpdatedAtEpoch int64 `json:"updated_at_epoch"`
}

// Completed reports whether the session is terminal.
func (s *TrainingSession) Completed() bool {
	return s.CompletedAt != nil
}

// Age is the wall-clock time since the session started.
func (s *TrainingSession) Age(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// UserStats is the per-user aggregate updated when sessions complete.
// Read-modify-write, not atomic at the store level.
type UserStats struct {
	UserID             string  `json:"user_id"`
	CompletedScenarios int     `json:"completed_scenarios"`
	AverageScore       float64 `json:"average_score"`
}

// RecordCompletion folds one final score into the running average.
func (u *UserStats) RecordCompletion(finalScore float64) {
	total := u.AverageScore*float64(u.CompletedScenarios) + finalScore
	u.CompletedScenarios++
	u.AverageScore = total / float64(u.CompletedScenarios)
}
