// Package lifecycle orchestrates a training session's life: start, pause,
// resume, decision recording, state updates and completion. One Manager
// instance is the single writer for at most one active session at a time.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/internal/persistence"
	"github.com/robotjaol/crucible/internal/scenario"
	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

// Expected failure modes. Fixed messages; callers match with errors.Is.
var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionCompleted  = errors.New("session already completed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidConfidence = errors.New("confidence must be between 1 and 5")
)

// Manager drives one session through Uncreated -> Active -> Paused ->
// Active -> Completed. Completed is terminal; after it the manager is
// empty and reusable.
type Manager struct {
	store   store.Store
	persist *persistence.Persistence
	log     zerolog.Logger

	mu     sync.Mutex
	active *activeSession
}

// activeSession is the manager's local view of the running session,
// including the session-local clock that excludes paused intervals.
type activeSession struct {
	session *models.TrainingSession
	graph   *scenario.Graph
	sm      *scenario.StateMachine

	segmentStart time.Time     // start of the current active segment
	accumulated  time.Duration // active time before the current segment
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, persist *persistence.Persistence, logger zerolog.Logger) *Manager {
	return &Manager{store: st, persist: persist, log: logger}
}

// RecordDecisionInput carries one decision to record.
type RecordDecisionInput struct {
	StateID      string
	Text         string
	TimeTakenMs  int64
	ScoreImpact  float64
	Consequences []models.Consequence
	Confidence   *int // 1-5 when set
}

// Metrics is the read-only aggregate over a session's stored decisions.
type Metrics struct {
	SessionID          string  `json:"session_id"`
	DecisionCount      int     `json:"decision_count"`
	TotalTimeSeconds   int     `json:"total_time_seconds"`
	MeanDecisionTimeMs float64 `json:"mean_decision_time_ms"`
	PauseCount         int     `json:"pause_count"`
	CumulativeScore    float64 `json:"cumulative_score"`
}

// StartSession creates the session row, seeds the state machine at the
// scenario's initial state and begins live sync. Does not retry a failed
// insert.
func (m *Manager) StartSession(ctx context.Context, userID, scenarioID string, cfg models.SessionConfig, graph *scenario.Graph) (*models.TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	initial := graph.InitialState()
	now := time.Now()
	sess := &models.TrainingSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		ScenarioID:     scenarioID,
		Config:         cfg,
		StartedAt:      now,
		CurrentStateID: initial.ID,
		Data: models.SessionData{
			StateHistory: []string{initial.ID},
			Context:      map[string]string{},
		},
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.persist.StartSync(ctx, sess.ID, m.remoteEventHandler(sess.ID)); err != nil {
		// The row already exists but nothing will ever drive it; abandon
		// it so it cannot surface as recoverable.
		at := time.Now()
		if aerr := m.store.UpdateSession(ctx, sess.ID, map[string]any{
			store.FieldCompletedAt: at,
			store.FieldIsPaused:    false,
			store.FieldSessionData: models.AbandonedData("sync initialization failed", at),
		}); aerr != nil {
			m.log.Warn().Err(aerr).Str("sessionId", sess.ID).Msg("Orphaned session cleanup failed")
		}
		return nil, err
	}

	m.active = &activeSession{
		session:      sess,
		graph:        graph,
		sm:           scenario.NewStateMachine(initial),
		segmentStart: now,
	}
	m.log.Info().
		Str("sessionId", sess.ID).
		Str("userId", userID).
		Str("scenarioId", scenarioID).
		Msg("Session started")
	return sess, nil
}

// PauseSession stops the session-local clock and persists the pause.
func (m *Manager) PauseSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active
	if a == nil {
		return ErrNoActiveSession
	}
	if a.session.IsPaused {
		return nil
	}

	now := time.Now()
	a.accumulated += now.Sub(a.segmentStart)
	a.session.IsPaused = true
	a.session.PausedAt = &now
	a.session.Data.PauseCount++
	a.session.Data.TimeSpentSeconds = int(a.accumulated.Seconds())

	fields := map[string]any{
		store.FieldIsPaused:    true,
		store.FieldPausedAt:    now,
		store.FieldSessionData: a.session.Data.Clone(),
	}
	if err := m.persist.SyncUpdate(ctx, a.session.ID, fields); err != nil {
		return err
	}
	m.log.Info().Str("sessionId", a.session.ID).Int("pauseCount", a.session.Data.PauseCount).Msg("Session paused")
	return nil
}

// ResumeSession reloads an unfinished session and rebuilds its state
// machine by replaying the recorded state history against the supplied
// graph. Replay is trusted: recorded paths must be reproducible even if
// the live graph changed since. Local timers reset; pause_count does not.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string, graph *scenario.Graph) (*models.TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Completed() {
		return nil, ErrSessionCompleted
	}

	sm, err := replayStateMachine(m.log, graph, sess)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if sess.IsPaused {
		sess.IsPaused = false
		sess.ResumedAt = &now
		fields := map[string]any{
			store.FieldIsPaused:  false,
			store.FieldResumedAt: now,
		}
		if err := m.store.UpdateSession(ctx, sessionID, fields); err != nil {
			return nil, err
		}
	}
	if err := m.persist.StartSync(ctx, sessionID, m.remoteEventHandler(sessionID)); err != nil {
		return nil, err
	}

	m.active = &activeSession{
		session:      sess,
		graph:        graph,
		sm:           sm,
		segmentStart: now,
		accumulated:  time.Duration(sess.Data.TimeSpentSeconds) * time.Second,
	}
	m.log.Info().
		Str("sessionId", sessionID).
		Int("replayedStates", len(sess.Data.StateHistory)).
		Msg("Session resumed")
	return sess, nil
}

// replayStateMachine reconstructs the cursor from recorded history. State
// ids missing from the (possibly edited) graph are skipped with a
// warning; the current state itself must still resolve.
func replayStateMachine(logger zerolog.Logger, graph *scenario.Graph, sess *models.TrainingSession) (*scenario.StateMachine, error) {
	history := sess.Data.StateHistory
	if len(history) == 0 {
		history = []string{sess.CurrentStateID}
	}

	first, ok := graph.State(history[0])
	if !ok {
		return nil, fmt.Errorf("initial state %q not in scenario %s", history[0], graph.ID())
	}
	sm := scenario.NewStateMachine(first)
	for _, id := range history[1:] {
		st, ok := graph.State(id)
		if !ok {
			logger.Warn().Str("sessionId", sess.ID).Str("stateId", id).Msg("Recorded state missing from graph, skipped in replay")
			continue
		}
		sm.Replay(st)
	}
	if sm.CurrentID() != sess.CurrentStateID {
		if st, ok := graph.State(sess.CurrentStateID); ok {
			sm.Replay(st)
		} else {
			return nil, fmt.Errorf("current state %q not in scenario %s", sess.CurrentStateID, graph.ID())
		}
	}
	return sm, nil
}

// RecordDecision appends one immutable decision record, then resyncs the
// full session payload: all decisions are re-read and written back as one
// consolidated SessionData. Write efficiency is traded for consistency
// with the merge-on-conflict path.
func (m *Manager) RecordDecision(ctx context.Context, in RecordDecisionInput) (*models.SessionDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active
	if a == nil {
		return nil, ErrNoActiveSession
	}
	if in.Confidence != nil && (*in.Confidence < 1 || *in.Confidence > 5) {
		return nil, ErrInvalidConfidence
	}
	for _, c := range in.Consequences {
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("unknown consequence kind %q", c.Kind)
		}
	}

	d := &models.SessionDecision{
		ID:           uuid.NewString(),
		SessionID:    a.session.ID,
		StateID:      in.StateID,
		DecisionText: in.Text,
		Timestamp:    time.Now(),
		TimeTakenMs:  in.TimeTakenMs,
		ScoreImpact:  in.ScoreImpact,
		Consequences: in.Consequences,
		Confidence:   in.Confidence,
	}
	if err := m.store.InsertDecision(ctx, d); err != nil {
		return nil, err
	}
	a.sm.RecordDecision(d.ID)

	all, err := m.store.ListDecisions(ctx, a.session.ID)
	if err != nil {
		return nil, err
	}
	data := a.session.Data.Clone()
	data.Decisions = all
	data.TimeSpentSeconds = int(m.elapsedLocked(a).Seconds())

	result, err := m.persist.SaveSessionState(ctx, a.session.ID, data, a.session.CurrentStateID)
	if err != nil {
		return nil, err
	}
	// Adopt the written payload: after a merge it carries server-side
	// progress the local view was missing.
	a.session.Data = result.Data
	if result.ConflictResolved {
		m.log.Info().Str("sessionId", a.session.ID).Msg("Decision resync resolved a write conflict")
	}
	return d, nil
}

// UpdateCurrentState performs a live, validated transition: the target
// must be reachable from the current state via the branch table.
func (m *Manager) UpdateCurrentState(ctx context.Context, newStateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active
	if a == nil {
		return ErrNoActiveSession
	}

	next, ok := a.graph.State(newStateID)
	if !ok {
		return fmt.Errorf("state %q: %w", newStateID, ErrInvalidTransition)
	}
	if !a.graph.CanReach(a.session.CurrentStateID, newStateID) {
		return fmt.Errorf("%q -> %q: %w", a.session.CurrentStateID, newStateID, ErrInvalidTransition)
	}

	a.sm.Replay(next)
	a.session.CurrentStateID = newStateID
	a.session.Data.StateHistory = append(a.session.Data.StateHistory, newStateID)

	fields := map[string]any{
		store.FieldCurrentStateID: newStateID,
		store.FieldSessionData:    a.session.Data.Clone(),
	}
	return m.persist.SyncUpdate(ctx, a.session.ID, fields)
}

// CompleteSession finalizes the session: total active seconds from the
// session-local clock (paused intervals excluded), completed_at and
// final_score written, user statistics updated, local state cleared so
// the manager can host a new session.
func (m *Manager) CompleteSession(ctx context.Context, finalScore float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active
	if a == nil {
		return ErrNoActiveSession
	}

	now := time.Now()
	total := m.elapsedLocked(a)
	data := a.session.Data.Clone()
	if secs := int(total.Seconds()); secs > data.TimeSpentSeconds {
		data.TimeSpentSeconds = secs
	}

	fields := map[string]any{
		store.FieldCompletedAt: now,
		store.FieldFinalScore:  finalScore,
		store.FieldIsPaused:    false,
		store.FieldSessionData: data,
	}
	if err := m.persist.SyncUpdate(ctx, a.session.ID, fields); err != nil {
		return err
	}

	// Read-modify-write on the shared aggregate; concurrent completions
	// by the same user can lose an update here.
	stats, err := m.store.GetUserStats(ctx, a.session.UserID)
	if err != nil {
		m.log.Warn().Err(err).Str("userId", a.session.UserID).Msg("User stats read failed, skipping update")
	} else {
		stats.RecordCompletion(finalScore)
		if err := m.store.PutUserStats(ctx, stats); err != nil {
			m.log.Warn().Err(err).Str("userId", a.session.UserID).Msg("User stats write failed")
		}
	}

	m.persist.StopSync(a.session.ID)
	m.log.Info().
		Str("sessionId", a.session.ID).
		Float64("finalScore", finalScore).
		Int("timeSpentSeconds", data.TimeSpentSeconds).
		Msg("Session completed")
	m.active = nil
	return nil
}

// SessionMetrics aggregates the active session's stored decisions.
// Returns nil (not an error) when there is no session to report on.
// Session state is snapshotted under the lock; only the store read runs
// outside it, so concurrent writers never race with this reader.
func (m *Manager) SessionMetrics(ctx context.Context) (*Metrics, error) {
	m.mu.Lock()
	a := m.active
	if a == nil {
		m.mu.Unlock()
		return nil, nil
	}
	sessionID := a.session.ID
	pauseCount := a.session.Data.PauseCount
	totalSeconds := int(m.elapsedLocked(a).Seconds())
	m.mu.Unlock()

	decisions, err := m.store.ListDecisions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	metrics := &Metrics{
		SessionID:        sessionID,
		DecisionCount:    len(decisions),
		PauseCount:       pauseCount,
		TotalTimeSeconds: totalSeconds,
	}
	var totalMs int64
	for _, d := range decisions {
		totalMs += d.TimeTakenMs
		metrics.CumulativeScore += d.ScoreImpact
	}
	if len(decisions) > 0 {
		metrics.MeanDecisionTimeMs = float64(totalMs) / float64(len(decisions))
	}
	return metrics, nil
}

// ActiveSessions lists a user's unfinished sessions, most recent first.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]*models.TrainingSession, error) {
	completed := false
	return m.store.QuerySessions(ctx, store.SessionQuery{
		UserID:    userID,
		Completed: &completed,
		Order:     store.OrderStartedDesc,
	})
}

// Active returns the currently managed session, or nil.
func (m *Manager) Active() *models.TrainingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.session
}

// StateMachine exposes the active session's cursor, or nil.
func (m *Manager) StateMachine() *scenario.StateMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.sm
}

// elapsedLocked is the session-local active duration; caller holds m.mu.
func (m *Manager) elapsedLocked(a *activeSession) time.Duration {
	if a.session.IsPaused {
		return a.accumulated
	}
	return a.accumulated + time.Since(a.segmentStart)
}

func (m *Manager) remoteEventHandler(sessionID string) notify.Handler {
	return func(ev notify.Event) {
		m.log.Debug().
			Str("sessionId", sessionID).
			Str("type", string(ev.Type)).
			Strs("fields", ev.Fields).
			Msg("Remote session update observed")
	}
}
