package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/robotjaol/crucible/internal/lifecycle"
	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/internal/persistence"
	"github.com/robotjaol/crucible/internal/scenario"
	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

const activeScenarioYAML = `
id: grid-failure
title: Grid Failure
active: true
initial_state_id: blackout
states:
  - id: blackout
    description: City-wide blackout
    decisions:
      - id: d-restart
        text: Restart the plant
        next_state_id: restored
        risk: high
  - id: restored
    description: Power restored
`

const inactiveScenarioYAML = `
id: retired-drill
title: Retired Drill
active: false
initial_state_id: start
states:
  - id: start
    description: Retired
`

type RecoverySuite struct {
	suite.Suite
	ctx      context.Context
	mem      *store.MemoryStore
	bus      *notify.Bus
	persist  *persistence.Persistence
	registry *scenario.Registry
	svc      *Service
}

func TestRecoverySuite(t *testing.T) {
	suite.Run(t, new(RecoverySuite))
}

func (s *RecoverySuite) SetupTest() {
	dir := s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "grid.yaml"), []byte(activeScenarioYAML), 0o644))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "retired.yaml"), []byte(inactiveScenarioYAML), 0o644))

	registry, err := scenario.NewRegistry(dir)
	s.Require().NoError(err)
	s.registry = registry

	s.ctx = context.Background()
	s.bus = notify.NewBus()
	s.mem = store.NewMemoryStore(s.bus)
	s.persist = persistence.New(s.mem, s.bus, zerolog.Nop(), persistence.Options{})
	s.svc = NewService(s.mem, s.registry, zerolog.Nop())
}

func (s *RecoverySuite) TearDownTest() {
	s.persist.Cleanup(s.ctx)
	s.bus.Close()
}

type sessionSeed struct {
	id          string
	scenarioID  string
	startedAgo  time.Duration
	completed   bool
	stateHist   []string
	currentID   string
	timeSpent   int
	decisionAgo time.Duration // zero = no decisions
}

func (s *RecoverySuite) seed(seed sessionSeed) *models.TrainingSession {
	if seed.scenarioID == "" {
		seed.scenarioID = "grid-failure"
	}
	if seed.stateHist == nil {
		seed.stateHist = []string{"blackout"}
	}
	if seed.currentID == "" && len(seed.stateHist) > 0 {
		seed.currentID = seed.stateHist[len(seed.stateHist)-1]
	}

	sess := &models.TrainingSession{
		ID:             seed.id,
		UserID:         "operator-1",
		ScenarioID:     seed.scenarioID,
		StartedAt:      time.Now().Add(-seed.startedAgo),
		CurrentStateID: seed.currentID,
		Data: models.SessionData{
			StateHistory:     seed.stateHist,
			TimeSpentSeconds: seed.timeSpent,
		},
	}
	if seed.decisionAgo > 0 {
		sess.Data.Decisions = []models.SessionDecision{{
			ID:        seed.id + "-d1",
			SessionID: seed.id,
			Timestamp: time.Now().Add(-seed.decisionAgo),
		}}
	}
	s.Require().NoError(s.mem.CreateSession(s.ctx, sess))

	if seed.completed {
		s.Require().NoError(s.mem.UpdateSession(s.ctx, seed.id, map[string]any{
			store.FieldCompletedAt: time.Now(),
			store.FieldFinalScore:  75.0,
		}))
	}
	return sess
}

func (s *RecoverySuite) TestCanRecover_EligibleSession() {
	s.seed(sessionSeed{id: "s1", startedAgo: time.Hour})

	elig, err := s.svc.CanRecoverSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.True(elig.CanRecover)
	s.Empty(elig.Reason)
}

func (s *RecoverySuite) TestCanRecover_ReasonsInPriorityOrder() {
	s.seed(sessionSeed{id: "done", startedAgo: time.Hour, completed: true})
	s.seed(sessionSeed{id: "retired", scenarioID: "retired-drill", stateHist: []string{"start"}, startedAgo: time.Hour})
	s.seed(sessionSeed{id: "ancient", startedAgo: 8 * 24 * time.Hour})
	s.seed(sessionSeed{id: "broken", startedAgo: time.Hour, stateHist: []string{}, currentID: "blackout"})

	tests := []struct {
		name      string
		sessionID string
		reason    string
	}{
		{name: "unknown session", sessionID: "ghost", reason: ReasonNotFound},
		{name: "already completed", sessionID: "done", reason: ReasonAlreadyCompleted},
		{name: "scenario inactive", sessionID: "retired", reason: ReasonScenarioInactive},
		{name: "too old", sessionID: "ancient", reason: ReasonTooOld},
		{name: "corrupted data", sessionID: "broken", reason: ReasonCorrupted},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			elig, err := s.svc.CanRecoverSession(s.ctx, tt.sessionID)
			s.Require().NoError(err)
			s.False(elig.CanRecover)
			s.Equal(tt.reason, elig.Reason)
		})
	}
}

func (s *RecoverySuite) TestCanRecover_CompletionOutranksScenarioState() {
	// Completed session on a retired scenario: the completion check fires
	// first.
	s.seed(sessionSeed{id: "both", scenarioID: "retired-drill", stateHist: []string{"start"}, startedAgo: time.Hour, completed: true})

	elig, err := s.svc.CanRecoverSession(s.ctx, "both")
	s.Require().NoError(err)
	s.Equal(ReasonAlreadyCompleted, elig.Reason)
}

func (s *RecoverySuite) TestCanRecover_AgeOutranksCorruption() {
	s.seed(sessionSeed{id: "old-broken", startedAgo: 9 * 24 * time.Hour, stateHist: []string{}, currentID: "blackout"})

	elig, err := s.svc.CanRecoverSession(s.ctx, "old-broken")
	s.Require().NoError(err)
	s.Equal(ReasonTooOld, elig.Reason)
}

func (s *RecoverySuite) TestFindRecoverable_DefaultWindowIs24Hours() {
	s.seed(sessionSeed{id: "fresh", startedAgo: 2 * time.Hour})
	s.seed(sessionSeed{id: "stale", startedAgo: 30 * time.Hour})
	s.seed(sessionSeed{id: "done", startedAgo: time.Hour, completed: true})

	candidates, err := s.svc.FindRecoverableSessions(s.ctx, "operator-1", FindOptions{})
	s.Require().NoError(err)
	s.Require().Len(candidates, 1)
	s.Equal("fresh", candidates[0].Session.ID)
}

func (s *RecoverySuite) TestFindRecoverable_WiderWindowAndCompleted() {
	s.seed(sessionSeed{id: "fresh", startedAgo: 2 * time.Hour})
	s.seed(sessionSeed{id: "stale", startedAgo: 30 * time.Hour})
	s.seed(sessionSeed{id: "done", startedAgo: time.Hour, completed: true})

	candidates, err := s.svc.FindRecoverableSessions(s.ctx, "operator-1", FindOptions{
		MaxAgeHours:      48,
		IncludeCompleted: true,
	})
	s.Require().NoError(err)
	s.Len(candidates, 3)
}

func (s *RecoverySuite) TestFindRecoverable_SortByProgress() {
	s.seed(sessionSeed{id: "halfway", startedAgo: time.Hour, stateHist: []string{"blackout"}})
	s.seed(sessionSeed{id: "further", startedAgo: 2 * time.Hour, stateHist: []string{"blackout", "restored"}})

	candidates, err := s.svc.FindRecoverableSessions(s.ctx, "operator-1", FindOptions{SortBy: SortByProgress})
	s.Require().NoError(err)
	s.Require().Len(candidates, 2)
	s.Equal("further", candidates[0].Session.ID)
	s.Equal(100.0, candidates[0].ProgressPercent)
	s.Equal(50.0, candidates[1].ProgressPercent)
}

func (s *RecoverySuite) TestFindRecoverable_SortByTimeSpent() {
	s.seed(sessionSeed{id: "short", startedAgo: time.Hour, timeSpent: 60})
	s.seed(sessionSeed{id: "long", startedAgo: 2 * time.Hour, timeSpent: 600})

	candidates, err := s.svc.FindRecoverableSessions(s.ctx, "operator-1", FindOptions{SortBy: SortByTimeSpent})
	s.Require().NoError(err)
	s.Require().Len(candidates, 2)
	s.Equal("long", candidates[0].Session.ID)
}

func (s *RecoverySuite) TestFindRecoverable_DefaultSortByLastDecision() {
	s.seed(sessionSeed{id: "recent-decision", startedAgo: 3 * time.Hour, decisionAgo: 10 * time.Minute})
	s.seed(sessionSeed{id: "older-decision", startedAgo: time.Hour, decisionAgo: 2 * time.Hour})

	candidates, err := s.svc.FindRecoverableSessions(s.ctx, "operator-1", FindOptions{})
	s.Require().NoError(err)
	s.Require().Len(candidates, 2)
	s.Equal("recent-decision", candidates[0].Session.ID)
}

func (s *RecoverySuite) TestRecoverSession_ResumesAndAudits() {
	s.seed(sessionSeed{id: "s1", startedAgo: time.Hour})

	mgr := lifecycle.NewManager(s.mem, s.persist, zerolog.Nop())
	graph, ok := s.registry.Get("grid-failure")
	s.Require().True(ok)

	sess, err := s.svc.RecoverSession(s.ctx, "s1", graph, mgr)
	s.Require().NoError(err)
	s.Require().NotNil(sess.Recovery)
	s.Require().Len(sess.Recovery.Events, 1)
	s.Equal("recovered", sess.Recovery.Events[0].Type)

	s.Require().NotNil(mgr.Active())
	s.Equal("s1", mgr.Active().ID)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Require().NotNil(stored.Recovery)
	s.Len(stored.Recovery.Events, 1)
}

func (s *RecoverySuite) TestRecoverSession_RejectsIneligible() {
	s.seed(sessionSeed{id: "done", startedAgo: time.Hour, completed: true})

	mgr := lifecycle.NewManager(s.mem, s.persist, zerolog.Nop())
	graph, _ := s.registry.Get("grid-failure")

	_, err := s.svc.RecoverSession(s.ctx, "done", graph, mgr)
	s.ErrorIs(err, ErrNotRecoverable)
	s.ErrorContains(err, ReasonAlreadyCompleted)
}

func (s *RecoverySuite) TestAbandonSession_MarksTerminated() {
	s.seed(sessionSeed{id: "s1", startedAgo: time.Hour})

	s.Require().NoError(s.svc.AbandonSession(s.ctx, "s1", "operator gave up"))

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.True(stored.Completed())
	s.False(stored.IsPaused)
	s.True(stored.Data.Abandoned)
	s.Equal("operator gave up", stored.Data.AbandonReason)
	s.NotNil(stored.Data.AbandonTimestamp)
	// Prior progress is void, not merged.
	s.Empty(stored.Data.StateHistory)
}

func (s *RecoverySuite) TestAbandonedSessionCannotRecover() {
	s.seed(sessionSeed{id: "s1", startedAgo: time.Hour})
	s.Require().NoError(s.svc.AbandonSession(s.ctx, "s1", "walked away"))

	elig, err := s.svc.CanRecoverSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.False(elig.CanRecover)
	s.Equal(ReasonAlreadyCompleted, elig.Reason)
}

func (s *RecoverySuite) TestAbandonSession_RejectsCompleted() {
	s.seed(sessionSeed{id: "done", startedAgo: time.Hour, completed: true})
	s.ErrorIs(s.svc.AbandonSession(s.ctx, "done", "too late"), lifecycle.ErrSessionCompleted)
}

func (s *RecoverySuite) TestAbandonSession_UnknownSession() {
	s.ErrorIs(s.svc.AbandonSession(s.ctx, "ghost", "x"), store.ErrSessionNotFound)
}

func (s *RecoverySuite) TestCleanupOldSessions() {
	s.seed(sessionSeed{id: "ancient-1", startedAgo: 200 * time.Hour})
	s.seed(sessionSeed{id: "ancient-2", startedAgo: 300 * time.Hour})
	s.seed(sessionSeed{id: "recent", startedAgo: time.Hour})
	s.seed(sessionSeed{id: "ancient-done", startedAgo: 250 * time.Hour, completed: true})

	abandoned, err := s.svc.CleanupOldSessions(s.ctx, "operator-1", 0)
	s.Require().NoError(err)
	s.Equal(2, abandoned)

	for _, id := range []string{"ancient-1", "ancient-2"} {
		stored, err := s.mem.GetSession(s.ctx, id)
		s.Require().NoError(err)
		s.True(stored.Data.Abandoned)
		s.Equal("automatic cleanup", stored.Data.AbandonReason)
	}

	recent, err := s.mem.GetSession(s.ctx, "recent")
	s.Require().NoError(err)
	s.False(recent.Completed())
}

func (s *RecoverySuite) TestGetRecoveryStats() {
	s.seed(sessionSeed{id: "open-1", startedAgo: time.Hour})
	s.seed(sessionSeed{id: "open-2", startedAgo: 2 * time.Hour})
	s.seed(sessionSeed{id: "done", startedAgo: 3 * time.Hour, completed: true})
	s.seed(sessionSeed{id: "quit", startedAgo: 4 * time.Hour})
	s.Require().NoError(s.svc.AbandonSession(s.ctx, "quit", "gave up"))

	stats, err := s.svc.GetRecoveryStats(s.ctx, "operator-1")
	s.Require().NoError(err)
	s.Equal(4, stats.TotalSessions)
	s.Equal(2, stats.RecoverableSessions)
	s.Equal(1, stats.AbandonedSessions)
	// The one genuine completion started ~3h before it completed.
	s.InDelta(3*3600, stats.MeanDurationSeconds, 60)
}
