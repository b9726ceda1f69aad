package scenario

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/robotjaol/crucible/pkg/models"
)

type StateMachineSuite struct {
	suite.Suite
	graph *Graph
	sm    *StateMachine
}

func TestStateMachineSuite(t *testing.T) {
	suite.Run(t, new(StateMachineSuite))
}

func (s *StateMachineSuite) SetupTest() {
	graph, err := NewGraph(outbreakScenario())
	s.Require().NoError(err)
	s.graph = graph
	s.sm = NewStateMachine(graph.InitialState())
}

// outbreakScenario is a three-state graph: triage -> (quarantine | monitor),
// quarantine -> contained, contained is terminal.
func outbreakScenario() *models.Scenario {
	return &models.Scenario{
		ID:             "outbreak-response",
		Title:          "Outbreak Response",
		Active:         true,
		InitialStateID: "triage",
		States: []models.ScenarioState{
			{
				ID:               "triage",
				Description:      "First reports arrive",
				TimeLimitSeconds: 60,
				EnvironmentalFactors: []string{
					"media pressure", "incomplete data",
				},
				Characters: []string{"health minister"},
				Decisions: []models.Decision{
					{
						ID:          "d-quarantine",
						Text:        "Order a quarantine",
						NextStateID: "quarantine",
						Risk:        models.RiskHigh,
						Consequences: []models.Consequence{
							{Kind: models.ConsequenceDirect, Description: "economic halt", ImpactScore: -5, Probability: 0.9},
						},
					},
					{
						ID:          "d-monitor",
						Text:        "Monitor and wait",
						NextStateID: "monitor",
						Risk:        models.RiskMedium,
					},
				},
			},
			{
				ID:          "quarantine",
				Description: "Quarantine in effect",
				Decisions: []models.Decision{
					{ID: "d-contain", Text: "Declare containment", NextStateID: "contained", Risk: models.RiskLow},
				},
			},
			{ID: "monitor", Description: "Watching case counts"},
			{ID: "contained", Description: "Outbreak contained"},
		},
	}
}

func (s *StateMachineSuite) TestInitialState() {
	s.Equal("triage", s.sm.CurrentID())
	s.Equal([]string{"triage"}, s.sm.StateHistory())
	s.False(s.sm.IsTerminal())
}

func (s *StateMachineSuite) TestAvailableDecisionsAreCopies() {
	decisions := s.sm.AvailableDecisions()
	s.Require().Len(decisions, 2)

	decisions[0].Text = "mutated"
	decisions[0].Consequences[0].ImpactScore = 999

	fresh := s.sm.AvailableDecisions()
	s.Equal("Order a quarantine", fresh[0].Text)
	s.Equal(-5.0, fresh[0].Consequences[0].ImpactScore)
}

func (s *StateMachineSuite) TestIsValidDecision_ScopedToCurrentState() {
	s.True(s.sm.IsValidDecision("d-quarantine"))
	s.True(s.sm.IsValidDecision("d-monitor"))
	// Belongs to the quarantine state, not the current one.
	s.False(s.sm.IsValidDecision("d-contain"))
	s.False(s.sm.IsValidDecision("nonsense"))
}

func (s *StateMachineSuite) TestReplay_AppendsHistoryWithoutValidation() {
	contained, ok := s.graph.State("contained")
	s.Require().True(ok)

	// triage -> contained is not a legal live transition, replay does not care.
	s.sm.Replay(contained)

	s.Equal("contained", s.sm.CurrentID())
	s.Equal([]string{"triage", "contained"}, s.sm.StateHistory())
	s.True(s.sm.IsTerminal())
}

func (s *StateMachineSuite) TestRecordDecisionHistory() {
	s.Empty(s.sm.DecisionHistory())
	s.sm.RecordDecision("d-quarantine")
	s.sm.RecordDecision("d-contain")
	s.Equal([]string{"d-quarantine", "d-contain"}, s.sm.DecisionHistory())
}

func (s *StateMachineSuite) TestTimePressure_ClampedToUnitRange() {
	tests := []struct {
		name     string
		elapsed  time.Duration
		expected float64
	}{
		{name: "no time elapsed", elapsed: 0, expected: 0},
		{name: "half the limit", elapsed: 30 * time.Second, expected: 0.5},
		{name: "exactly the limit", elapsed: 60 * time.Second, expected: 1},
		{name: "over the limit clamps to one", elapsed: 5 * time.Minute, expected: 1},
		{name: "negative elapsed clamps to zero", elapsed: -10 * time.Second, expected: 0},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.InDelta(tt.expected, s.sm.TimePressure(tt.elapsed), 1e-9)
		})
	}
}

func (s *StateMachineSuite) TestTimePressure_NoLimitMeansNoPressure() {
	monitor, ok := s.graph.State("monitor")
	s.Require().True(ok)
	s.sm.Replay(monitor)
	s.Equal(0.0, s.sm.TimePressure(time.Hour))
}

func (s *StateMachineSuite) TestComplexity_WeightedSignal() {
	// triage: 2 decisions, 2 environmental factors, 1 character.
	s.InDelta(0.4*2+0.3*2+0.3*1, s.sm.Complexity(), 1e-9)

	contained, _ := s.graph.State("contained")
	s.sm.Replay(contained)
	s.Equal(0.0, s.sm.Complexity())
}

func (s *StateMachineSuite) TestReset() {
	quarantine, _ := s.graph.State("quarantine")
	s.sm.Replay(quarantine)
	s.sm.RecordDecision("d-quarantine")

	s.sm.Reset(s.graph.InitialState())

	s.Equal("triage", s.sm.CurrentID())
	s.Equal([]string{"triage"}, s.sm.StateHistory())
	s.Empty(s.sm.DecisionHistory())
}
