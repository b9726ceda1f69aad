package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/robotjaol/crucible/pkg/models"
)

type MergeSuite struct {
	suite.Suite
	base time.Time
}

func TestMergeSuite(t *testing.T) {
	suite.Run(t, new(MergeSuite))
}

func (s *MergeSuite) SetupTest() {
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *MergeSuite) decision(id string, offset time.Duration, text string) models.SessionDecision {
	return models.SessionDecision{
		ID:           id,
		DecisionText: text,
		Timestamp:    s.base.Add(offset),
	}
}

func (s *MergeSuite) TestDecisions_UnionByIDClientWins() {
	server := models.SessionData{Decisions: []models.SessionDecision{
		s.decision("A", 0, "server A"),
		s.decision("B", time.Minute, "server B"),
	}}
	client := models.SessionData{Decisions: []models.SessionDecision{
		s.decision("B", time.Minute, "client B"),
		s.decision("C", 2*time.Minute, "client C"),
	}}

	out := MergeSessionData(server, client)

	s.Require().Len(out.Decisions, 3)
	s.Equal("A", out.Decisions[0].ID)
	s.Equal("B", out.Decisions[1].ID)
	s.Equal("C", out.Decisions[2].ID)
	s.Equal("client B", out.Decisions[1].DecisionText)
}

func (s *MergeSuite) TestDecisions_SortedByTimestampAscending() {
	server := models.SessionData{Decisions: []models.SessionDecision{
		s.decision("late", 10*time.Minute, "late"),
	}}
	client := models.SessionData{Decisions: []models.SessionDecision{
		s.decision("early", time.Minute, "early"),
		s.decision("mid", 5*time.Minute, "mid"),
	}}

	out := MergeSessionData(server, client)

	s.Require().Len(out.Decisions, 3)
	s.Equal("early", out.Decisions[0].ID)
	s.Equal("mid", out.Decisions[1].ID)
	s.Equal("late", out.Decisions[2].ID)
}

func (s *MergeSuite) TestStateHistory_LongerWins() {
	server := models.SessionData{StateHistory: []string{"a", "b", "c"}}
	client := models.SessionData{StateHistory: []string{"a", "b"}}
	s.Equal([]string{"a", "b", "c"}, MergeSessionData(server, client).StateHistory)

	server = models.SessionData{StateHistory: []string{"a"}}
	client = models.SessionData{StateHistory: []string{"a", "x", "y"}}
	s.Equal([]string{"a", "x", "y"}, MergeSessionData(server, client).StateHistory)
}

func (s *MergeSuite) TestStateHistory_TieKeepsServer() {
	server := models.SessionData{StateHistory: []string{"a", "b"}}
	client := models.SessionData{StateHistory: []string{"a", "z"}}
	s.Equal([]string{"a", "b"}, MergeSessionData(server, client).StateHistory)
}

func (s *MergeSuite) TestCounters_TakeMax() {
	server := models.SessionData{TimeSpentSeconds: 300, PauseCount: 1, HintsUsed: 4}
	client := models.SessionData{TimeSpentSeconds: 120, PauseCount: 3, HintsUsed: 2}

	out := MergeSessionData(server, client)

	s.Equal(300, out.TimeSpentSeconds)
	s.Equal(3, out.PauseCount)
	s.Equal(4, out.HintsUsed)
}

func (s *MergeSuite) TestContext_ShallowMergeClientWins() {
	server := models.SessionData{Context: map[string]string{"phase": "early", "weather": "storm"}}
	client := models.SessionData{Context: map[string]string{"phase": "late", "morale": "low"}}

	out := MergeSessionData(server, client)

	s.Equal("late", out.Context["phase"])
	s.Equal("storm", out.Context["weather"])
	s.Equal("low", out.Context["morale"])
}

func (s *MergeSuite) TestMergeDoesNotAliasInputs() {
	server := models.SessionData{
		StateHistory: []string{"a", "b"},
		Context:      map[string]string{"k": "server"},
	}
	client := models.SessionData{
		StateHistory: []string{"a"},
		Context:      map[string]string{"k": "client"},
	}

	out := MergeSessionData(server, client)
	out.StateHistory[0] = "mutated"
	out.Context["k"] = "mutated"

	s.Equal("a", server.StateHistory[0])
	s.Equal("server", server.Context["k"])
	s.Equal("client", client.Context["k"])
}
