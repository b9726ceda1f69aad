package scenario

import (
	"time"

	"github.com/robotjaol/crucible/pkg/models"
)

// Complexity weights. Decision branching dominates; environment and cast
// contribute equally.
const (
	weightDecisions  = 0.4
	weightEnvFactors = 0.3
	weightCharacters = 0.3
)

// StateMachine is a pure in-memory cursor over a scenario graph: current
// state, append-only state-id history and decision-id history. It performs
// no I/O and no transition validation; validating live transitions against
// the branch table is the graph's job (Graph.NextState). That separation
// is what lets recovery replay an already-recorded path even if the live
// graph has been edited since.
type StateMachine struct {
	current         *models.ScenarioState
	stateHistory    []string
	decisionHistory []string
}

// NewStateMachine seeds a cursor at the given initial state.
func NewStateMachine(initial *models.ScenarioState) *StateMachine {
	return &StateMachine{
		current:      initial,
		stateHistory: []string{initial.ID},
	}
}

// Current returns the current state.
func (m *StateMachine) Current() *models.ScenarioState { return m.current }

// CurrentID returns the current state id.
func (m *StateMachine) CurrentID() string { return m.current.ID }

// AvailableDecisions returns defensive copies of the current state's
// decisions; mutating the result cannot corrupt the graph.
func (m *StateMachine) AvailableDecisions() []models.Decision {
	out := make([]models.Decision, len(m.current.Decisions))
	for i, d := range m.current.Decisions {
		d.Consequences = append([]models.Consequence(nil), d.Consequences...)
		out[i] = d
	}
	return out
}

// IsValidDecision checks membership against the current state's decision
// set only. A decision id from another state is invalid here even if the
// id happens to collide.
func (m *StateMachine) IsValidDecision(id string) bool {
	_, ok := m.Decision(id)
	return ok
}

// Decision returns a copy of the current state's decision with the given
// id.
func (m *StateMachine) Decision(id string) (models.Decision, bool) {
	for _, d := range m.current.Decisions {
		if d.ID == id {
			d.Consequences = append([]models.Consequence(nil), d.Consequences...)
			return d, true
		}
	}
	return models.Decision{}, false
}

// Replay moves the cursor to newState and appends its id to the history.
// Trusted: no reachability check, so recorded paths can always be
// reproduced.
func (m *StateMachine) Replay(newState *models.ScenarioState) {
	m.current = newState
	m.stateHistory = append(m.stateHistory, newState.ID)
}

// RecordDecision appends a decision id to the decision history.
func (m *StateMachine) RecordDecision(id string) {
	m.decisionHistory = append(m.decisionHistory, id)
}

// StateHistory returns a copy of the visited state ids, oldest first.
func (m *StateMachine) StateHistory() []string {
	return append([]string(nil), m.stateHistory...)
}

// DecisionHistory returns a copy of the recorded decision ids.
func (m *StateMachine) DecisionHistory() []string {
	return append([]string(nil), m.decisionHistory...)
}

// TimePressure maps elapsed time against the state's time limit to [0,1].
// States without a limit exert no pressure. Clamped so over-limit elapsed
// time or clock skew can never escape the range.
func (m *StateMachine) TimePressure(elapsed time.Duration) float64 {
	limit := m.current.TimeLimitSeconds
	if limit <= 0 {
		return 0
	}
	p := elapsed.Seconds() / float64(limit)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// IsTerminal reports whether the current state offers no decisions.
func (m *StateMachine) IsTerminal() bool {
	return m.current.IsTerminal()
}

// Complexity is a weighted diagnostic signal over the current state; it
// plays no part in correctness.
func (m *StateMachine) Complexity() float64 {
	return weightDecisions*float64(len(m.current.Decisions)) +
		weightEnvFactors*float64(len(m.current.EnvironmentalFactors)) +
		weightCharacters*float64(len(m.current.Characters))
}

// Reset reinitializes the cursor to a single-element history, used before
// a recovery replay.
func (m *StateMachine) Reset(initial *models.ScenarioState) {
	m.current = initial
	m.stateHistory = []string{initial.ID}
	m.decisionHistory = nil
}
