// Package scenario holds the read-only scenario graph and the in-memory
// cursor that tracks a user's position in it.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/robotjaol/crucible/pkg/models"
)

// Graph is one loaded scenario: its states plus the branch table derived
// from decision targets. Treated as immutable after load.
type Graph struct {
	scenario *models.Scenario
	states   map[string]*models.ScenarioState
}

// NewGraph indexes a scenario's states. The scenario must have an initial
// state that exists in the state list.
func NewGraph(sc *models.Scenario) (*Graph, error) {
	if sc.ID == "" {
		return nil, fmt.Errorf("scenario has no id")
	}
	g := &Graph{
		scenario: sc,
		states:   make(map[string]*models.ScenarioState, len(sc.States)),
	}
	for i := range sc.States {
		st := &sc.States[i]
		if _, dup := g.states[st.ID]; dup {
			return nil, fmt.Errorf("scenario %s: duplicate state id %q", sc.ID, st.ID)
		}
		g.states[st.ID] = st
	}
	if _, ok := g.states[sc.InitialStateID]; !ok {
		return nil, fmt.Errorf("scenario %s: initial state %q not defined", sc.ID, sc.InitialStateID)
	}
	return g, nil
}

// LoadGraph reads a single scenario YAML file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc models.Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return NewGraph(&sc)
}

// LoadDir loads every *.yaml / *.yml scenario file in dir.
func LoadDir(dir string) ([]*Graph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir %s: %w", dir, err)
	}
	var graphs []*Graph
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		g, err := LoadGraph(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// ID returns the scenario id.
func (g *Graph) ID() string { return g.scenario.ID }

// Active reports whether the scenario accepts new or resumed sessions.
func (g *Graph) Active() bool { return g.scenario.Active }

// StateCount returns the number of states, used for progress estimation.
func (g *Graph) StateCount() int { return len(g.states) }

// InitialState returns the scenario's entry state.
func (g *Graph) InitialState() *models.ScenarioState {
	return g.states[g.scenario.InitialStateID]
}

// State looks a state up by id.
func (g *Graph) State(id string) (*models.ScenarioState, bool) {
	st, ok := g.states[id]
	return st, ok
}

// NextState resolves a live transition: the decision must belong to the
// from-state and its target must exist. Trusted replay bypasses this and
// goes through StateMachine.Replay instead.
func (g *Graph) NextState(fromStateID, decisionID string) (*models.ScenarioState, error) {
	from, ok := g.states[fromStateID]
	if !ok {
		return nil, fmt.Errorf("state %q not in scenario %s", fromStateID, g.scenario.ID)
	}
	for i := range from.Decisions {
		d := &from.Decisions[i]
		if d.ID != decisionID {
			continue
		}
		next, ok := g.states[d.NextStateID]
		if !ok {
			return nil, fmt.Errorf("decision %q targets unknown state %q", decisionID, d.NextStateID)
		}
		return next, nil
	}
	return nil, fmt.Errorf("decision %q not available from state %q", decisionID, fromStateID)
}

// CanReach reports whether any decision of fromState targets toStateID.
func (g *Graph) CanReach(fromStateID, toStateID string) bool {
	from, ok := g.states[fromStateID]
	if !ok {
		return false
	}
	for i := range from.Decisions {
		if from.Decisions[i].NextStateID == toStateID {
			return true
		}
	}
	return false
}
