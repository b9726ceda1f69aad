// Package models contains domain models for crucible.
package models

// RiskLevel classifies how dangerous a state or decision is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ConsequenceKind tags a consequence as immediate or downstream.
type ConsequenceKind string

const (
	ConsequenceDirect      ConsequenceKind = "direct"
	ConsequenceSecondOrder ConsequenceKind = "second_order"
)

// Consequence is one typed outcome of a decision.
type Consequence struct {
	Kind         ConsequenceKind `json:"kind" yaml:"kind"`
	Description  string          `json:"description" yaml:"description"`
	ImpactScore  float64         `json:"impact_score" yaml:"impact_score"`
	Probability  float64         `json:"probability" yaml:"probability"`
	DelaySeconds int             `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// Valid reports whether the kind tag is one of the known values.
func (k ConsequenceKind) Valid() bool {
	return k == ConsequenceDirect || k == ConsequenceSecondOrder
}

// Decision is a choice available from exactly one scenario state.
type Decision struct {
	ID           string        `json:"id" yaml:"id"`
	Text         string        `json:"text" yaml:"text"`
	Consequences []Consequence `json:"consequences,omitempty" yaml:"consequences,omitempty"`
	NextStateID  string        `json:"next_state_id" yaml:"next_state_id"`
	Risk         RiskLevel     `json:"risk" yaml:"risk"`
}

// ScenarioState is one node of the scenario graph. Immutable once loaded.
type ScenarioState struct {
	ID                   string     `json:"id" yaml:"id"`
	Description          string     `json:"description" yaml:"description"`
	Decisions            []Decision `json:"decisions,omitempty" yaml:"decisions,omitempty"`
	TimeLimitSeconds     int        `json:"time_limit_seconds,omitempty" yaml:"time_limit_seconds,omitempty"`
	EnvironmentalFactors []string   `json:"environmental_factors,omitempty" yaml:"environmental_factors,omitempty"`
	Characters           []string   `json:"characters,omitempty" yaml:"characters,omitempty"`
	Risk                 RiskLevel  `json:"risk" yaml:"risk"`
	Criticality          float64    `json:"criticality" yaml:"criticality"`
}

// IsTerminal reports whether the state offers no further decisions.
func (s *ScenarioState) IsTerminal() bool {
	return len(s.Decisions) == 0
}

// Scenario is a full scenario graph supplied as read-only configuration.
type Scenario struct {
	ID             string          `json:"id" yaml:"id"`
	Title          string          `json:"title" yaml:"title"`
	Domain         string          `json:"domain,omitempty" yaml:"domain,omitempty"`
	Active         bool            `json:"active" yaml:"active"`
	InitialStateID string          `json:"initial_state_id" yaml:"initial_state_id"`
	States         []ScenarioState `json:"states" yaml:"states"`
}
