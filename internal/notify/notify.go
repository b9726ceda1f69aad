// Package notify delivers live-update events for session rows, so one
// writer can observe what another writer just persisted.
package notify

import (
	"time"

	"github.com/robotjaol/crucible/pkg/models"
)

// EventType classifies a session row change.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventDecisionMade EventType = "decision_made"
	EventPause        EventType = "pause"
	EventResume       EventType = "resume"
	EventComplete     EventType = "complete"
)

// Event is one session change notification. Decision is set only for
// decision_made events.
type Event struct {
	SessionID string                  `json:"session_id"`
	Type      EventType               `json:"type"`
	Fields    []string                `json:"fields,omitempty"` // updated column names
	Decision  *models.SessionDecision `json:"decision,omitempty"`
	At        time.Time               `json:"at"`
}

// Handler receives events for a subscribed session.
type Handler func(Event)

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Channel is the live-update mechanism consumed by the persistence layer.
type Channel interface {
	Subscribe(sessionID string, h Handler) (Subscription, error)
}

// Publisher is the write side, invoked by store implementations after a
// successful row change.
type Publisher interface {
	Publish(ev Event) error
}

// Classify maps a partial-update field set to an event type. Pause state
// outranks everything except completion.
func Classify(fields map[string]any) EventType {
	if v, ok := fields["completed_at"]; ok && v != nil {
		return EventComplete
	}
	if v, ok := fields["is_paused"]; ok {
		if paused, _ := v.(bool); paused {
			return EventPause
		}
		return EventResume
	}
	return EventStateChange
}

// FieldNames extracts the sorted-free list of updated column names.
func FieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}
