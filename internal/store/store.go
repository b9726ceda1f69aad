// Package store persists training sessions, decision records and user
// statistics. Implementations: GORM (SQLite or Postgres) and in-memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/robotjaol/crucible/pkg/models"
)

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// Partial-update field keys accepted by UpdateSession.
const (
	FieldCurrentStateID = "current_state_id"
	FieldSessionData    = "session_data"
	FieldRecoveryData   = "recovery_data"
	FieldIsPaused       = "is_paused"
	FieldPausedAt       = "paused_at"
	FieldResumedAt      = "resumed_at"
	FieldCompletedAt    = "completed_at"
	FieldFinalScore     = "final_score"
)

// SortOrder selects how QuerySessions orders its results.
type SortOrder string

const (
	OrderStartedDesc SortOrder = "started_desc"
	OrderUpdatedDesc SortOrder = "updated_desc"
)

// SessionQuery filters QuerySessions.
type SessionQuery struct {
	UserID        string
	Completed     *bool // nil = any
	StartedAfter  time.Time
	StartedBefore time.Time
	Order         SortOrder
	Limit         int
}

// Store is the durable session store contract the core consumes. Every
// write stamps the session row's updated_at epoch; the persistence layer
// relies on that for conflict detection.
type Store interface {
	CreateSession(ctx context.Context, s *models.TrainingSession) error
	GetSession(ctx context.Context, id string) (*models.TrainingSession, error)
	UpdateSession(ctx context.Context, id string, fields map[string]any) error
	QuerySessions(ctx context.Context, q SessionQuery) ([]*models.TrainingSession, error)

	InsertDecision(ctx context.Context, d *models.SessionDecision) error
	// ListDecisions returns a session's decisions in timestamp order.
	ListDecisions(ctx context.Context, sessionID string) ([]models.SessionDecision, error)

	// GetUserStats returns zero-valued stats when the user has none yet.
	GetUserStats(ctx context.Context, userID string) (*models.UserStats, error)
	PutUserStats(ctx context.Context, st *models.UserStats) error

	Close() error
}

// timePtr converts a partial-update value into an epoch-millis pointer.
// Accepts time.Time, *time.Time and nil.
func timePtr(v any) *int64 {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		ms := t.UnixMilli()
		return &ms
	case *time.Time:
		if t == nil {
			return nil
		}
		ms := t.UnixMilli()
		return &ms
	default:
		return nil
	}
}
