package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/pkg/models"
)

// MemoryStore is a Store kept entirely in process memory. Used by unit
// tests and as a zero-dependency backend. Sessions are deep-copied at the
// boundary so callers never share internal state.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.TrainingSession
	decisions map[string][]models.SessionDecision
	stats     map[string]models.UserStats
	publisher notify.Publisher // optional
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(publisher notify.Publisher) *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*models.TrainingSession),
		decisions: make(map[string][]models.SessionDecision),
		stats:     make(map[string]models.UserStats),
		publisher: publisher,
	}
}

func copySession(s *models.TrainingSession) *models.TrainingSession {
	out := *s
	out.Data = s.Data.Clone()
	if s.Recovery != nil {
		rec := models.RecoveryData{
			Events: append([]models.RecoveryEvent(nil), s.Recovery.Events...),
		}
		if s.Recovery.Checkpoints != nil {
			rec.Checkpoints = make(map[string]models.Checkpoint, len(s.Recovery.Checkpoints))
			for k, v := range s.Recovery.Checkpoints {
				rec.Checkpoints[k] = v
			}
		}
		out.Recovery = &rec
	}
	return &out
}

// CreateSession inserts a new session.
func (m *MemoryStore) CreateSession(ctx context.Context, s *models.TrainingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAtEpoch = time.Now().UnixMilli()
	m.sessions[s.ID] = copySession(s)
	return nil
}

// GetSession reads one session.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

// UpdateSession applies a partial field update.
func (m *MemoryStore) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	for k, v := range fields {
		switch k {
		case FieldCurrentStateID:
			s.CurrentStateID, _ = v.(string)
		case FieldSessionData:
			if data, ok := v.(models.SessionData); ok {
				s.Data = data.Clone()
			}
		case FieldRecoveryData:
			if rec, ok := v.(models.RecoveryData); ok {
				s.Recovery = &rec
			}
		case FieldIsPaused:
			s.IsPaused, _ = v.(bool)
		case FieldPausedAt:
			s.PausedAt = epochToTime(timePtr(v))
		case FieldResumedAt:
			s.ResumedAt = epochToTime(timePtr(v))
		case FieldCompletedAt:
			s.CompletedAt = epochToTime(timePtr(v))
		case FieldFinalScore:
			if f, ok := v.(float64); ok {
				s.FinalScore = &f
			}
		}
	}
	s.UpdatedAtEpoch = time.Now().UnixMilli()
	m.mu.Unlock()

	m.publish(notify.Event{
		SessionID: id,
		Type:      notify.Classify(fields),
		Fields:    notify.FieldNames(fields),
		At:        time.Now(),
	})
	return nil
}

// QuerySessions lists sessions matching the query.
func (m *MemoryStore) QuerySessions(ctx context.Context, q SessionQuery) ([]*models.TrainingSession, error) {
	m.mu.Lock()
	var out []*models.TrainingSession
	for _, s := range m.sessions {
		if q.UserID != "" && s.UserID != q.UserID {
			continue
		}
		if q.Completed != nil && s.Completed() != *q.Completed {
			continue
		}
		if !q.StartedAfter.IsZero() && !s.StartedAt.After(q.StartedAfter) {
			continue
		}
		if !q.StartedBefore.IsZero() && !s.StartedAt.Before(q.StartedBefore) {
			continue
		}
		out = append(out, copySession(s))
	}
	m.mu.Unlock()

	switch q.Order {
	case OrderUpdatedDesc:
		sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtEpoch > out[j].UpdatedAtEpoch })
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// InsertDecision appends one decision record.
func (m *MemoryStore) InsertDecision(ctx context.Context, d *models.SessionDecision) error {
	m.mu.Lock()
	m.decisions[d.SessionID] = append(m.decisions[d.SessionID], *d)
	m.mu.Unlock()

	m.publish(notify.Event{
		SessionID: d.SessionID,
		Type:      notify.EventDecisionMade,
		Decision:  d,
		At:        time.Now(),
	})
	return nil
}

// ListDecisions returns a session's decisions in timestamp order.
func (m *MemoryStore) ListDecisions(ctx context.Context, sessionID string) ([]models.SessionDecision, error) {
	m.mu.Lock()
	out := append([]models.SessionDecision(nil), m.decisions[sessionID]...)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetUserStats returns the user's aggregate, zero-valued when absent.
func (m *MemoryStore) GetUserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[userID]
	if !ok {
		return &models.UserStats{UserID: userID}, nil
	}
	return &st, nil
}

// PutUserStats upserts the user's aggregate.
func (m *MemoryStore) PutUserStats(ctx context.Context, st *models.UserStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[st.UserID] = *st
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) publish(ev notify.Event) {
	if m.publisher == nil {
		return
	}
	_ = m.publisher.Publish(ev)
}

func epochToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
