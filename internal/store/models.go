package store

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/robotjaol/crucible/pkg/models"
)

// GORM rows. JSON column types (SessionData, RecoveryData, SessionConfig,
// ConsequenceList) live in pkg/models and implement sql.Scanner and
// driver.Valuer.

// TrainingSessionRow is the sessions table.
type TrainingSessionRow struct {
	ID               string               `gorm:"primaryKey"`
	UserID           string               `gorm:"index;not null"`
	ScenarioID       string               `gorm:"index;not null"`
	Config           models.SessionConfig `gorm:"type:text"`
	StartedAtEpoch   int64                `gorm:"index:idx_sessions_started,sort:desc;not null"`
	CompletedAtEpoch sql.NullInt64        `gorm:"index"`
	FinalScore       sql.NullFloat64
	CurrentStateID   string
	IsPaused         bool                `gorm:"default:false"`
	PausedAtEpoch    sql.NullInt64
	ResumedAtEpoch   sql.NullInt64
	SessionData      models.SessionData  `gorm:"type:text"`
	RecoveryData     models.RecoveryData `gorm:"type:text"`
	UpdatedAtEpoch   int64               `gorm:"index;not null"`
}

func (TrainingSessionRow) TableName() string { return "training_sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (r *TrainingSessionRow) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if r.StartedAtEpoch == 0 {
		r.StartedAtEpoch = now
	}
	if r.UpdatedAtEpoch == 0 {
		r.UpdatedAtEpoch = now
	}
	return nil
}

// SessionDecisionRow is the append-only decisions table.
type SessionDecisionRow struct {
	ID             string `gorm:"primaryKey"`
	SessionID      string `gorm:"index:idx_decisions_session,priority:1;not null"`
	StateID        string `gorm:"not null"`
	DecisionText   string `gorm:"type:text"`
	TimestampEpoch int64  `gorm:"index:idx_decisions_session,priority:2;not null"`
	TimeTakenMs    int64
	ScoreImpact    float64
	Consequences   models.ConsequenceList `gorm:"type:text"`
	Confidence     sql.NullInt64
}

func (SessionDecisionRow) TableName() string { return "session_decisions" }

// UserStatsRow is the per-user aggregate table.
type UserStatsRow struct {
	UserID             string `gorm:"primaryKey"`
	CompletedScenarios int    `gorm:"default:0"`
	AverageScore       float64
	UpdatedAtEpoch     int64 `gorm:"not null"`
}

func (UserStatsRow) TableName() string { return "user_stats" }

// Row <-> domain converters.

func toSessionRow(s *models.TrainingSession) *TrainingSessionRow {
	row := &TrainingSessionRow{
		ID:             s.ID,
		UserID:         s.UserID,
		ScenarioID:     s.ScenarioID,
		Config:         s.Config,
		StartedAtEpoch: s.StartedAt.UnixMilli(),
		CurrentStateID: s.CurrentStateID,
		IsPaused:       s.IsPaused,
		SessionData:    s.Data,
		UpdatedAtEpoch: s.UpdatedAtEpoch,
	}
	if s.CompletedAt != nil {
		row.CompletedAtEpoch = sql.NullInt64{Int64: s.CompletedAt.UnixMilli(), Valid: true}
	}
	if s.FinalScore != nil {
		row.FinalScore = sql.NullFloat64{Float64: *s.FinalScore, Valid: true}
	}
	if s.PausedAt != nil {
		row.PausedAtEpoch = sql.NullInt64{Int64: s.PausedAt.UnixMilli(), Valid: true}
	}
	if s.ResumedAt != nil {
		row.ResumedAtEpoch = sql.NullInt64{Int64: s.ResumedAt.UnixMilli(), Valid: true}
	}
	if s.Recovery != nil {
		row.RecoveryData = *s.Recovery
	}
	return row
}

func toSessionModel(r *TrainingSessionRow) *models.TrainingSession {
	s := &models.TrainingSession{
		ID:             r.ID,
		UserID:         r.UserID,
		ScenarioID:     r.ScenarioID,
		Config:         r.Config,
		StartedAt:      time.UnixMilli(r.StartedAtEpoch),
		CurrentStateID: r.CurrentStateID,
		IsPaused:       r.IsPaused,
		Data:           r.SessionData,
		UpdatedAtEpoch: r.UpdatedAtEpoch,
	}
	if r.CompletedAtEpoch.Valid {
		t := time.UnixMilli(r.CompletedAtEpoch.Int64)
		s.CompletedAt = &t
	}
	if r.FinalScore.Valid {
		v := r.FinalScore.Float64
		s.FinalScore = &v
	}
	if r.PausedAtEpoch.Valid {
		t := time.UnixMilli(r.PausedAtEpoch.Int64)
		s.PausedAt = &t
	}
	if r.ResumedAtEpoch.Valid {
		t := time.UnixMilli(r.ResumedAtEpoch.Int64)
		s.ResumedAt = &t
	}
	if len(r.RecoveryData.Checkpoints) > 0 || len(r.RecoveryData.Events) > 0 {
		rec := r.RecoveryData
		s.Recovery = &rec
	}
	return s
}

func toDecisionRow(d *models.SessionDecision) *SessionDecisionRow {
	row := &SessionDecisionRow{
		ID:             d.ID,
		SessionID:      d.SessionID,
		StateID:        d.StateID,
		DecisionText:   d.DecisionText,
		TimestampEpoch: d.Timestamp.UnixMilli(),
		TimeTakenMs:    d.TimeTakenMs,
		ScoreImpact:    d.ScoreImpact,
		Consequences:   models.ConsequenceList(d.Consequences),
	}
	if d.Confidence != nil {
		row.Confidence = sql.NullInt64{Int64: int64(*d.Confidence), Valid: true}
	}
	return row
}

func toDecisionModel(r *SessionDecisionRow) models.SessionDecision {
	d := models.SessionDecision{
		ID:           r.ID,
		SessionID:    r.SessionID,
		StateID:      r.StateID,
		DecisionText: r.DecisionText,
		Timestamp:    time.UnixMilli(r.TimestampEpoch),
		TimeTakenMs:  r.TimeTakenMs,
		ScoreImpact:  r.ScoreImpact,
		Consequences: []models.Consequence(r.Consequences),
	}
	if r.Confidence.Valid {
		c := int(r.Confidence.Int64)
		d.Confidence = &c
	}
	return d
}

// rowUpdates translates partial-update field keys into column updates.
// Unknown keys are passed through unchanged.
func rowUpdates(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		switch k {
		case FieldPausedAt:
			out["paused_at_epoch"] = timePtr(v)
		case FieldResumedAt:
			out["resumed_at_epoch"] = timePtr(v)
		case FieldCompletedAt:
			out["completed_at_epoch"] = timePtr(v)
		default:
			out[k] = v
		}
	}
	out["updated_at_epoch"] = time.Now().UnixMilli()
	return out
}
