package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/pkg/models"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database configuration.
type Config struct {
	Driver   string          // "sqlite" (default) or "postgres"
	Path     string          // SQLite database file
	DSN      string          // Postgres DSN
	MaxConns int             // Maximum open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// GormStore is the durable Store backed by GORM. Row changes are mirrored
// to the notify publisher so other writers can observe them.
type GormStore struct {
	DB        *gorm.DB
	sqlDB     *sql.DB
	publisher notify.Publisher // optional
}

// NewGormStore opens the database, runs migrations and, for SQLite,
// enables WAL mode for concurrent readers.
func NewGormStore(cfg Config, publisher notify.Publisher) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.Path + "?_foreign_keys=ON")
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("raw db handle: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if cfg.Driver == DriverSQLite || cfg.Driver == "" {
		// WAL + relaxed sync for concurrent reads; busy timeout so
		// concurrent writers retry instead of failing on a locked db.
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := sqlDB.Exec(pragma); err != nil {
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	return &GormStore{DB: db, sqlDB: sqlDB, publisher: publisher}, nil
}

// Close closes the database connection.
func (s *GormStore) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *GormStore) Ping() error {
	return s.sqlDB.Ping()
}

// CreateSession inserts a new session row.
func (s *GormStore) CreateSession(ctx context.Context, sess *models.TrainingSession) error {
	row := toSessionRow(sess)
	if err := s.DB.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	sess.UpdatedAtEpoch = row.UpdatedAtEpoch
	return nil
}

// GetSession reads one session row.
func (s *GormStore) GetSession(ctx context.Context, id string) (*models.TrainingSession, error) {
	var row TrainingSessionRow
	err := s.DB.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return toSessionModel(&row), nil
}

// UpdateSession applies a partial field update and stamps updated_at.
func (s *GormStore) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	updates := rowUpdates(fields)
	res := s.DB.WithContext(ctx).Model(&TrainingSessionRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	s.publish(notify.Event{
		SessionID: id,
		Type:      notify.Classify(fields),
		Fields:    notify.FieldNames(fields),
		At:        time.Now(),
	})
	return nil
}

// QuerySessions lists sessions matching the query.
func (s *GormStore) QuerySessions(ctx context.Context, q SessionQuery) ([]*models.TrainingSession, error) {
	tx := s.DB.WithContext(ctx).Model(&TrainingSessionRow{})
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.Completed != nil {
		if *q.Completed {
			tx = tx.Where("completed_at_epoch IS NOT NULL")
		} else {
			tx = tx.Where("completed_at_epoch IS NULL")
		}
	}
	if !q.StartedAfter.IsZero() {
		tx = tx.Where("started_at_epoch > ?", q.StartedAfter.UnixMilli())
	}
	if !q.StartedBefore.IsZero() {
		tx = tx.Where("started_at_epoch < ?", q.StartedBefore.UnixMilli())
	}
	switch q.Order {
	case OrderUpdatedDesc:
		tx = tx.Order("updated_at_epoch DESC")
	default:
		tx = tx.Order("started_at_epoch DESC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []TrainingSessionRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	out := make([]*models.TrainingSession, len(rows))
	for i := range rows {
		out[i] = toSessionModel(&rows[i])
	}
	return out, nil
}

// InsertDecision appends one immutable decision record.
func (s *GormStore) InsertDecision(ctx context.Context, d *models.SessionDecision) error {
	if err := s.DB.WithContext(ctx).Create(toDecisionRow(d)).Error; err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}
	s.publish(notify.Event{
		SessionID: d.SessionID,
		Type:      notify.EventDecisionMade,
		Decision:  d,
		At:        time.Now(),
	})
	return nil
}

// ListDecisions returns a session's decisions in timestamp order.
func (s *GormStore) ListDecisions(ctx context.Context, sessionID string) ([]models.SessionDecision, error) {
	var rows []SessionDecisionRow
	err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list decisions for %s: %w", sessionID, err)
	}
	out := make([]models.SessionDecision, len(rows))
	for i := range rows {
		out[i] = toDecisionModel(&rows[i])
	}
	return out, nil
}

// GetUserStats returns the user's aggregate, zero-valued when absent.
func (s *GormStore) GetUserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	var row UserStatsRow
	err := s.DB.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user stats %s: %w", userID, err)
	}
	return &models.UserStats{
		UserID:             row.UserID,
		CompletedScenarios: row.CompletedScenarios,
		AverageScore:       row.AverageScore,
	}, nil
}

// PutUserStats upserts the user's aggregate.
func (s *GormStore) PutUserStats(ctx context.Context, st *models.UserStats) error {
	row := UserStatsRow{
		UserID:             st.UserID,
		CompletedScenarios: st.CompletedScenarios,
		AverageScore:       st.AverageScore,
		UpdatedAtEpoch:     time.Now().UnixMilli(),
	}
	if err := s.DB.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save user stats %s: %w", st.UserID, err)
	}
	return nil
}

func (s *GormStore) publish(ev notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ev); err != nil {
		log.Warn().Err(err).Str("sessionId", ev.SessionID).Msg("Sync event publish failed")
	}
}
