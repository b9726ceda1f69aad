package store

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: sessions and decisions tables
		{
			ID: "001_sessions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&TrainingSessionRow{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&SessionDecisionRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("training_sessions", "session_decisions")
			},
		},

		// Migration 002: per-user statistics aggregate
		{
			ID: "002_user_stats",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&UserStatsRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("user_stats")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}
	return nil
}
