package database

import (
	"fmt"
	"time"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/database/migrations"
	"github.com/civicos/identity-service/internal/models"
	"github.com/civicos/identity-service/internal/queue"
	"github.com/civicos/identity-service/internal/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the database connection with configuration
func InitDB(dbConfig config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(dbConfig.URL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(dbConfig.MaxIdle)
	sqlDB.SetMaxOpenConns(dbConfig.MaxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := migrations.RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run automigration: %w", err)
	}

	return db, nil
}

// Migrate auto-migrates all models. Versioned migrations in the migrations
// package handle anything AutoMigrate cannot express.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.VerificationRecord{},
		&models.VerificationDocument{},
		&models.UserVerificationStatus{},
		&utils.AuditLog{},
		&queue.Job{},
	)
}
