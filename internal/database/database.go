// Package database persists render history with GORM. SQLite is the default
// backend; PostgreSQL is used when configured.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mantonx/pianoreel/internal/config"
)

// Open connects to the configured database
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if cfg.LogQueries {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	switch cfg.Type {
	case "postgres":
		return connectPostgres(cfg, gormConfig)
	case "sqlite", "":
		return connectSQLite(cfg, gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func connectPostgres(cfg config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required for postgres")
	}

	db, err := gorm.Open(postgres.Open(cfg.URL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func connectSQLite(cfg config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database path is required for sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Connect opens the database, migrates the schema and returns a store
func Connect(cfg config.DatabaseConfig, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	store := NewStore(db, logger)
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}

	logger.Debug("database initialized", "type", cfg.Type)
	return store, nil
}
