package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/model"
)

// DB wraps the GORM DB connection with additional context
type DB struct {
	*gorm.DB
	Driver string
	log    *logger.Logger
}

// New creates a new database connection based on configuration
func New(cfg *config.Config, log *logger.Logger) (*DB, error) {
	var db *gorm.DB
	var err error

	log = log.Component("database")

	// Configure logger to only log slow queries (>1 second)
	slowLogger := gormlogger.New(
		zap.NewStdLog(log.Zap()),
		gormlogger.Config{
			SlowThreshold:             time.Second, // Log queries slower than 1 second
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true, // Don't log "record not found" as error
		},
	)

	gormConfig := &gorm.Config{
		Logger:         slowLogger,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	driver := cfg.DatabaseDriver
	dsn := cfg.CleanDSN()

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		sqliteDSN := strings.TrimPrefix(dsn, "file:")

		// Ensure parent directory exists for file-based databases
		if !strings.HasPrefix(sqliteDSN, ":memory:") {
			dir := filepath.Dir(sqliteDSN)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}

		db, err = gorm.Open(sqlite.Open(SQLiteDSN(sqliteDSN)), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	return &DB{DB: db, Driver: driver, log: log}, nil
}

// SQLiteDSN appends per-connection pragmas to a sqlite path. PRAGMA
// statements issued with Exec only reach one pooled connection, so they are
// carried in the DSN instead. foreign_keys must be on for the snapshot
// cascade. Transactions begin IMMEDIATE so a writer waits on busy_timeout at
// BEGIN rather than failing when its read snapshot goes stale.
func SQLiteDSN(path string) string {
	if strings.HasPrefix(path, ":memory:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Migrate runs database migrations using GORM's AutoMigrate
func (db *DB) Migrate() error {
	db.log.Info("running AutoMigrate")
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// IsPostgres returns true if using PostgreSQL
func (db *DB) IsPostgres() bool {
	return db.Driver == "postgres"
}

// IsSQLite returns true if using SQLite
func (db *DB) IsSQLite() bool {
	return db.Driver == "sqlite"
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
