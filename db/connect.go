package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Backend selects which SQL driver GormProvider connects through.
type Backend string

const (
	BackendPostgres Backend = "postgresql"
	BackendSqlite   Backend = "sqlite"
)

// ConnectConfig mirrors the postgresql.*/sqlite.* settings block: exactly
// one of the two sub-configs is used, selected by Backend.
type ConnectConfig struct {
	Backend Backend

	// Postgres
	PgAddress  string
	PgPort     int
	PgUser     string
	PgPwd      string
	PgDb       string

	// Sqlite
	SqlitePath string

	// Pool tuning, generalized from the teacher's PGInfo connection setup.
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConnectConfig mirrors the defaults a fresh install ships with:
// an embedded sqlite database under the data directory.
func DefaultConnectConfig(dataDir string) ConnectConfig {
	return ConnectConfig{
		Backend:         BackendSqlite,
		SqlitePath:      dataDir + "/db.sqlite",
		MaxIdleConns:    2,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// Connect opens the configured backend, runs AutoMigrate against
// AllModels, and tunes the connection pool.
func Connect(cfg ConnectConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Backend {
	case BackendPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.PgAddress, cfg.PgPort, cfg.PgUser, cfg.PgPwd, cfg.PgDb)
		dialector = postgres.Open(dsn)
	case BackendSqlite:
		dialector = sqlite.Open(cfg.SqlitePath)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return gdb, nil
}
