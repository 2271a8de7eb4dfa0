// Package history records every cache update cycle in a SQL database. The
// ledger is for operators only; it is never read back into cache state.
package history

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rust-gcc/bottlecache/pkg/config"
)

const (
	// DefaultListLimit is used when ListCycles is called without a limit.
	DefaultListLimit = 50
	// MaxListLimit caps the number of cycles returned by ListCycles.
	MaxListLimit = 500
)

// Store persists update cycles.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	RecordCycle(ctx context.Context, cycle *Cycle) error
	ListCycles(ctx context.Context, limit int) ([]Cycle, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a history Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "history"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// One connection keeps ":memory:" databases intact and serializes
		// writers.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Cycle{}); err != nil {
		return fmt.Errorf("running history migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("History database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// RecordCycle inserts a cycle. The cycle's ID is set on success.
func (s *store) RecordCycle(ctx context.Context, cycle *Cycle) error {
	if err := s.db.WithContext(ctx).Create(cycle).Error; err != nil {
		return fmt.Errorf("recording cycle: %w", err)
	}

	return nil
}

// ListCycles returns the most recent cycles, newest first.
func (s *store) ListCycles(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var cycles []Cycle
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&cycles).Error; err != nil {
		return nil, fmt.Errorf("listing cycles: %w", err)
	}

	return cycles, nil
}
