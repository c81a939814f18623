package taskdb

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BackendType selects a queue backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendSQL    BackendType = "sql"
)

// Config configures the queue backend.
type Config struct {
	// Backend is memory or sql (default: sql when a database is configured)
	Backend BackendType `yaml:"backend" json:"backend" env:"BACKEND"`

	// AutoMigrate creates tables from the models instead of relying on
	// the migrate command. Intended for sqlite development setups.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`

	// TxRetries bounds retries of serialization failures (default: 5)
	TxRetries int `yaml:"tx_retries" json:"tx_retries" env:"TX_RETRIES"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendSQL,
		TxRetries: 5,
	}
}

// NewQueue creates a Queue based on the configuration. db may be nil for
// the memory backend.
func NewQueue(cfg Config, db *gorm.DB, logger *zap.Logger, opts ...Option) (Queue, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryQueue(opts...), nil
	case BackendSQL, "":
		if db == nil {
			return nil, fmt.Errorf("sql queue requires a database connection")
		}
		q := NewSQLQueue(db, logger, opts...)
		if cfg.TxRetries > 0 {
			q.txRetries = cfg.TxRetries
		}
		if cfg.AutoMigrate {
			if err := q.AutoMigrate(); err != nil {
				return nil, fmt.Errorf("auto migrate queue tables: %w", err)
			}
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}
