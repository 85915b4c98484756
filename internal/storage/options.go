package storage

import (
	"strings"
	"time"
)

// Option configures a registry backend. Options that do not apply to a
// backend are ignored by it.
type Option interface {
	applyJSON(*JSONRegistry)
	applySQLite(*SQLiteConfig)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json   func(*JSONRegistry)
	sqlite func(*SQLiteConfig)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *JSONRegistry) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used to stamp created_at.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return optionAdapter{}
	}
	return optionAdapter{
		json:   func(s *JSONRegistry) { s.now = now },
		sqlite: func(cfg *SQLiteConfig) { cfg.Clock = now },
		pg:     func(cfg *PostgresConfig) { cfg.Clock = now },
	}
}

// WithSQLiteBusyTimeout sets how long SQLite waits on a locked database.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return optionAdapter{sqlite: func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	}}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a query waits for a pooled
// connection, including the connect itself.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
