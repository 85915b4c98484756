package storage

import "time"

// PostgresConfig describes how the Postgres registry initialises its
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		ApplicationName: "crossroads",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

// SQLiteConfig describes the SQLite registry's database file and pragmas.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	cfg := SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		Clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	return cfg
}
