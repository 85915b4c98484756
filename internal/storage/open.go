package storage

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSON     = "json"
)

// Open returns the registry for driver. dsn is a file path for the sqlite
// and json drivers and a connection string for postgres. Postgres schemas are
// migrated when migrate is set; the other drivers always create their schema.
func Open(ctx context.Context, driver, dsn string, migrate bool, opts ...Option) (Registry, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return NewSQLiteRegistry(dsn, opts...)
	case DriverJSON:
		return NewJSONRegistry(dsn, opts...)
	case DriverPostgres:
		reg, err := NewPostgresRegistry(ctx, dsn, opts...)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := reg.Migrate(ctx); err != nil {
				_ = reg.Close(ctx)
				return nil, err
			}
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
