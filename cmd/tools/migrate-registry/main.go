// Command migrate-registry copies a JSON registry file into another backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Glitchfix/crossroads/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "crossroads.json", "path to the JSON registry to migrate")
	driver := flag.String("driver", storage.DriverPostgres, "target driver (postgres or sqlite)")
	dsn := flag.String("dsn", "", "target connection string or sqlite path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("CROSSROADS_STORAGE_DSN"))
	}
	if target == "" {
		target = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if target == "" {
		logger.Error("target DSN required", "hint", "set --dsn, CROSSROADS_STORAGE_DSN, or DATABASE_URL")
		os.Exit(1)
	}
	if strings.EqualFold(*driver, storage.DriverJSON) {
		logger.Error("target driver must differ from the source", "driver", *driver)
		os.Exit(1)
	}

	if err := migrate(context.Background(), logger, *jsonPath, *driver, target); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, logger *slog.Logger, jsonPath, driver, dsn string) error {
	snapshot, err := storage.LoadSnapshotFromJSON(jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", jsonPath, "channels", counts.Channels, "splitters", counts.Splitters)

	reg, err := storage.Open(ctx, driver, dsn, true)
	if err != nil {
		return fmt.Errorf("open target registry: %w", err)
	}
	defer reg.Close(context.Background())

	if err := storage.ImportSnapshot(ctx, reg, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	if strings.EqualFold(driver, storage.DriverPostgres) {
		if err := verifyCounts(ctx, dsn, counts); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}

	logger.Info("migration completed",
		"channels", counts.Channels,
		"splitters", counts.Splitters,
		"unavailable_splitters", counts.UnavailableSplitters)
	return nil
}

func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"channels", "SELECT COUNT(*) FROM channels", counts.Channels},
		{"splitters", "SELECT COUNT(*) FROM splitter", counts.Splitters},
		{"unavailable splitters", "SELECT COUNT(*) FROM splitter WHERE NOT splitter_available", counts.UnavailableSplitters},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual != check.expected {
			return fmt.Errorf("mismatch for %s: expected %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
