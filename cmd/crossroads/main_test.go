package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Glitchfix/crossroads/internal/config"
)

func TestBuildLauncherHTTP(t *testing.T) {
	cfg := config.Default()
	engine, process, err := buildLauncher(cfg.Launcher, nil)
	if err != nil {
		t.Fatalf("buildLauncher: %v", err)
	}
	if engine == nil {
		t.Fatal("expected an engine")
	}
	if process != nil {
		t.Fatal("http mode must not return a process launcher")
	}
}

func TestBuildLauncherProcess(t *testing.T) {
	cfg := config.Default()
	cfg.Launcher.Mode = config.LauncherProcess
	cfg.Launcher.Process.SplitterCommand = []string{"splitter", "--port", "{port}"}
	cfg.Launcher.Process.MonitorCommand = []string{"monitor"}

	engine, process, err := buildLauncher(cfg.Launcher, nil)
	if err != nil {
		t.Fatalf("buildLauncher: %v", err)
	}
	if process == nil || engine == nil {
		t.Fatal("expected process launcher")
	}

	cfg.Launcher.Process.SplitterCommand = nil
	if _, _, err := buildLauncher(cfg.Launcher, nil); err == nil {
		t.Fatal("expected missing splitter command to fail")
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "crossroads.db")
	cfg.Storage.Postgres.MaxConns = 4
	cfg.Storage.Postgres.AcquireTimeout = config.Duration{Duration: time.Second}
	cfg.Storage.Postgres.ApplicationName = "crossroads-test"

	opts := storageOptions(cfg.Storage)
	if len(opts) != 4 {
		t.Fatalf("expected 4 options, got %d", len(opts))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger := testLogger()
	if err := run(ctx, withFreePort(cfg), logger); err != nil {
		t.Fatalf("run with cancelled context: %v", err)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "b", "c"); got != "b" {
		t.Fatalf("unexpected value %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withFreePort(cfg config.Config) *config.Config {
	cfg.Server.Addr = "127.0.0.1:0"
	return &cfg
}
