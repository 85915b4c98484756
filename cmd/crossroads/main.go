// Command crossroads runs the channel orchestrator and splitter registry API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Glitchfix/crossroads/internal/api"
	"github.com/Glitchfix/crossroads/internal/auth"
	"github.com/Glitchfix/crossroads/internal/availability"
	"github.com/Glitchfix/crossroads/internal/channels"
	"github.com/Glitchfix/crossroads/internal/config"
	"github.com/Glitchfix/crossroads/internal/launcher"
	"github.com/Glitchfix/crossroads/internal/observability/logging"
	"github.com/Glitchfix/crossroads/internal/observability/metrics"
	"github.com/Glitchfix/crossroads/internal/pool"
	"github.com/Glitchfix/crossroads/internal/server"
	"github.com/Glitchfix/crossroads/internal/serverutil"
	"github.com/Glitchfix/crossroads/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(firstNonEmpty(*configPath, os.Getenv("CROSSROADS_CONFIG")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "crossroads: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("crossroads stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	recorder := metrics.New()

	registry, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.Migrate, storageOptions(cfg.Storage)...)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	logger.Info("registry ready", "driver", cfg.Storage.Driver)

	engine, process, err := buildLauncher(cfg.Launcher, logging.WithComponent(logger, "launcher"))
	if err != nil {
		_ = registry.Close(context.Background())
		return err
	}

	orchestrator := channels.NewOrchestrator(registry, engine, auth.NewIssuer(),
		channels.WithLogger(logging.WithComponent(logger, "channels")),
		channels.WithMetrics(recorder),
		channels.WithMaxSplitters(cfg.Channels.MaxSplitters),
	)
	pools := pool.NewManager(registry)
	directory := channels.NewDirectory(registry, pools,
		channels.WithDirectoryLogger(logging.WithComponent(logger, "directory")),
		channels.WithLookupConcurrency(cfg.Channels.LookupConcurrency),
	)

	availabilityLogger := logging.WithComponent(logger, "availability")
	intake := availability.NewIntake(pools, registry,
		availability.WithLocker(orchestrator.Locker()),
		availability.WithLogger(availabilityLogger),
		availability.WithMetrics(recorder),
		availability.WithTimeout(cfg.Availability.ReportTimeout.Duration),
	)
	if process != nil {
		process.SetExitHandler(intake.ExitHandler())
	}

	handler := api.NewHandler(orchestrator, directory, registry)
	handler.Availability = intake
	handler.Launcher = engine
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")

	var subscriber *availability.RedisSubscriber
	if cfg.Availability.Redis.Enabled() {
		subscriber, err = availability.NewRedisSubscriber(redisConfig(cfg.Availability.Redis, availabilityLogger), intake)
		if err != nil {
			_ = registry.Close(context.Background())
			return fmt.Errorf("availability feed: %w", err)
		}
		handler.Subscriber = subscriber
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Server.Addr,
		TLS: server.TLSConfig{
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    cfg.Server.GlobalRPS,
			GlobalBurst:  cfg.Server.GlobalBurst,
			CreateLimit:  cfg.Server.CreateLimit,
			CreateWindow: cfg.Server.CreateWindow.Duration,
			RedisAddr:    cfg.Server.RateLimitRedis,
		},
		CORS:              server.CORSConfig{AllowedOrigins: cfg.Server.CORSOrigins},
		Logger:            logging.WithComponent(logger, "http"),
		Metrics:           recorder,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
	})
	if err != nil {
		if subscriber != nil {
			_ = subscriber.Close()
		}
		_ = registry.Close(context.Background())
		return fmt.Errorf("build server: %w", err)
	}

	hooks := []func(context.Context) error{srv.Shutdown}
	if subscriber != nil {
		hooks = append(hooks, func(context.Context) error { return subscriber.Close() })
	}
	hooks = append(hooks, registry.Close)

	group, groupCtx := errgroup.WithContext(ctx)
	if subscriber != nil {
		group.Go(func() error {
			err := subscriber.Run(groupCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("availability feed: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server: srv.HTTPServer(),
			TLS: serverutil.TLSConfig{
				CertFile: cfg.Server.TLSCertFile,
				KeyFile:  cfg.Server.TLSKeyFile,
			},
			ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
			Logger:          logger,
			OnShutdown:      hooks,
		})
	})

	err = group.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func storageOptions(cfg config.Storage) []storage.Option {
	opts := []storage.Option{storage.WithSQLiteBusyTimeout(cfg.SQLiteBusyTimeout.Duration)}
	pg := cfg.Postgres
	if pg.MaxConns > 0 || pg.MinConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(pg.MaxConns, pg.MinConns))
	}
	if pg.AcquireTimeout.Duration > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(pg.AcquireTimeout.Duration))
	}
	if pg.MaxConnLifetime.Duration > 0 || pg.MaxConnIdleTime.Duration > 0 || pg.HealthCheckPeriod.Duration > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(pg.MaxConnLifetime.Duration, pg.MaxConnIdleTime.Duration, pg.HealthCheckPeriod.Duration))
	}
	if name := strings.TrimSpace(pg.ApplicationName); name != "" {
		opts = append(opts, storage.WithPostgresApplicationName(name))
	}
	return opts
}

// buildLauncher returns the configured engine. The process launcher is also
// returned on its own so its exit handler can be wired after the intake
// exists.
func buildLauncher(cfg config.Launcher, logger *slog.Logger) (launcher.Launcher, *launcher.ProcessLauncher, error) {
	switch cfg.Mode {
	case config.LauncherProcess:
		p := cfg.Process
		proc, err := launcher.NewProcessLauncher(launcher.ProcessConfig{
			SplitterCommand: p.SplitterCommand,
			MonitorCommand:  p.MonitorCommand,
			Host:            p.Host,
			PortRangeStart:  p.PortRangeStart,
			PortRangeEnd:    p.PortRangeEnd,
			StopGrace:       p.StopGrace.Duration,
			Env:             p.Env,
		}, launcher.WithProcessLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("process launcher: %w", err)
		}
		return proc, proc, nil
	default:
		h := cfg.HTTP
		opts := []launcher.HTTPOption{
			launcher.WithLogger(logger),
			launcher.WithRetry(h.RetryAttempts, h.RetryInterval.Duration),
		}
		if h.Timeout.Duration > 0 {
			opts = append(opts, launcher.WithHTTPClient(&http.Client{Timeout: h.Timeout.Duration}))
		}
		engine, err := launcher.NewHTTPLauncher(h.BaseURL, h.Token, h.HealthEndpoint, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("http launcher: %w", err)
		}
		return engine, nil, nil
	}
}

func redisConfig(cfg config.Redis, logger *slog.Logger) availability.RedisConfig {
	return availability.RedisConfig{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		MasterName:   cfg.MasterName,
		Channel:      cfg.Channel,
		DialTimeout:  cfg.DialTimeout.Duration,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		PoolSize:     cfg.PoolSize,
		TLS: availability.RedisTLSConfig{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
		Logger: logger,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
