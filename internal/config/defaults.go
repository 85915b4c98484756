package config

import "time"

const (
	defaultAddr              = ":8080"
	defaultShutdownTimeout   = 10 * time.Second
	defaultCreateWindow      = time.Minute
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultStorageDriver     = "sqlite"
	defaultSQLitePath        = "crossroads.db"
	defaultSQLiteBusy        = 5 * time.Second
	defaultLauncherMode      = LauncherHTTP
	defaultEngineURL         = "http://127.0.0.1:8090"
	defaultEngineHealth      = "/healthz"
	defaultEngineTimeout     = 10 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryInterval     = 500 * time.Millisecond
	defaultProcessHost       = "127.0.0.1"
	defaultPortRangeStart    = 20000
	defaultPortRangeEnd      = 29999
	defaultStopGrace         = 3 * time.Second
	defaultMaxSplitters      = 64
	defaultLookupConcurrency = 8
	defaultReportTimeout     = 5 * time.Second
	defaultRedisChannel      = "crossroads:splitter-availability"
)

// Launcher modes.
const (
	LauncherHTTP    = "http"
	LauncherProcess = "process"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            defaultAddr,
			ShutdownTimeout: Duration{defaultShutdownTimeout},
			CreateWindow:    Duration{defaultCreateWindow},
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Storage: Storage{
			Driver:            defaultStorageDriver,
			DSN:               defaultSQLitePath,
			Migrate:           true,
			SQLiteBusyTimeout: Duration{defaultSQLiteBusy},
		},
		Launcher: Launcher{
			Mode: defaultLauncherMode,
			HTTP: HTTPLauncher{
				BaseURL:        defaultEngineURL,
				HealthEndpoint: defaultEngineHealth,
				Timeout:        Duration{defaultEngineTimeout},
				RetryAttempts:  defaultRetryAttempts,
				RetryInterval:  Duration{defaultRetryInterval},
			},
			Process: ProcessLauncher{
				Host:           defaultProcessHost,
				PortRangeStart: defaultPortRangeStart,
				PortRangeEnd:   defaultPortRangeEnd,
				StopGrace:      Duration{defaultStopGrace},
			},
		},
		Channels: Channels{
			MaxSplitters:      defaultMaxSplitters,
			LookupConcurrency: defaultLookupConcurrency,
		},
		Availability: Availability{
			ReportTimeout: Duration{defaultReportTimeout},
			Redis: Redis{
				Channel: defaultRedisChannel,
			},
		},
	}
}
