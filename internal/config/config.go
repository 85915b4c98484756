package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "5s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Server contains the HTTP listener settings.
type Server struct {
	Addr              string   `toml:"addr"`
	TLSCertFile       string   `toml:"tls_cert_file"`
	TLSKeyFile        string   `toml:"tls_key_file"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	CORSOrigins       []string `toml:"cors_origins"`
	TrustForwardedFor bool     `toml:"trust_forwarded_for"`
	GlobalRPS         float64  `toml:"global_rps"`
	GlobalBurst       int      `toml:"global_burst"`
	CreateLimit       int      `toml:"create_limit"`
	CreateWindow      Duration `toml:"create_window"`
	// RateLimitRedis shares the creation budget across instances.
	RateLimitRedis string `toml:"rate_limit_redis"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Postgres tunes the pgx pool used by the postgres driver.
type Postgres struct {
	MaxConns          int32    `toml:"max_conns"`
	MinConns          int32    `toml:"min_conns"`
	AcquireTimeout    Duration `toml:"acquire_timeout"`
	MaxConnLifetime   Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime   Duration `toml:"max_conn_idle_time"`
	HealthCheckPeriod Duration `toml:"health_check_period"`
	ApplicationName   string   `toml:"application_name"`
}

// Storage selects the registry backend. DSN is a file path for sqlite and
// json, a connection string for postgres.
type Storage struct {
	Driver            string   `toml:"driver"`
	DSN               string   `toml:"dsn"`
	Migrate           bool     `toml:"migrate"`
	SQLiteBusyTimeout Duration `toml:"sqlite_busy_timeout"`
	Postgres          Postgres `toml:"postgres"`
}

// HTTPLauncher points at a standalone engine.
type HTTPLauncher struct {
	BaseURL        string   `toml:"base_url"`
	Token          string   `toml:"token"`
	HealthEndpoint string   `toml:"health_endpoint"`
	Timeout        Duration `toml:"timeout"`
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryInterval  Duration `toml:"retry_interval"`
}

// ProcessLauncher runs splitters and monitors as child processes.
type ProcessLauncher struct {
	SplitterCommand []string `toml:"splitter_command"`
	MonitorCommand  []string `toml:"monitor_command"`
	Host            string   `toml:"host"`
	PortRangeStart  int      `toml:"port_range_start"`
	PortRangeEnd    int      `toml:"port_range_end"`
	StopGrace       Duration `toml:"stop_grace"`
	Env             []string `toml:"env"`
}

type Launcher struct {
	Mode    string          `toml:"mode"`
	HTTP    HTTPLauncher    `toml:"http"`
	Process ProcessLauncher `toml:"process"`
}

type Channels struct {
	MaxSplitters      int `toml:"max_splitters"`
	LookupConcurrency int `toml:"lookup_concurrency"`
}

type RedisTLS struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Redis configures the pub/sub availability feed. It is disabled unless an
// address is set.
type Redis struct {
	Addrs        []string `toml:"addrs"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	MasterName   string   `toml:"master_name"`
	Channel      string   `toml:"channel"`
	DialTimeout  Duration `toml:"dial_timeout"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	PoolSize     int      `toml:"pool_size"`
	TLS          RedisTLS `toml:"tls"`
}

func (r Redis) Enabled() bool {
	return len(r.Addrs) > 0
}

type Availability struct {
	ReportTimeout Duration `toml:"report_timeout"`
	Redis         Redis    `toml:"redis"`
}

// Config is the complete crossroads configuration.
type Config struct {
	Server       Server       `toml:"server"`
	Logging      Logging      `toml:"logging"`
	Storage      Storage      `toml:"storage"`
	Launcher     Launcher     `toml:"launcher"`
	Channels     Channels     `toml:"channels"`
	Availability Availability `toml:"availability"`
}

// Load builds the configuration from defaults, the optional TOML file at
// path and CROSSROADS_* environment variables, in that order, and validates
// the result. A missing file is an error only when path was given
// explicitly.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Launcher.Mode = strings.ToLower(strings.TrimSpace(c.Launcher.Mode))
	c.Server.CORSOrigins = splitAndTrim(c.Server.CORSOrigins...)
	c.Availability.Redis.Addrs = splitAndTrim(c.Availability.Redis.Addrs...)
}

func splitAndTrim(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
