package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CROSSROADS_"

type envLookup func(string) (string, bool)

// applyEnv overlays the environment on top of the file values. Only
// variables that are set and non-blank take effect.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envLookup(lookup)

	env.str("ADDR", &c.Server.Addr)
	env.str("TLS_CERT", &c.Server.TLSCertFile)
	env.str("TLS_KEY", &c.Server.TLSKeyFile)
	env.list("CORS_ORIGINS", &c.Server.CORSOrigins)
	env.str("RATE_REDIS_ADDR", &c.Server.RateLimitRedis)
	env.str("LOG_LEVEL", &c.Logging.Level)
	env.str("LOG_FORMAT", &c.Logging.Format)
	env.str("STORAGE_DRIVER", &c.Storage.Driver)
	env.str("STORAGE_DSN", &c.Storage.DSN)
	env.str("POSTGRES_APP_NAME", &c.Storage.Postgres.ApplicationName)
	env.str("LAUNCHER_MODE", &c.Launcher.Mode)
	env.str("ENGINE_URL", &c.Launcher.HTTP.BaseURL)
	env.str("ENGINE_TOKEN", &c.Launcher.HTTP.Token)
	env.list("REDIS_ADDRS", &c.Availability.Redis.Addrs)
	env.str("REDIS_USERNAME", &c.Availability.Redis.Username)
	env.str("REDIS_PASSWORD", &c.Availability.Redis.Password)
	env.str("REDIS_MASTER_NAME", &c.Availability.Redis.MasterName)
	env.str("REDIS_CHANNEL", &c.Availability.Redis.Channel)

	return firstError(
		env.boolean("TRUST_FORWARDED_FOR", &c.Server.TrustForwardedFor),
		env.integer("CREATE_LIMIT", &c.Server.CreateLimit),
		env.duration("CREATE_WINDOW", &c.Server.CreateWindow),
		env.duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout),
		env.boolean("STORAGE_MIGRATE", &c.Storage.Migrate),
		env.integer("MAX_SPLITTERS", &c.Channels.MaxSplitters),
		env.duration("ENGINE_TIMEOUT", &c.Launcher.HTTP.Timeout),
		env.duration("REPORT_TIMEOUT", &c.Availability.ReportTimeout),
	)
}

func (e envLookup) value(name string) (string, bool) {
	raw, ok := e(EnvPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (e envLookup) str(name string, dest *string) {
	if v, ok := e.value(name); ok {
		*dest = v
	}
}

func (e envLookup) list(name string, dest *[]string) {
	if v, ok := e.value(name); ok {
		*dest = splitAndTrim(v)
	}
}

func (e envLookup) boolean(name string, dest *bool) error {
	v, ok := e.value(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dest = parsed
	return nil
}

func (e envLookup) integer(name string, dest *int) error {
	v, ok := e.value(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dest = parsed
	return nil
}

func (e envLookup) duration(name string, dest *Duration) error {
	v, ok := e.value(name)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	dest.Duration = parsed
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
