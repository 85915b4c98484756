package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLauncher(); err != nil {
		return err
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	return c.validateAvailability()
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.GlobalRPS < 0 || c.Server.GlobalBurst < 0 || c.Server.CreateLimit < 0 {
		return errors.New("server rate limits cannot be negative")
	}
	if c.Server.CreateLimit > 0 && c.Server.CreateWindow.Duration <= 0 {
		return errors.New("server.create_window must be positive when create_limit is set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "sqlite", "json", "postgres":
	default:
		return fmt.Errorf("storage.driver %q must be sqlite, json or postgres", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
	}
	pg := c.Storage.Postgres
	if pg.MaxConns < 0 || pg.MinConns < 0 {
		return errors.New("storage.postgres connection limits cannot be negative")
	}
	if pg.MaxConns > 0 && pg.MinConns > pg.MaxConns {
		return errors.New("storage.postgres.min_conns cannot exceed max_conns")
	}
	return nil
}

func (c *Config) validateLauncher() error {
	switch c.Launcher.Mode {
	case LauncherHTTP:
		base := strings.TrimSpace(c.Launcher.HTTP.BaseURL)
		if base == "" {
			return errors.New("launcher.http.base_url is required in http mode")
		}
		parsed, err := url.ParseRequestURI(base)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("launcher.http.base_url %q is not an absolute URL", base)
		}
		if c.Launcher.HTTP.RetryAttempts < 1 {
			return errors.New("launcher.http.retry_attempts must be at least 1")
		}
	case LauncherProcess:
		p := c.Launcher.Process
		if len(p.SplitterCommand) == 0 || strings.TrimSpace(p.SplitterCommand[0]) == "" {
			return errors.New("launcher.process.splitter_command is required in process mode")
		}
		if len(p.MonitorCommand) == 0 || strings.TrimSpace(p.MonitorCommand[0]) == "" {
			return errors.New("launcher.process.monitor_command is required in process mode")
		}
		if p.PortRangeStart <= 0 || p.PortRangeEnd > 65535 || p.PortRangeStart > p.PortRangeEnd {
			return fmt.Errorf("launcher.process port range %d-%d is invalid", p.PortRangeStart, p.PortRangeEnd)
		}
	default:
		return fmt.Errorf("launcher.mode %q must be http or process", c.Launcher.Mode)
	}
	return nil
}

func (c *Config) validateChannels() error {
	if c.Channels.MaxSplitters < 1 {
		return errors.New("channels.max_splitters must be at least 1")
	}
	if c.Channels.LookupConcurrency < 1 {
		return errors.New("channels.lookup_concurrency must be at least 1")
	}
	return nil
}

func (c *Config) validateAvailability() error {
	if c.Availability.ReportTimeout.Duration <= 0 {
		return errors.New("availability.report_timeout must be positive")
	}
	redis := c.Availability.Redis
	if !redis.Enabled() {
		return nil
	}
	if strings.TrimSpace(redis.Channel) == "" {
		return errors.New("availability.redis.channel must be set")
	}
	if (redis.TLS.CertFile == "") != (redis.TLS.KeyFile == "") {
		return errors.New("availability.redis.tls cert_file and key_file must be set together")
	}
	return nil
}
