package availability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel signals are published on.
const DefaultRedisChannel = "crossroads:splitter-availability"

// RedisTLSConfig controls TLS for the Redis connection.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis availability source.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Channel      string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
	Logger       *slog.Logger
}

// RedisSubscriber feeds signals published on a Redis channel into an Intake.
type RedisSubscriber struct {
	client  redis.UniversalClient
	channel string
	intake  *Intake
	logger  *slog.Logger
}

func NewRedisSubscriber(cfg RedisConfig, intake *Intake) (*RedisSubscriber, error) {
	if intake == nil {
		return nil, errors.New("availability intake is required")
	}
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{client: client, channel: channel, intake: intake, logger: logger}, nil
}

// Channel reports the pub/sub channel in use.
func (s *RedisSubscriber) Channel() string {
	return s.channel
}

// Ping checks the Redis connection.
func (s *RedisSubscriber) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Run subscribes and applies every received signal until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("availability subscriber started", "channel", s.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *RedisSubscriber) handle(ctx context.Context, raw string) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		s.logger.Error("availability payload decode failed", "error", err)
		s.intake.metrics.ObserveAvailabilitySignal(SourceRedis, "invalid")
		return
	}
	sig, err := payload.Signal(SourceRedis)
	if err != nil {
		s.logger.Error("availability payload rejected", "error", err)
		s.intake.metrics.ObserveAvailabilitySignal(SourceRedis, "invalid")
		return
	}
	s.intake.Report(ctx, sig)
}

// Publish sends a signal to the subscriber's channel. Health reporters that
// share the Go module use it; others publish the same JSON directly.
func (s *RedisSubscriber) Publish(ctx context.Context, sig Signal) error {
	available := sig.Available
	payload, err := json.Marshal(Payload{
		ChannelURL:        sig.ChannelURL,
		SplitterAddress:   sig.Address,
		SplitterAvailable: &available,
	})
	if err != nil {
		return fmt.Errorf("marshal availability payload: %w", err)
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

func (s *RedisSubscriber) Close() error {
	return s.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
