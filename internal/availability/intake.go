// Package availability accepts splitter up/down signals and applies them to
// the pool. Reporting is best effort: callers never see an error, and a later
// signal corrects whatever an earlier failure left behind.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Glitchfix/crossroads/internal/keylock"
	"github.com/Glitchfix/crossroads/internal/launcher"
)

// Signal sources.
const (
	SourceHTTP    = "http"
	SourceRedis   = "redis"
	SourceProcess = "process"
)

const defaultReportTimeout = 5 * time.Second

// Signal reports one splitter as available or not. ChannelURL may be empty,
// in which case it is resolved from the address.
type Signal struct {
	ChannelURL string
	Address    string
	Available  bool
	Source     string
}

// Payload is the JSON shape of a signal on the HTTP and Redis sources.
type Payload struct {
	ChannelURL        string `json:"channelUrl,omitempty"`
	SplitterAddress   string `json:"splitterAddress"`
	SplitterAvailable *bool  `json:"splitterAvailable"`
}

// Signal validates the payload and converts it for source.
func (p Payload) Signal(source string) (Signal, error) {
	address := strings.TrimSpace(p.SplitterAddress)
	if address == "" {
		return Signal{}, errors.New("splitterAddress is required")
	}
	if p.SplitterAvailable == nil {
		return Signal{}, errors.New("splitterAvailable is required")
	}
	return Signal{
		ChannelURL: strings.TrimSpace(p.ChannelURL),
		Address:    address,
		Available:  *p.SplitterAvailable,
		Source:     source,
	}, nil
}

// PoolRecorder records availability on a channel's pool.
type PoolRecorder interface {
	RecordAvailability(ctx context.Context, url, address string, available bool) error
}

// Resolver maps a splitter address back to its channel.
type Resolver interface {
	ResolveSplitterChannel(ctx context.Context, address string) (string, error)
}

// Metrics counts processed signals.
type Metrics interface {
	ObserveAvailabilitySignal(source, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAvailabilitySignal(string, string) {}

// Intake applies availability signals under the channel's per-url lock.
type Intake struct {
	pools    PoolRecorder
	resolver Resolver
	locks    *keylock.Locker
	logger   *slog.Logger
	metrics  Metrics
	timeout  time.Duration
}

type Option func(*Intake)

// WithLocker shares the orchestrator's per-url locker.
func WithLocker(l *keylock.Locker) Option {
	return func(i *Intake) {
		if l != nil {
			i.locks = l
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Intake) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(i *Intake) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithTimeout bounds how long a single report may wait for the lock and the
// registry write.
func WithTimeout(d time.Duration) Option {
	return func(i *Intake) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func NewIntake(pools PoolRecorder, resolver Resolver, opts ...Option) *Intake {
	i := &Intake{
		pools:    pools,
		resolver: resolver,
		locks:    keylock.New(),
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		timeout:  defaultReportTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Report applies sig. Failures are logged and counted, never returned.
func (i *Intake) Report(ctx context.Context, sig Signal) {
	source := sig.Source
	if source == "" {
		source = "unknown"
	}
	err := i.apply(ctx, sig)
	outcome := "recorded"
	if err != nil {
		outcome = "failed"
		if errors.Is(err, errUnresolved) {
			outcome = "unresolved"
		}
		i.logger.Warn("splitter availability not recorded",
			"source", source,
			"channel_url", sig.ChannelURL,
			"splitter_address", sig.Address,
			"available", sig.Available,
			"error", err)
	}
	i.metrics.ObserveAvailabilitySignal(source, outcome)
}

var errUnresolved = errors.New("splitter channel unresolved")

func (i *Intake) apply(ctx context.Context, sig Signal) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()

	if strings.TrimSpace(sig.Address) == "" {
		return errors.New("splitter address is required")
	}
	url := sig.ChannelURL
	if url == "" {
		resolved, err := i.resolver.ResolveSplitterChannel(ctx, sig.Address)
		if err != nil {
			return fmt.Errorf("%w: %v", errUnresolved, err)
		}
		url = resolved
	}

	release, err := i.locks.Acquire(ctx, url)
	if err != nil {
		return fmt.Errorf("lock channel %s: %w", url, err)
	}
	defer release()
	return i.pools.RecordAvailability(ctx, url, sig.Address, sig.Available)
}

// ExitHandler returns a launcher callback that marks an exited splitter
// unavailable.
func (i *Intake) ExitHandler() launcher.ExitHandler {
	return func(channelURL, address string) {
		i.Report(context.Background(), Signal{
			ChannelURL: channelURL,
			Address:    address,
			Available:  false,
			Source:     SourceProcess,
		})
	}
}
