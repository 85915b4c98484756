package api

import (
	"context"
	"log/slog"

	"github.com/Glitchfix/crossroads/internal/availability"
	"github.com/Glitchfix/crossroads/internal/launcher"
	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/observability/logging"
	"github.com/Glitchfix/crossroads/internal/observability/metrics"
)

// Lifecycle is the mutating side of the channel service.
type Lifecycle interface {
	Create(ctx context.Context, spec models.ChannelSpec) (models.CreationResponse, error)
	Remove(ctx context.Context, url string) error
	EditMetadata(ctx context.Context, url string, update models.MetadataUpdate) error
}

// Directory serves channel reads.
type Directory interface {
	List(ctx context.Context, limit, offset int) []models.ChannelListing
	Get(ctx context.Context, url string) (models.ChannelView, error)
}

// Store is the part of the registry the handler talks to directly.
type Store interface {
	Ping(ctx context.Context) error
	GetCredentialHash(ctx context.Context, url string) (string, error)
}

// Reporter accepts availability signals.
type Reporter interface {
	Report(ctx context.Context, sig availability.Signal)
}

// HealthSource reports the state of the launching engine.
type HealthSource interface {
	HealthChecks(ctx context.Context) []launcher.HealthStatus
}

// Pinger is an optional dependency probed by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Channels     Lifecycle
	Directory    Directory
	Store        Store
	Availability Reporter
	Launcher     HealthSource
	// Subscriber is the Redis availability feed, when configured.
	Subscriber Pinger
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

func NewHandler(channels Lifecycle, directory Directory, store Store) *Handler {
	return &Handler{Channels: channels, Directory: directory, Store: store}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return logging.WithContext(ctx, h.Logger)
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}
