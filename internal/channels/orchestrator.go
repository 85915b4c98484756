// Package channels coordinates the lifecycle of a channel across the
// credential issuer, the worker launcher and the registry, and serves the
// read paths that bypass the lifecycle.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Glitchfix/crossroads/internal/auth"
	"github.com/Glitchfix/crossroads/internal/keylock"
	"github.com/Glitchfix/crossroads/internal/launcher"
	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/storage"
)

// DefaultMaxSplitters bounds the pool size a single create may request.
const DefaultMaxSplitters = 64

// State is a step of a creation attempt.
type State string

const (
	StatePending    State = "pending"
	StateLaunching  State = "launching"
	StatePersisting State = "persisting"
	StateCreated    State = "created"
	StateAborted    State = "aborted"
)

// Registry is the part of the channel registry the orchestrator writes to.
type Registry interface {
	InsertChannelWithPool(ctx context.Context, channel models.Channel, addresses []string) error
	UpdateChannelMetadata(ctx context.Context, url string, update models.MetadataUpdate) error
	DeleteChannel(ctx context.Context, url string) error
}

// CredentialIssuer issues a fresh channel secret and its hash.
type CredentialIssuer interface {
	Issue() (auth.Credential, error)
}

// Metrics receives lifecycle observations.
type Metrics interface {
	ObserveLifecycle(op, outcome string, duration time.Duration)
	ObservePoolInconsistency(op string)
	ObserveLauncherCall(op string, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveLifecycle(string, string, time.Duration) {}
func (noopMetrics) ObservePoolInconsistency(string)                {}
func (noopMetrics) ObserveLauncherCall(string, error)              {}

// Orchestrator runs create, remove and edit for channels. Mutations on the
// same url are serialised; different urls proceed independently.
type Orchestrator struct {
	registry     Registry
	launcher     launcher.Launcher
	issuer       CredentialIssuer
	locks        *keylock.Locker
	logger       *slog.Logger
	metrics      Metrics
	newURL       func() string
	maxSplitters int
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLocker shares a per-url locker, typically with the availability intake.
func WithLocker(l *keylock.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

// WithURLGenerator replaces the uuid based url generator.
func WithURLGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newURL = fn
		}
	}
}

func WithMaxSplitters(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSplitters = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func NewOrchestrator(registry Registry, l launcher.Launcher, issuer CredentialIssuer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:     registry,
		launcher:     l,
		issuer:       issuer,
		locks:        keylock.New(),
		logger:       slog.Default(),
		metrics:      noopMetrics{},
		newURL:       uuid.NewString,
		maxSplitters: DefaultMaxSplitters,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Locker exposes the per-url locker so other mutators can share it.
func (o *Orchestrator) Locker() *keylock.Locker {
	return o.locks
}

// Create issues a credential, launches the pool and records both. It either
// returns a fully persisted channel or leaves no registry rows and no running
// processes behind; when the latter cannot be guaranteed the error kind is
// ErrPartialPoolInconsistency. Caller cancellation does not interrupt an
// attempt once started.
func (o *Orchestrator) Create(ctx context.Context, spec models.ChannelSpec) (models.CreationResponse, error) {
	start := time.Now()
	resp, err := o.create(context.WithoutCancel(ctx), spec)
	o.metrics.ObserveLifecycle(string(OpCreate), outcome(err), time.Since(start))
	return resp, err
}

func (o *Orchestrator) create(ctx context.Context, spec models.ChannelSpec) (models.CreationResponse, error) {
	spec, err := normalizeSpec(spec, o.maxSplitters)
	if err != nil {
		return models.CreationResponse{}, lifecycleError(OpCreate, "", ErrInvalidSpec, err)
	}

	url := o.newURL()
	logger := o.logger.With("op", OpCreate, "channel_url", url)
	release, err := o.locks.Acquire(ctx, url)
	if err != nil {
		return models.CreationResponse{}, lifecycleError(OpCreate, url, ErrRegistryFailure, err)
	}
	defer release()

	logger.Debug("channel creation", "state", StatePending, "splitters", spec.SplitterCount)
	cred, err := o.issuer.Issue()
	if err != nil {
		logger.Error("channel creation", "state", StateAborted, "error", err)
		return models.CreationResponse{}, lifecycleError(OpCreate, url, ErrRandomSource, err)
	}

	logger.Debug("channel creation", "state", StateLaunching)
	result, err := o.launcher.Launch(ctx, launcher.LaunchSpec{
		ChannelURL:        url,
		SourceAddress:     spec.SourceAddress,
		SourcePort:        spec.SourcePort,
		HeaderSize:        spec.HeaderSize,
		SplitterCount:     spec.SplitterCount,
		SplitterPort:      spec.SplitterPort,
		MonitorPort:       spec.MonitorPort,
		SmartSourceClient: spec.SmartSourceClient,
	})
	o.metrics.ObserveLauncherCall("launch", err)
	if err != nil {
		logger.Warn("channel creation", "state", StateAborted, "error", err)
		return models.CreationResponse{}, lifecycleError(OpCreate, url, ErrLaunchFailure, err)
	}

	logger.Debug("channel creation", "state", StatePersisting, "splitter_addresses", result.SplitterAddresses)
	channel := models.Channel{
		URL:               url,
		Name:              spec.Name,
		Description:       spec.Description,
		SourceAddress:     spec.SourceAddress,
		SourcePort:        spec.SourcePort,
		HeaderSize:        spec.HeaderSize,
		SplitterCount:     spec.SplitterCount,
		SplitterPort:      spec.SplitterPort,
		MonitorPort:       spec.MonitorPort,
		SmartSourceClient: spec.SmartSourceClient,
		CredentialHash:    cred.Hash,
		Visible:           true,
		MonitorAddress:    result.MonitorAddress,
		ListenPort:        result.ListenPort,
		CreatedAt:         o.now(),
	}
	if err := o.registry.InsertChannelWithPool(ctx, channel, result.SplitterAddresses); err != nil {
		stopErr := o.launcher.Stop(ctx, url)
		o.metrics.ObserveLauncherCall("stop", stopErr)
		if stopErr != nil && !errors.Is(stopErr, launcher.ErrUnknownChannel) {
			o.metrics.ObservePoolInconsistency(string(OpCreate))
			logger.Error("pool left running without registry record",
				"state", StateAborted, "error", err, "stop_error", stopErr,
				"splitter_addresses", result.SplitterAddresses)
			return models.CreationResponse{}, lifecycleError(OpCreate, url, ErrPartialPoolInconsistency, errors.Join(err, stopErr))
		}
		logger.Warn("channel creation", "state", StateAborted, "error", err)
		return models.CreationResponse{}, lifecycleError(OpCreate, url, ErrRegistryFailure, err)
	}

	logger.Info("channel created", "state", StateCreated, "splitters", len(result.SplitterAddresses))
	return models.CreationResponse{
		URL:               url,
		Secret:            cred.Secret,
		SplitterAddresses: append([]string(nil), result.SplitterAddresses...),
		MonitorAddress:    result.MonitorAddress,
		ListenPort:        result.ListenPort,
	}, nil
}

// Remove deletes the channel and its pool from the registry, then stops the
// pool. A failed stop is reported as ErrPartialPoolInconsistency; the
// registry deletion stands.
func (o *Orchestrator) Remove(ctx context.Context, url string) error {
	start := time.Now()
	err := o.remove(context.WithoutCancel(ctx), url)
	o.metrics.ObserveLifecycle(string(OpRemove), outcome(err), time.Since(start))
	return err
}

func (o *Orchestrator) remove(ctx context.Context, url string) error {
	logger := o.logger.With("op", OpRemove, "channel_url", url)
	release, err := o.locks.Acquire(ctx, url)
	if err != nil {
		return lifecycleError(OpRemove, url, ErrRegistryFailure, err)
	}
	defer release()

	if err := o.registry.DeleteChannel(ctx, url); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return lifecycleError(OpRemove, url, ErrNotFound, err)
		}
		logger.Warn("channel removal aborted", "error", err)
		return lifecycleError(OpRemove, url, ErrRegistryFailure, err)
	}

	stopErr := o.launcher.Stop(ctx, url)
	o.metrics.ObserveLauncherCall("stop", stopErr)
	switch {
	case stopErr == nil:
	case errors.Is(stopErr, launcher.ErrUnknownChannel):
		logger.Warn("launcher had no pool for removed channel", "error", stopErr)
	default:
		o.metrics.ObservePoolInconsistency(string(OpRemove))
		logger.Error("pool may still be running for removed channel", "error", stopErr)
		return lifecycleError(OpRemove, url, ErrPartialPoolInconsistency, stopErr)
	}
	logger.Info("channel removed")
	return nil
}

// EditMetadata updates name and description. The pool and launcher are not
// involved.
func (o *Orchestrator) EditMetadata(ctx context.Context, url string, update models.MetadataUpdate) error {
	start := time.Now()
	err := o.edit(ctx, url, update)
	o.metrics.ObserveLifecycle(string(OpEdit), outcome(err), time.Since(start))
	return err
}

func (o *Orchestrator) edit(ctx context.Context, url string, update models.MetadataUpdate) error {
	update, err := normalizeUpdate(update)
	if err != nil {
		return lifecycleError(OpEdit, url, ErrInvalidSpec, err)
	}
	release, err := o.locks.Acquire(ctx, url)
	if err != nil {
		return lifecycleError(OpEdit, url, ErrRegistryFailure, err)
	}
	defer release()

	if err := o.registry.UpdateChannelMetadata(ctx, url, update); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return lifecycleError(OpEdit, url, ErrNotFound, err)
		}
		return lifecycleError(OpEdit, url, ErrRegistryFailure, err)
	}
	return nil
}
