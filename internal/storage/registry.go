package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Glitchfix/crossroads/internal/models"
)

var (
	// ErrNotFound is returned when a channel or splitter row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateURL is returned when a channel url is already taken.
	ErrDuplicateURL = errors.New("channel url already exists")
	// ErrInvalidPool is returned when the splitter addresses handed to
	// InsertChannelWithPool do not describe a valid pool for the channel.
	ErrInvalidPool = errors.New("invalid splitter pool")
	// ErrAmbiguousAddress is returned when a splitter address belongs to more
	// than one channel and cannot be resolved without a channel url.
	ErrAmbiguousAddress = errors.New("splitter address belongs to several channels")
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Registry is the durable store of channels and their splitter pools.
//
// Implementations are safe for concurrent use. Splitter addresses are
// always returned in the order they were inserted.
type Registry interface {
	Ping(ctx context.Context) error

	// ListChannels returns visible channels ordered by creation time. The
	// result is never nil.
	ListChannels(ctx context.Context, limit, offset int) ([]models.ChannelSummary, error)
	// GetChannel never populates CredentialHash.
	GetChannel(ctx context.Context, url string) (models.Channel, error)
	// InsertChannelWithPool writes the channel and one splitter row per
	// address as a single atomic unit.
	InsertChannelWithPool(ctx context.Context, channel models.Channel, addresses []string) error
	UpdateChannelMetadata(ctx context.Context, url string, update models.MetadataUpdate) error
	// DeleteChannel removes the channel and all of its splitter rows.
	DeleteChannel(ctx context.Context, url string) error
	GetCredentialHash(ctx context.Context, url string) (string, error)

	GetSplitterAddresses(ctx context.Context, url string, availableOnly bool) ([]string, error)
	ListSplitters(ctx context.Context, url string) ([]models.Splitter, error)
	SetSplitterAvailability(ctx context.Context, url, address string, available bool) error
	// ResolveSplitterChannel finds the channel owning address. It fails with
	// ErrAmbiguousAddress when more than one channel holds the address.
	ResolveSplitterChannel(ctx context.Context, address string) (string, error)

	Close(ctx context.Context) error
}

// NormalizePage applies the listing defaults and bounds.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func validateInsert(channel models.Channel, addresses []string) error {
	if strings.TrimSpace(channel.URL) == "" {
		return errors.New("channel url is required")
	}
	if channel.SplitterCount <= 0 {
		return fmt.Errorf("%w: splitter count must be positive", ErrInvalidPool)
	}
	if len(addresses) != channel.SplitterCount {
		return fmt.Errorf("%w: got %d addresses for %d splitters", ErrInvalidPool, len(addresses), channel.SplitterCount)
	}
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidPool)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: duplicate address %s", ErrInvalidPool, addr)
		}
		seen[addr] = struct{}{}
	}
	return nil
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// soleOwner picks the channel from the distinct owners of address.
func soleOwner(address string, owners []string) (string, error) {
	switch len(owners) {
	case 0:
		return "", notFound("splitter address", address)
	case 1:
		return owners[0], nil
	default:
		return "", fmt.Errorf("resolve %s: %w", address, ErrAmbiguousAddress)
	}
}
