package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/storage"
)

const defaultLookupConcurrency = 8

// Reader is the read side of the channel registry.
type Reader interface {
	ListChannels(ctx context.Context, limit, offset int) ([]models.ChannelSummary, error)
	GetChannel(ctx context.Context, url string) (models.Channel, error)
}

// PoolReader answers which splitters of a channel are usable.
type PoolReader interface {
	AvailableAddressesFor(ctx context.Context, url string) ([]string, error)
}

// Directory serves channel listings and single-channel views enriched with
// the available splitters. Storage failures degrade to empty results.
type Directory struct {
	reader      Reader
	pools       PoolReader
	logger      *slog.Logger
	concurrency int
}

type DirectoryOption func(*Directory)

func WithDirectoryLogger(logger *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLookupConcurrency bounds the parallel pool lookups of a listing.
func WithLookupConcurrency(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func NewDirectory(reader Reader, pools PoolReader, opts ...DirectoryOption) *Directory {
	d := &Directory{
		reader:      reader,
		pools:       pools,
		logger:      slog.Default(),
		concurrency: defaultLookupConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// List returns a page of visible channels in creation order. It never
// returns nil.
func (d *Directory) List(ctx context.Context, limit, offset int) []models.ChannelListing {
	summaries, err := d.reader.ListChannels(ctx, limit, offset)
	if err != nil {
		d.logger.Error("list channels", "error", err)
		return []models.ChannelListing{}
	}

	listings := make([]models.ChannelListing, len(summaries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.concurrency)
	for i, summary := range summaries {
		listings[i] = models.ChannelListing{
			Name:                       summary.Name,
			URL:                        summary.URL,
			Description:                summary.Description,
			AvailableSplitterAddresses: []string{},
		}
		group.Go(func() error {
			addrs, err := d.pools.AvailableAddressesFor(groupCtx, summary.URL)
			if err != nil {
				d.logger.Warn("list channel splitters", "channel_url", summary.URL, "error", err)
				return nil
			}
			listings[i].AvailableSplitterAddresses = addrs
			return nil
		})
	}
	_ = group.Wait()
	return listings
}

// Get returns the channel's metadata and available splitters, or an error
// matching ErrNotFound.
func (d *Directory) Get(ctx context.Context, url string) (models.ChannelView, error) {
	channel, err := d.reader.GetChannel(ctx, url)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Error("get channel", "channel_url", url, "error", err)
		}
		return models.ChannelView{}, fmt.Errorf("channel %s: %w", url, ErrNotFound)
	}
	addrs, err := d.pools.AvailableAddressesFor(ctx, url)
	if err != nil {
		d.logger.Warn("get channel splitters", "channel_url", url, "error", err)
		addrs = []string{}
	}
	return models.ChannelView{
		Name:                       channel.Name,
		Description:                channel.Description,
		AvailableSplitterAddresses: addrs,
	}, nil
}
