package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Glitchfix/crossroads/internal/models"
)

type channelRecord struct {
	Channel   models.Channel    `json:"channel"`
	Password  string            `json:"password"`
	Seq       int64             `json:"seq"`
	Splitters []models.Splitter `json:"splitters"`
}

type dataset struct {
	NextSeq  int64                    `json:"nextSeq"`
	Channels map[string]channelRecord `json:"channels"`
}

func newDataset() dataset {
	return dataset{Channels: make(map[string]channelRecord)}
}

func cloneDataset(src dataset) dataset {
	clone := dataset{NextSeq: src.NextSeq, Channels: make(map[string]channelRecord, len(src.Channels))}
	for url, rec := range src.Channels {
		rec.Splitters = append([]models.Splitter(nil), rec.Splitters...)
		clone.Channels[url] = rec
	}
	return clone
}

// JSONRegistry keeps the whole registry in memory and rewrites a JSON file on
// every mutation. Each mutation is applied to a copy which only replaces the
// live dataset once it has been persisted, so a failed write leaves nothing
// behind.
type JSONRegistry struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func NewJSONRegistry(path string, opts ...Option) (*JSONRegistry, error) {
	store := &JSONRegistry{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONRegistry) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open registry file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode registry file: %w", err)
	}
	if s.data.Channels == nil {
		s.data.Channels = make(map[string]channelRecord)
	}
	return nil
}

func (s *JSONRegistry) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode registry file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush registry file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the dataset and swaps it in after a
// successful persist.
func (s *JSONRegistry) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	if err := fn(&updated); err != nil {
		return err
	}
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func (s *JSONRegistry) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Channels == nil {
		return errors.New("registry not loaded")
	}
	return nil
}

func (s *JSONRegistry) ListChannels(ctx context.Context, limit, offset int) ([]models.ChannelSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = NormalizePage(limit, offset)

	s.mu.RLock()
	records := make([]channelRecord, 0, len(s.data.Channels))
	for _, rec := range s.data.Channels {
		if rec.Channel.Visible {
			records = append(records, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Channel.CreatedAt.Equal(b.Channel.CreatedAt) {
			return a.Channel.CreatedAt.Before(b.Channel.CreatedAt)
		}
		return a.Seq < b.Seq
	})

	summaries := make([]models.ChannelSummary, 0, limit)
	for i := offset; i < len(records) && len(summaries) < limit; i++ {
		ch := records[i].Channel
		summaries = append(summaries, models.ChannelSummary{Name: ch.Name, URL: ch.URL, Description: ch.Description})
	}
	return summaries, nil
}

func (s *JSONRegistry) GetChannel(ctx context.Context, url string) (models.Channel, error) {
	if err := ctx.Err(); err != nil {
		return models.Channel{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data.Channels[url]
	if !ok {
		return models.Channel{}, notFound("channel", url)
	}
	ch := rec.Channel
	ch.CredentialHash = ""
	return ch, nil
}

func (s *JSONRegistry) InsertChannelWithPool(ctx context.Context, channel models.Channel, addresses []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateInsert(channel, addresses); err != nil {
		return err
	}
	return s.mutate(func(data *dataset) error {
		if _, exists := data.Channels[channel.URL]; exists {
			return fmt.Errorf("insert channel %q: %w", channel.URL, ErrDuplicateURL)
		}
		if channel.CreatedAt.IsZero() {
			channel.CreatedAt = s.now()
		}
		password := channel.CredentialHash
		channel.CredentialHash = ""
		splitters := make([]models.Splitter, len(addresses))
		for i, addr := range addresses {
			splitters[i] = models.Splitter{ChannelURL: channel.URL, Address: addr, Available: true}
		}
		data.NextSeq++
		data.Channels[channel.URL] = channelRecord{
			Channel:   channel,
			Password:  password,
			Seq:       data.NextSeq,
			Splitters: splitters,
		}
		return nil
	})
}

func (s *JSONRegistry) UpdateChannelMetadata(ctx context.Context, url string, update models.MetadataUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(data *dataset) error {
		rec, ok := data.Channels[url]
		if !ok {
			return notFound("channel", url)
		}
		rec.Channel.Name = update.Name
		rec.Channel.Description = update.Description
		data.Channels[url] = rec
		return nil
	})
}

func (s *JSONRegistry) DeleteChannel(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(data *dataset) error {
		if _, ok := data.Channels[url]; !ok {
			return notFound("channel", url)
		}
		delete(data.Channels, url)
		return nil
	})
}

func (s *JSONRegistry) GetCredentialHash(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data.Channels[url]
	if !ok {
		return "", notFound("channel", url)
	}
	return rec.Password, nil
}

func (s *JSONRegistry) GetSplitterAddresses(ctx context.Context, url string, availableOnly bool) ([]string, error) {
	splitters, err := s.ListSplitters(ctx, url)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(splitters))
	for _, sp := range splitters {
		if availableOnly && !sp.Available {
			continue
		}
		addresses = append(addresses, sp.Address)
	}
	return addresses, nil
}

// ListSplitters returns an empty slice for unknown channels, matching the
// SQL backends which simply find no rows.
func (s *JSONRegistry) ListSplitters(ctx context.Context, url string) ([]models.Splitter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.data.Channels[url]
	return append(make([]models.Splitter, 0, len(rec.Splitters)), rec.Splitters...), nil
}

func (s *JSONRegistry) SetSplitterAvailability(ctx context.Context, url, address string, available bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(data *dataset) error {
		rec, ok := data.Channels[url]
		if !ok {
			return notFound("splitter", url+"/"+address)
		}
		for i := range rec.Splitters {
			if rec.Splitters[i].Address == address {
				rec.Splitters[i].Available = available
				data.Channels[url] = rec
				return nil
			}
		}
		return notFound("splitter", url+"/"+address)
	})
}

func (s *JSONRegistry) ResolveSplitterChannel(ctx context.Context, address string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owners []string
	for url, rec := range s.data.Channels {
		for _, sp := range rec.Splitters {
			if sp.Address == address {
				owners = append(owners, url)
				break
			}
		}
	}
	return soleOwner(address, owners)
}

func (s *JSONRegistry) Close(context.Context) error {
	return nil
}

var _ Registry = (*JSONRegistry)(nil)
