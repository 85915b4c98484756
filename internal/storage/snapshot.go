package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Glitchfix/crossroads/internal/models"
)

// Snapshot is a portable copy of a JSON registry file, ordered by creation,
// that can be replayed into another backend.
type Snapshot struct {
	Channels []SnapshotChannel
}

// SnapshotChannel is one channel with its credential hash and splitter rows.
type SnapshotChannel struct {
	Channel   models.Channel
	Splitters []models.Splitter
}

// SnapshotCounts summarises a snapshot for operators.
type SnapshotCounts struct {
	Channels             int
	Splitters            int
	UnavailableSplitters int
}

// LoadSnapshotFromJSON reads a JSON registry file from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snapshotFromDataset(data), nil
}

// Snapshot copies the current registry contents.
func (s *JSONRegistry) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromDataset(cloneDataset(s.data))
}

func snapshotFromDataset(data dataset) *Snapshot {
	records := make([]channelRecord, 0, len(data.Channels))
	for _, rec := range data.Channels {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Channel.CreatedAt.Equal(b.Channel.CreatedAt) {
			return a.Channel.CreatedAt.Before(b.Channel.CreatedAt)
		}
		return a.Seq < b.Seq
	})

	snapshot := &Snapshot{Channels: make([]SnapshotChannel, 0, len(records))}
	for _, rec := range records {
		ch := rec.Channel
		ch.CredentialHash = rec.Password
		snapshot.Channels = append(snapshot.Channels, SnapshotChannel{
			Channel:   ch,
			Splitters: append([]models.Splitter(nil), rec.Splitters...),
		})
	}
	return snapshot
}

// Counts reports how many rows the snapshot holds.
func (s *Snapshot) Counts() SnapshotCounts {
	var counts SnapshotCounts
	if s == nil {
		return counts
	}
	counts.Channels = len(s.Channels)
	for _, ch := range s.Channels {
		counts.Splitters += len(ch.Splitters)
		for _, sp := range ch.Splitters {
			if !sp.Available {
				counts.UnavailableSplitters++
			}
		}
	}
	return counts
}

// ImportSnapshot writes every channel of the snapshot into dst, keeping
// splitter order and availability. Channels already present in dst are
// reported as ErrDuplicateURL.
func ImportSnapshot(ctx context.Context, dst Registry, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	for _, entry := range snapshot.Channels {
		addresses := make([]string, len(entry.Splitters))
		for i, sp := range entry.Splitters {
			addresses[i] = sp.Address
		}
		if err := dst.InsertChannelWithPool(ctx, entry.Channel, addresses); err != nil {
			return fmt.Errorf("import channel %s: %w", entry.Channel.URL, err)
		}
		for _, sp := range entry.Splitters {
			if sp.Available {
				continue
			}
			if err := dst.SetSplitterAvailability(ctx, entry.Channel.URL, sp.Address, false); err != nil {
				return fmt.Errorf("import splitter %s: %w", sp.Address, err)
			}
		}
	}
	return nil
}
