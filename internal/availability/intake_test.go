package availability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Glitchfix/crossroads/internal/keylock"
	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/pool"
	"github.com/Glitchfix/crossroads/internal/storage"
)

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) ObserveAvailabilitySignal(source, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[source+"/"+outcome]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func newSeededRegistry(t *testing.T) storage.Registry {
	t.Helper()
	reg, err := storage.NewSQLiteRegistry(filepath.Join(t.TempDir(), "availability.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	ch := models.Channel{
		URL:            "chan",
		Name:           "chan",
		SourceAddress:  models.DefaultSourceAddress,
		SplitterCount:  3,
		CredentialHash: "hash",
		Visible:        true,
	}
	if err := reg.InsertChannelWithPool(context.Background(), ch, []string{"h:1", "h:2", "h:3"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return reg
}

func TestReportAppliesSignals(t *testing.T) {
	ctx := context.Background()
	reg := newSeededRegistry(t)
	pools := pool.NewManager(reg)
	metrics := newCountingMetrics()
	intake := NewIntake(pools, reg, WithMetrics(metrics))

	intake.Report(ctx, Signal{ChannelURL: "chan", Address: "h:2", Available: false, Source: SourceHTTP})
	intake.Report(ctx, Signal{ChannelURL: "chan", Address: "h:2", Available: false, Source: SourceHTTP})

	got, _ := pools.AvailableAddressesFor(ctx, "chan")
	if !reflect.DeepEqual(got, []string{"h:1", "h:3"}) {
		t.Fatalf("expected h:2 unavailable, got %v", got)
	}
	if metrics.get("http/recorded") != 2 {
		t.Fatalf("expected two recorded signals, got %v", metrics.counts)
	}

	// Without a channel url the address is resolved.
	intake.Report(ctx, Signal{Address: "h:2", Available: true, Source: SourceRedis})
	got, _ = pools.AvailableAddressesFor(ctx, "chan")
	if len(got) != 3 {
		t.Fatalf("expected h:2 restored, got %v", got)
	}
}

func TestReportIsBestEffort(t *testing.T) {
	ctx := context.Background()
	reg := newSeededRegistry(t)
	var logs bytes.Buffer
	metrics := newCountingMetrics()
	intake := NewIntake(pool.NewManager(reg), reg,
		WithMetrics(metrics),
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	intake.Report(ctx, Signal{Address: "nowhere:1", Available: false, Source: SourceRedis})
	intake.Report(ctx, Signal{ChannelURL: "chan", Address: "nowhere:1", Available: false, Source: SourceHTTP})
	intake.Report(ctx, Signal{ChannelURL: "chan", Address: " ", Source: SourceHTTP})

	if metrics.get("redis/unresolved") != 1 || metrics.get("http/failed") != 2 {
		t.Fatalf("unexpected outcome counts %v", metrics.counts)
	}
	if !strings.Contains(logs.String(), "nowhere:1") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
	got, _ := pool.NewManager(reg).AvailableAddressesFor(ctx, "chan")
	if len(got) != 3 {
		t.Fatalf("failed signals must not change the pool, got %v", got)
	}
}

func TestReportLeavesSharedAddressUnresolved(t *testing.T) {
	ctx := context.Background()
	reg := newSeededRegistry(t)
	other := models.Channel{
		URL:            "other",
		Name:           "other",
		SourceAddress:  models.DefaultSourceAddress,
		SplitterCount:  1,
		CredentialHash: "hash",
		Visible:        true,
	}
	if err := reg.InsertChannelWithPool(ctx, other, []string{"h:2"}); err != nil {
		t.Fatalf("seed other: %v", err)
	}
	pools := pool.NewManager(reg)
	metrics := newCountingMetrics()
	intake := NewIntake(pools, reg, WithMetrics(metrics))

	intake.Report(ctx, Signal{Address: "h:2", Available: false, Source: SourceRedis})

	if metrics.get("redis/unresolved") != 1 {
		t.Fatalf("expected shared address to be unresolved, got %v", metrics.counts)
	}
	for url, want := range map[string]int{"chan": 3, "other": 1} {
		got, _ := pools.AvailableAddressesFor(ctx, url)
		if len(got) != want {
			t.Fatalf("%s: expected %d available splitters, got %v", url, want, got)
		}
	}
}

func TestReportWaitsForChannelLock(t *testing.T) {
	reg := newSeededRegistry(t)
	locks := keylock.New()
	metrics := newCountingMetrics()
	intake := NewIntake(pool.NewManager(reg), reg, WithLocker(locks), WithMetrics(metrics), WithTimeout(50*time.Millisecond))

	release, err := locks.Acquire(context.Background(), "chan")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	intake.Report(context.Background(), Signal{ChannelURL: "chan", Address: "h:1", Available: false, Source: SourceHTTP})
	release()

	if metrics.get("http/failed") != 1 {
		t.Fatalf("expected the report to time out behind the lock, got %v", metrics.counts)
	}
}

func TestReportIgnoresCallerCancellation(t *testing.T) {
	reg := newSeededRegistry(t)
	intake := NewIntake(pool.NewManager(reg), reg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	intake.Report(ctx, Signal{ChannelURL: "chan", Address: "h:3", Available: false, Source: SourceHTTP})

	got, _ := pool.NewManager(reg).AvailableAddressesFor(context.Background(), "chan")
	if !reflect.DeepEqual(got, []string{"h:1", "h:2"}) {
		t.Fatalf("expected signal applied despite cancellation, got %v", got)
	}
}

func TestExitHandlerMarksSplitterUnavailable(t *testing.T) {
	reg := newSeededRegistry(t)
	metrics := newCountingMetrics()
	intake := NewIntake(pool.NewManager(reg), reg, WithMetrics(metrics))

	intake.ExitHandler()("chan", "h:1")

	got, _ := pool.NewManager(reg).AvailableAddressesFor(context.Background(), "chan")
	if !reflect.DeepEqual(got, []string{"h:2", "h:3"}) {
		t.Fatalf("expected exited splitter unavailable, got %v", got)
	}
	if metrics.get("process/recorded") != 1 {
		t.Fatalf("unexpected counts %v", metrics.counts)
	}
}

func TestPayloadSignal(t *testing.T) {
	yes := true
	cases := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{name: "complete", payload: Payload{ChannelURL: " c ", SplitterAddress: " h:1 ", SplitterAvailable: &yes}},
		{name: "missing address", payload: Payload{SplitterAvailable: &yes}, wantErr: true},
		{name: "missing flag", payload: Payload{SplitterAddress: "h:1"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := tc.payload.Signal(SourceHTTP)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Signal: %v", err)
			}
			want := Signal{ChannelURL: "c", Address: "h:1", Available: true, Source: SourceHTTP}
			if sig != want {
				t.Fatalf("Signal = %+v, want %+v", sig, want)
			}
		})
	}
}

type erroringPools struct{}

func (erroringPools) RecordAvailability(context.Context, string, string, bool) error {
	return errors.New("read-only")
}

type staticResolver string

func (r staticResolver) ResolveSplitterChannel(context.Context, string) (string, error) {
	return string(r), nil
}

func TestReportCountsRecorderFailures(t *testing.T) {
	metrics := newCountingMetrics()
	intake := NewIntake(erroringPools{}, staticResolver("chan"), WithMetrics(metrics))
	intake.Report(context.Background(), Signal{Address: "h:1"})
	if metrics.get("unknown/failed") != 1 {
		t.Fatalf("unexpected counts %v", metrics.counts)
	}
}

func poolFor(reg storage.Registry) *pool.Manager {
	return pool.NewManager(reg)
}
