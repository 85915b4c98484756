package channels

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Glitchfix/crossroads/internal/auth"
	"github.com/Glitchfix/crossroads/internal/launcher"
	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/storage"
)

var testParams = auth.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

type fakeLauncher struct {
	mu        sync.Mutex
	launchErr error
	stopErr   error
	// gate, when set, blocks Launch until it is closed.
	gate     chan struct{}
	entered  chan struct{}
	launches []launcher.LaunchSpec
	stops    []string
	running  map[string][]string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: make(map[string][]string)}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.PoolLaunchResult, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err := ctx.Err(); err != nil {
		return launcher.PoolLaunchResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	if f.launchErr != nil {
		return launcher.PoolLaunchResult{}, f.launchErr
	}
	addrs := make([]string, spec.SplitterCount)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("%s-splitter:%d", spec.ChannelURL, 9000+i)
	}
	f.running[spec.ChannelURL] = addrs
	return launcher.PoolLaunchResult{
		SplitterAddresses: addrs,
		MonitorAddress:    spec.ChannelURL + "-monitor:8999",
		ListenPort:        4552,
	}, nil
}

func (f *fakeLauncher) Stop(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, url)
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.running[url]; !ok {
		return launcher.ErrUnknownChannel
	}
	delete(f.running, url)
	return nil
}

func (f *fakeLauncher) HealthChecks(context.Context) []launcher.HealthStatus {
	return []launcher.HealthStatus{{Component: "fake", Status: "ok"}}
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeLauncher) stopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

func (f *fakeLauncher) runningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

// faultyRegistry wraps a real registry and fails selected writes.
type faultyRegistry struct {
	storage.Registry
	insertErr error
	deleteErr error
	updateErr error
	listErr   error
	getErr    error
}

func (r *faultyRegistry) InsertChannelWithPool(ctx context.Context, ch models.Channel, addrs []string) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.Registry.InsertChannelWithPool(ctx, ch, addrs)
}

func (r *faultyRegistry) DeleteChannel(ctx context.Context, url string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	return r.Registry.DeleteChannel(ctx, url)
}

func (r *faultyRegistry) UpdateChannelMetadata(ctx context.Context, url string, u models.MetadataUpdate) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	return r.Registry.UpdateChannelMetadata(ctx, url, u)
}

func (r *faultyRegistry) ListChannels(ctx context.Context, limit, offset int) ([]models.ChannelSummary, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Registry.ListChannels(ctx, limit, offset)
}

func (r *faultyRegistry) GetChannel(ctx context.Context, url string) (models.Channel, error) {
	if r.getErr != nil {
		return models.Channel{}, r.getErr
	}
	return r.Registry.GetChannel(ctx, url)
}

type recordingMetrics struct {
	mu              sync.Mutex
	outcomes        map[string]int
	inconsistencies int
	launcherCalls   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: make(map[string]int), launcherCalls: make(map[string]int)}
}

func (m *recordingMetrics) ObserveLifecycle(op, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[op+"/"+outcome]++
}

func (m *recordingMetrics) ObservePoolInconsistency(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inconsistencies++
}

func (m *recordingMetrics) ObserveLauncherCall(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		op += "/error"
	}
	m.launcherCalls[op]++
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

type harness struct {
	registry *faultyRegistry
	launcher *fakeLauncher
	metrics  *recordingMetrics
	orch     *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg, err := storage.NewSQLiteRegistry(filepath.Join(t.TempDir(), "channels.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	h := &harness{
		registry: &faultyRegistry{Registry: reg},
		launcher: newFakeLauncher(),
		metrics:  newRecordingMetrics(),
	}
	base := []Option{WithMetrics(h.metrics)}
	h.orch = NewOrchestrator(h.registry, h.launcher, auth.NewIssuer(auth.WithParams(testParams)), append(base, opts...)...)
	return h
}

func (h *harness) splitterRows(t *testing.T, url string) []models.Splitter {
	t.Helper()
	rows, err := h.registry.ListSplitters(context.Background(), url)
	if err != nil {
		t.Fatalf("ListSplitters: %v", err)
	}
	return rows
}

func validSpec(n int) models.ChannelSpec {
	return models.ChannelSpec{Name: "Lobby", Description: "main room", SourcePort: 8000, HeaderSize: 10, SplitterCount: n}
}

func sequentialURLs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
