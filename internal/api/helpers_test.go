package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Glitchfix/crossroads/internal/auth"
	"github.com/Glitchfix/crossroads/internal/availability"
	"github.com/Glitchfix/crossroads/internal/channels"
	"github.com/Glitchfix/crossroads/internal/launcher"
	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/observability/metrics"
	"github.com/Glitchfix/crossroads/internal/pool"
	"github.com/Glitchfix/crossroads/internal/storage"
)

var testParams = auth.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

type stubLauncher struct {
	mu        sync.Mutex
	launchErr error
	stopErr   error
	stopped   []string
	health    []launcher.HealthStatus
}

func (l *stubLauncher) Launch(_ context.Context, spec launcher.LaunchSpec) (launcher.PoolLaunchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return launcher.PoolLaunchResult{}, l.launchErr
	}
	addrs := make([]string, spec.SplitterCount)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("%s-splitter:%d", spec.ChannelURL, 9000+i)
	}
	return launcher.PoolLaunchResult{
		SplitterAddresses: addrs,
		MonitorAddress:    spec.ChannelURL + "-monitor:8999",
		ListenPort:        4552,
	}, nil
}

func (l *stubLauncher) Stop(_ context.Context, channelURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, channelURL)
	return l.stopErr
}

func (l *stubLauncher) HealthChecks(context.Context) []launcher.HealthStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launcher.HealthStatus(nil), l.health...)
}

func (l *stubLauncher) stopCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stopped...)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	handler  *Handler
	mux      *http.ServeMux
	registry *storage.SQLiteRegistry
	launcher *stubLauncher
	metrics  *metrics.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := storage.NewSQLiteRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	stub := &stubLauncher{}
	issuer := auth.NewIssuer(auth.WithParams(testParams))

	orch := channels.NewOrchestrator(reg, stub, issuer,
		channels.WithLogger(logger),
		channels.WithMetrics(recorder))
	pools := pool.NewManager(reg)
	directory := channels.NewDirectory(reg, pools, channels.WithDirectoryLogger(logger))
	intake := availability.NewIntake(pools, reg,
		availability.WithLocker(orch.Locker()),
		availability.WithLogger(logger),
		availability.WithMetrics(recorder))

	handler := NewHandler(orch, directory, reg)
	handler.Availability = intake
	handler.Launcher = stub
	handler.Metrics = recorder
	handler.Logger = logger

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/api/channels", handler.ChannelCollection)
	mux.HandleFunc("/api/channels/", handler.ChannelByID)
	mux.HandleFunc("/api/splitters/availability", handler.SplitterAvailability)

	return &testEnv{handler: handler, mux: mux, registry: reg, launcher: stub, metrics: recorder}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}, password string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if password != "" {
		req.Header.Set("Authorization", "Bearer "+password)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createChannel(t *testing.T, name string, splitters int) models.CreationResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/channels", map[string]interface{}{
		"channelName":        name,
		"channelDescription": name + " description",
		"splitterCount":      splitters,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create channel: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp models.CreationResponse
	decodeBody(t, rec, &resp)
	return resp
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	decodeBody(t, rec, &payload)
	return payload["error"]
}

var errBoom = errors.New("boom")
