package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthProbeTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services []componentStatus `json:"services"`
}

func (c componentStatus) healthy() bool {
	switch strings.ToLower(c.Status) {
	case statusOK, "disabled":
		return true
	}
	return false
}

func ping(ctx context.Context, component string, p Pinger) componentStatus {
	start := time.Now()
	status := componentStatus{Component: component, Status: statusOK}
	if err := p.Ping(ctx); err != nil {
		status.Status = statusDegraded
		status.Error = err.Error()
	}
	status.LatencyMS = time.Since(start).Milliseconds()
	return status
}

// componentHealth probes every configured dependency concurrently. The
// registry comes first, the feed second, then the launcher components.
func (h *Handler) componentHealth(ctx context.Context) healthResponse {
	var (
		store, feed componentStatus
		engine      []componentStatus
	)
	group, ctx := errgroup.WithContext(ctx)
	if h.Store != nil {
		group.Go(func() error { store = ping(ctx, "registry", h.Store); return nil })
	}
	if h.Subscriber != nil {
		group.Go(func() error { feed = ping(ctx, "availability_feed", h.Subscriber); return nil })
	}
	if h.Launcher != nil {
		group.Go(func() error {
			start := time.Now()
			checks := h.Launcher.HealthChecks(ctx)
			elapsed := time.Since(start).Milliseconds()
			for _, check := range checks {
				engine = append(engine, componentStatus{
					Component: check.Component,
					Status:    check.Status,
					Error:     check.Detail,
					LatencyMS: elapsed,
				})
			}
			return nil
		})
	}
	_ = group.Wait()

	resp := healthResponse{Status: statusOK, Services: make([]componentStatus, 0, 2+len(engine))}
	if h.Store != nil {
		resp.Services = append(resp.Services, store)
	}
	if h.Subscriber != nil {
		resp.Services = append(resp.Services, feed)
	}
	for _, c := range engine {
		h.recorder().SetLauncherHealth(c.Component, c.Status)
	}
	resp.Services = append(resp.Services, engine...)

	for _, c := range resp.Services {
		if !c.healthy() {
			resp.Status = statusDegraded
		}
	}
	return resp
}

// Health reports the registry, the availability feed and the launching
// engine. Any degraded component turns the response into a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	resp := h.componentHealth(ctx)
	code := http.StatusOK
	if resp.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
