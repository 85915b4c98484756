package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPLauncher drives a standalone engine through its REST API.
type HTTPLauncher struct {
	baseURL        string
	token          string
	healthEndpoint string
	client         *http.Client
	logger         *slog.Logger
	maxAttempts    int
	retryInterval  time.Duration
}

// HTTPOption customises an HTTPLauncher.
type HTTPOption func(*HTTPLauncher)

// WithHTTPClient replaces the HTTP client used for engine calls.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(l *HTTPLauncher) {
		if client != nil {
			l.client = client
		}
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(l *HTTPLauncher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRetry bounds the number of attempts and the wait between them.
func WithRetry(attempts int, interval time.Duration) HTTPOption {
	return func(l *HTTPLauncher) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
		if interval >= 0 {
			l.retryInterval = interval
		}
	}
}

// NewHTTPLauncher returns a launcher for the engine rooted at baseURL.
func NewHTTPLauncher(baseURL, token, healthEndpoint string, opts ...HTTPOption) (*HTTPLauncher, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("engine base URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse engine base URL: %w", err)
	}
	if healthEndpoint == "" {
		healthEndpoint = "/healthz"
	}
	if !strings.HasPrefix(healthEndpoint, "/") {
		healthEndpoint = "/" + healthEndpoint
	}
	l := &HTTPLauncher{
		baseURL:        baseURL,
		token:          token,
		healthEndpoint: healthEndpoint,
		client:         &http.Client{Timeout: 10 * time.Second},
		logger:         slog.Default(),
		maxAttempts:    3,
		retryInterval:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *HTTPLauncher) Launch(ctx context.Context, spec LaunchSpec) (PoolLaunchResult, error) {
	if spec.ChannelURL == "" || spec.SplitterCount <= 0 {
		return PoolLaunchResult{}, errors.New("channel url and a positive splitter count are required")
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return PoolLaunchResult{}, fmt.Errorf("marshal launch request: %w", err)
	}
	var result PoolLaunchResult
	err = doWithRetry(ctx, l.client, l.logger, requestOptions{
		method:   http.MethodPost,
		url:      l.baseURL + "/v1/channels",
		payload:  body,
		mutate:   l.authorize,
		dest:     &result,
		attempts: l.maxAttempts,
		interval: l.retryInterval,
	})
	if err != nil {
		if reachedEngine(err) {
			l.abandon(ctx, spec.ChannelURL, err)
		}
		return PoolLaunchResult{}, fmt.Errorf("launch pool for %s: %w", spec.ChannelURL, err)
	}
	if err := validateResult(spec, result); err != nil {
		l.abandon(ctx, spec.ChannelURL, err)
		return PoolLaunchResult{}, err
	}
	return result, nil
}

// reachedEngine reports whether a failed launch may have left workers
// running. Only a 4xx answer proves the engine refused the request.
func reachedEngine(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return true
}

// abandon asks the engine to tear down whatever a failed launch started.
func (l *HTTPLauncher) abandon(ctx context.Context, channelURL string, cause error) {
	err := l.Stop(context.WithoutCancel(ctx), channelURL)
	switch {
	case err == nil:
		l.logger.Warn("stopped pool after failed launch", "channel_url", channelURL, "cause", cause)
	case errors.Is(err, ErrUnknownChannel):
		l.logger.Debug("engine holds no pool after failed launch", "channel_url", channelURL, "cause", cause)
	default:
		l.logger.Error("stop after failed launch failed", "channel_url", channelURL, "cause", cause, "error", err)
	}
}

func (l *HTTPLauncher) Stop(ctx context.Context, channelURL string) error {
	if channelURL == "" {
		return errors.New("channel url is required")
	}
	err := doWithRetry(ctx, l.client, l.logger, requestOptions{
		method:   http.MethodDelete,
		url:      l.baseURL + "/v1/channels/" + url.PathEscape(channelURL),
		mutate:   l.authorize,
		attempts: l.maxAttempts,
		interval: l.retryInterval,
	})
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return fmt.Errorf("stop pool for %s: %w", channelURL, ErrUnknownChannel)
	}
	if err != nil {
		return fmt.Errorf("stop pool for %s: %w", channelURL, err)
	}
	return nil
}

func (l *HTTPLauncher) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "engine"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+l.healthEndpoint, nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	l.authorize(req)
	resp, err := l.client.Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return []HealthStatus{status}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return []HealthStatus{status}
}

func (l *HTTPLauncher) authorize(req *http.Request) {
	setBearer(req, l.token)
}
