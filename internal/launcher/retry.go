package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned when the engine answers with a non-2xx status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.Code, http.StatusText(e.Code), e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// decodeError reports a 2xx response whose body could not be read. The engine
// has acted on the request, so it is never retried.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }

type requestOptions struct {
	method   string
	url      string
	payload  []byte
	mutate   func(*http.Request)
	dest     any
	attempts int
	interval time.Duration
}

func doWithRetry(ctx context.Context, client *http.Client, logger *slog.Logger, opts requestOptions) error {
	attempts := opts.attempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := opts.interval
	if interval < 0 {
		interval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = doOnce(ctx, client, opts)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.retryable() {
			return lastErr
		}
		var decodeErr *decodeError
		if errors.As(lastErr, &decodeErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}
		logger.Warn("launcher HTTP request failed", "method", opts.method, "url", opts.url, "attempt", attempt, "error", lastErr)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func doOnce(ctx context.Context, client *http.Client, opts requestOptions) error {
	var body io.Reader
	if opts.payload != nil {
		body = bytes.NewReader(opts.payload)
	}
	req, err := http.NewRequestWithContext(ctx, opts.method, opts.url, body)
	if err != nil {
		return err
	}
	if opts.payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if opts.mutate != nil {
		opts.mutate(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: opts.method, URL: opts.url, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if opts.dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(opts.dest); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
