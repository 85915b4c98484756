package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCreateWindow = time.Minute
	defaultRedisTimeout = 2 * time.Second
	// createRedisPrefix namespaces per-client creation counters in Redis.
	createRedisPrefix = "crossroads:create:"
)

// RateLimitConfig bounds request throughput. CreateLimit channel creations
// are allowed per client address within CreateWindow; with RedisAddr set the
// budget is shared by every instance using that Redis.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	CreateLimit   int
	CreateWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *rate.Limiter
	createLimit  int
	createWindow time.Duration
	store        tokenStore

	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tokenStore is a window counter shared between instances.
type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		createLimit:  max(cfg.CreateLimit, 0),
		createWindow: cfg.CreateWindow,
		clients:      make(map[string]*clientLimiter),
		now:          time.Now,
	}
	if rl.createWindow <= 0 {
		rl.createWindow = defaultCreateWindow
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if cfg.RedisAddr != "" && rl.createLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = defaultRedisTimeout
		}
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		rl.store = store
	}
	return rl, nil
}

// AllowRequest applies the global limit. When it refuses, the returned
// duration is how long until a token frees up.
func (r *rateLimiter) AllowRequest() (bool, time.Duration) {
	if r == nil || r.global == nil {
		return true, 0
	}
	return reserve(r.global, r.now())
}

// AllowCreate applies the per-client creation budget for key.
func (r *rateLimiter) AllowCreate(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.createLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, createRedisPrefix+key, r.createLimit, r.createWindow)
	}

	now := r.now()
	r.mu.Lock()
	client, ok := r.clients[key]
	if !ok {
		every := rate.Every(r.createWindow / time.Duration(r.createLimit))
		client = &clientLimiter{limiter: rate.NewLimiter(every, r.createLimit)}
		r.clients[key] = client
	}
	client.lastSeen = now
	r.evictIdleLocked(now)
	r.mu.Unlock()

	allowed, wait := reserve(client.limiter, now)
	return allowed, wait, nil
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

// evictIdleLocked drops clients idle for two windows. Their buckets are full
// again by then, so forgetting them changes nothing.
func (r *rateLimiter) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-2 * r.createWindow)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

func reserve(l *rate.Limiter, now time.Time) (bool, time.Duration) {
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}
