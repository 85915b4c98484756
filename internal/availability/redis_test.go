package availability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRedisSubscriberValidation(t *testing.T) {
	intake := NewIntake(erroringPools{}, staticResolver("chan"))
	if _, err := NewRedisSubscriber(RedisConfig{}, intake); err == nil {
		t.Fatal("expected error without an address")
	}
	if _, err := NewRedisSubscriber(RedisConfig{Addr: "127.0.0.1:6379"}, nil); err == nil {
		t.Fatal("expected error without an intake")
	}

	sub, err := NewRedisSubscriber(RedisConfig{Addrs: []string{" ", "127.0.0.1:6379"}}, intake)
	if err != nil {
		t.Fatalf("NewRedisSubscriber: %v", err)
	}
	defer sub.Close()
	if sub.Channel() != DefaultRedisChannel {
		t.Fatalf("expected default channel, got %q", sub.Channel())
	}
}

func TestRedisSubscriberHandle(t *testing.T) {
	metrics := newCountingMetrics()
	reg := newSeededRegistry(t)
	intake := NewIntake(poolFor(reg), reg, WithMetrics(metrics))
	sub, err := NewRedisSubscriber(RedisConfig{Addr: "127.0.0.1:6379", Channel: "test"}, intake)
	if err != nil {
		t.Fatalf("NewRedisSubscriber: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	sub.handle(ctx, `not json`)
	sub.handle(ctx, `{"splitterAddress":"h:1"}`)
	sub.handle(ctx, `{"splitterAddress":"h:1","splitterAvailable":false}`)

	if metrics.get("redis/invalid") != 2 || metrics.get("redis/recorded") != 1 {
		t.Fatalf("unexpected counts %v", metrics.counts)
	}
	got, _ := poolFor(reg).AvailableAddressesFor(ctx, "chan")
	if len(got) != 2 {
		t.Fatalf("expected h:1 unavailable, got %v", got)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig(RedisTLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected no TLS config, got %v, %v", cfg, err)
	}
	cfg, err = buildTLSConfig(RedisTLSConfig{InsecureSkipVerify: true, ServerName: "redis.local"})
	if err != nil || cfg == nil || cfg.ServerName != "redis.local" {
		t.Fatalf("unexpected TLS config %v, %v", cfg, err)
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := buildTLSConfig(RedisTLSConfig{CAFile: bad}); err == nil {
		t.Fatal("expected invalid CA error")
	}
	if _, err := buildTLSConfig(RedisTLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatal("expected missing CA error")
	}
}
