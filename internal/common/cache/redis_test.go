package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewRedisCacheWithConfig(t *testing.T) {
	if _, err := NewRedisCacheWithConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewRedisCacheWithConfig(&RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	mr := miniredis.RunT(t)
	cfg := &RedisConfig{Addr: mr.Addr()}
	cfg.ApplyDefaults()
	c, err := NewRedisCacheWithConfig(cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := RedisConfig{PoolSize: 3}
	cfg.ApplyDefaults()
	if cfg.PoolSize != 3 {
		t.Fatalf("expected pool size kept, got %d", cfg.PoolSize)
	}
	if cfg.DialTimeout != DefaultRedisConfig().DialTimeout {
		t.Fatalf("expected default dial timeout, got %s", cfg.DialTimeout)
	}
}

func TestBasicOps(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if v, err := c.Get(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("expected empty miss, got %q %v", v, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != "v" {
		t.Fatalf("unexpected value %q", v)
	}
	if ttl, _ := c.TTL(ctx, "k"); ttl <= 0 {
		t.Fatalf("expected ttl, got %s", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if v, _ := c.Get(ctx, "k"); v != "" {
		t.Fatalf("expected expired key, got %q", v)
	}
	if err := c.Del(ctx); err != nil {
		t.Fatalf("empty del: %v", err)
	}
}

func TestHashSetAndListOps(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.HMSet(ctx, "h", map[string]interface{}{"state": "ready", "pid": 42}); err != nil {
		t.Fatalf("hmset: %v", err)
	}
	fields, err := c.HGetAll(ctx, "h")
	if err != nil || fields["state"] != "ready" || fields["pid"] != "42" {
		t.Fatalf("unexpected hash %v %v", fields, err)
	}
	if err := c.HDel(ctx, "h", "pid"); err != nil {
		t.Fatalf("hdel: %v", err)
	}

	if err := c.SAdd(ctx, "s", "a", "b"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := c.SRem(ctx, "s", "a"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	members, _ := c.SMembers(ctx, "s")
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("unexpected members %v", members)
	}

	for _, v := range []string{"1", "2", "3"} {
		if err := c.LPush(ctx, "l", v); err != nil {
			t.Fatalf("lpush: %v", err)
		}
	}
	if err := c.LTrim(ctx, "l", 0, 1); err != nil {
		t.Fatalf("ltrim: %v", err)
	}
	items, _ := c.LRange(ctx, "l", 0, -1)
	if len(items) != 2 || items[0] != "3" {
		t.Fatalf("unexpected list %v", items)
	}
}

func TestPipeline(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	err := c.Pipeline(ctx, func(p Pipeliner) error {
		_ = p.HMSet("sb:1", map[string]interface{}{"state": "ready"})
		_ = p.Expire("sb:1", time.Hour)
		_ = p.SAdd("active", "1")
		_ = p.LPush("events", "e1")
		_ = p.LTrim("events", 0, 9)
		return p.Set("last", "1", 0)
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	fields, _ := c.HGetAll(ctx, "sb:1")
	if fields["state"] != "ready" {
		t.Fatalf("unexpected hash %v", fields)
	}
	if v, _ := c.Get(ctx, "last"); v != "1" {
		t.Fatalf("unexpected last %q", v)
	}
	if err := c.Pipeline(ctx, nil); err != nil {
		t.Fatalf("nil pipeline: %v", err)
	}
}
