package cache

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(mr.Addr(), time.Second)
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewRedisCache_EmptyAddr(t *testing.T) {
	if _, err := NewRedisCache("  ", time.Second); err == nil {
		t.Fatal("NewRedisCache(\"\") error = nil, want error")
	}
}

func TestRedisCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedisCache(t)
	val := sampleObservation()

	if err := c.Set(ctx, "w:50.5:45.45:metric", val, 300*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "w:50.5:45.45:metric")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if !reflect.DeepEqual(got, val) {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

func TestRedisCache_Get_Miss(t *testing.T) {
	c, _ := newTestRedisCache(t)
	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false")
	}
}

func TestRedisCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t)
	_ = c.Set(ctx, "k", sampleObservation(), 300*time.Second)

	mr.FastForward(301 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() after ttl ok = true, want false")
	}
}

func TestRedisCache_ItemsClearStats(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t)
	_ = c.Set(ctx, "w:2:2:metric", sampleObservation(), 300*time.Second)
	_ = c.Set(ctx, "w:1:1:metric", sampleObservation(), 60*time.Second)
	mr.Set("unrelated", "value")

	items, err := c.Items(ctx)
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Items() len = %d, want 2", len(items))
	}
	if items[0].Key != "w:1:1:metric" {
		t.Errorf("Items()[0].Key = %q, want w:1:1:metric", items[0].Key)
	}
	if items[0].ExpiresIn <= 0 || items[0].ExpiresIn > 60 {
		t.Errorf("Items()[0].ExpiresIn = %d, want (0,60]", items[0].ExpiresIn)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Size != 2 {
		t.Errorf("Stats().Size = %d, want 2", stats.Size)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	stats, _ = c.Stats(ctx)
	if stats.Size != 0 {
		t.Errorf("Stats().Size after Clear = %d, want 0", stats.Size)
	}
	if !mr.Exists("unrelated") {
		t.Error("Clear() removed a key outside the cache namespace")
	}
}

func TestRedisCache_Ping(t *testing.T) {
	c, mr := newTestRedisCache(t)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	mr.Close()
	if err := c.Ping(); err == nil {
		t.Error("Ping() after server close error = nil, want error")
	}
}
