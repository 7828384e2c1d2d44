package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheGetMiss(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()

	if _, ok := c.Get(context.Background(), "nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestMemoryCacheSetAndGet(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()

	if err := c.Set(context.Background(), "fp1", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()

	if err := c.Set(context.Background(), "fp1", []byte("payload"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get(context.Background(), "fp1"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewMemoryCache(2)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, "a", []byte("a"), time.Minute)
	_ = c.Set(ctx, "b", []byte("b"), time.Minute)
	_ = c.Set(ctx, "c", []byte("c"), time.Minute) // evicts "a"

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected \"a\" to be evicted at capacity 2")
	}
	if _, ok := c.Get(ctx, "b"); !ok {
		t.Fatal("expected \"b\" to survive")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Fatal("expected \"c\" to survive")
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, "fp1", []byte("payload"), time.Minute)
	if err := c.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryCacheImplementsInterface(t *testing.T) {
	var _ Cache = (*MemoryCache)(nil)
}
