package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheGetSetDelete(t *testing.T) {
	c := NewMemoryCache(100)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get(k) = (%q, %v, %v), want (v, true, nil)", got, ok, err)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expected key gone after Delete")
	}
}

func TestMemoryCacheExists(t *testing.T) {
	c := NewMemoryCache(100)
	ctx := context.Background()
	_ = c.Set(ctx, "a", []byte("1"), time.Minute)

	ok, err := c.Exists(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Exists(a) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = c.Exists(ctx, "b")
	if err != nil || ok {
		t.Fatalf("Exists(b) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMemoryCacheClearPrefix(t *testing.T) {
	c := NewMemoryCache(100)
	ctx := context.Background()
	_ = c.Set(ctx, "cost:1:day", []byte("1"), time.Minute)
	_ = c.Set(ctx, "cost:2:day", []byte("1"), time.Minute)
	_ = c.Set(ctx, "session:x", []byte("1"), time.Minute)

	if err := c.ClearPrefix(ctx, "cost:"); err != nil {
		t.Fatalf("ClearPrefix: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "cost:1:day"); ok {
		t.Error("expected cost:1:day cleared")
	}
	if _, ok, _ := c.Get(ctx, "session:x"); !ok {
		t.Error("expected session:x to survive an unrelated prefix clear")
	}
}

func TestMemoryCacheTryLockMutualExclusion(t *testing.T) {
	c := NewMemoryCache(100)
	ctx := context.Background()

	token, ok, err := c.TryLock(ctx, "refresh:sess-1", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("first TryLock = (%q, %v, %v), want a token and true", token, ok, err)
	}

	_, ok, err = c.TryLock(ctx, "refresh:sess-1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second TryLock = (_, %v, %v), want false while held", ok, err)
	}

	if err := c.Unlock(ctx, "refresh:sess-1", "wrong-token"); err != nil {
		t.Fatalf("Unlock with wrong token: %v", err)
	}
	_, ok, _ = c.TryLock(ctx, "refresh:sess-1", time.Minute)
	if ok {
		t.Fatal("expected lock to remain held after Unlock with the wrong token")
	}

	if err := c.Unlock(ctx, "refresh:sess-1", token); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	_, ok, err = c.TryLock(ctx, "refresh:sess-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock after correct Unlock = (_, %v, %v), want true", ok, err)
	}
}
