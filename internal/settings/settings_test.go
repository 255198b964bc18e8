package settings

import (
	"context"
	"testing"
	"time"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/store/memory"
)

// spyCache counts invalidations and otherwise behaves like a tiny in-memory
// cache so the write path's group drop is observable.
type spyCache struct {
	values        map[string]string
	invalidations int
}

func newSpyCache() *spyCache {
	return &spyCache{values: make(map[string]string)}
}

func (c *spyCache) Get(_ context.Context, group, key string) (string, bool, error) {
	val, ok := c.values[group+":"+key]
	return val, ok, nil
}

func (c *spyCache) Set(_ context.Context, group, key, value string, _ time.Duration) error {
	c.values[group+":"+key] = value
	return nil
}

func (c *spyCache) InvalidateGroup(_ context.Context, group string) error {
	for k := range c.values {
		if len(k) > len(group) && k[:len(group)+1] == group+":" {
			delete(c.values, k)
		}
	}
	c.invalidations++
	return nil
}

func TestGetFallsBackWhenUnset(t *testing.T) {
	repo := NewRepository(memory.New(), cache.Noop{}, time.Minute)

	if got := repo.Get(context.Background(), GroupOrders, "orders.nonexistent", "fallback"); got != "fallback" {
		t.Fatalf("expected the fallback, got %q", got)
	}
	if got := repo.ReturnWindowDays(context.Background()); got != DefaultReturnWindowDays {
		t.Fatalf("expected the default return window, got %d", got)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	repo := NewRepository(memory.New(), cache.Noop{}, time.Minute)
	ctx := context.Background()

	if err := repo.Set(ctx, GroupOrders, KeyReturnWindowDays, "30"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := repo.ReturnWindowDays(ctx); got != 30 {
		t.Fatalf("expected 30 days, got %d", got)
	}
}

func TestSetDropsTheCachedGroup(t *testing.T) {
	spy := newSpyCache()
	repo := NewRepository(memory.New(), spy, time.Minute)
	ctx := context.Background()

	if err := repo.Set(ctx, GroupOrders, KeyReturnWindowDays, "7"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := repo.ReturnWindowDays(ctx); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	// The read above populated the cache; the next write must drop it.
	if err := repo.Set(ctx, GroupOrders, KeyReturnWindowDays, "21"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if spy.invalidations != 2 {
		t.Fatalf("expected every write to invalidate the group, got %d", spy.invalidations)
	}
	if got := repo.ReturnWindowDays(ctx); got != 21 {
		t.Fatalf("expected the stale cache entry gone, got %d", got)
	}
}

func TestReturnWindowIgnoresGarbageValues(t *testing.T) {
	repo := NewRepository(memory.New(), cache.Noop{}, time.Minute)
	ctx := context.Background()

	if err := repo.Set(ctx, GroupOrders, KeyReturnWindowDays, "soon"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := repo.ReturnWindowDays(ctx); got != DefaultReturnWindowDays {
		t.Fatalf("expected the default for a non-numeric value, got %d", got)
	}

	if err := repo.Set(ctx, GroupOrders, KeyReturnWindowDays, "0"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := repo.ReturnWindowDays(ctx); got != DefaultReturnWindowDays {
		t.Fatalf("expected the default for a zero value, got %d", got)
	}
}
