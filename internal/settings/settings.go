package settings

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/domain"
	"storefront/backend/internal/store"
)

const (
	GroupOrders   = "settings-orders"
	GroupShipping = "settings-shipping"

	KeyReturnWindowDays = "orders.return_window_days"
	KeyDefaultLocale    = "storefront.default_locale"

	DefaultReturnWindowDays = 14
)

// Backend is the persistence surface the repository reads through. The store
// Repository satisfies it.
type Backend interface {
	GetSetting(ctx context.Context, key string) (*domain.Setting, error)
	UpsertSetting(ctx context.Context, setting domain.Setting) error
}

// Repository is an explicit settings store with an injected cache; there is
// no ambient singleton. Reads go through the cache, writes invalidate the
// whole group.
type Repository struct {
	backend  Backend
	cache    cache.Cache
	cacheTTL time.Duration
}

func NewRepository(backend Backend, cacheStore cache.Cache, cacheTTL time.Duration) *Repository {
	if cacheStore == nil {
		cacheStore = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Repository{backend: backend, cache: cacheStore, cacheTTL: cacheTTL}
}

// Get returns the value for key, falling back when the key is unset. Cache
// failures degrade to direct backend reads.
func (r *Repository) Get(ctx context.Context, group string, key string, fallback string) string {
	if val, ok, err := r.cache.Get(ctx, group, key); err == nil && ok {
		return val
	}

	setting, err := r.backend.GetSetting(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[settings] WARN: failed to read setting %s: %v", key, err)
		}
		return fallback
	}

	if err := r.cache.Set(ctx, group, key, setting.Value, r.cacheTTL); err != nil {
		log.Printf("[settings] WARN: failed to cache setting %s: %v", key, err)
	}
	return setting.Value
}

// Set persists the value and drops the group from the cache.
func (r *Repository) Set(ctx context.Context, group string, key string, value string) error {
	err := r.backend.UpsertSetting(ctx, domain.Setting{
		Key:       key,
		Value:     value,
		Group:     group,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := r.cache.InvalidateGroup(ctx, group); err != nil {
		log.Printf("[settings] WARN: failed to invalidate settings group %s: %v", group, err)
	}
	return nil
}

// ReturnWindowDays is the number of days after delivery during which a return
// may be requested. The boundary day itself is eligible.
func (r *Repository) ReturnWindowDays(ctx context.Context) int {
	raw := r.Get(ctx, GroupOrders, KeyReturnWindowDays, strconv.Itoa(DefaultReturnWindowDays))
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 {
		return DefaultReturnWindowDays
	}
	return days
}

func (r *Repository) DefaultLocale(ctx context.Context) string {
	return r.Get(ctx, GroupOrders, KeyDefaultLocale, "en")
}
