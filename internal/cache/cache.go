package cache

import (
	"context"
	"time"
)

// Cache is a group-invalidating key/value cache. Keys belong to a group so a
// whole family of derived values (e.g. everything computed from promotions)
// can be dropped at once when the underlying data changes.
type Cache interface {
	Get(ctx context.Context, group string, key string) (string, bool, error)
	Set(ctx context.Context, group string, key string, value string, ttl time.Duration) error
	InvalidateGroup(ctx context.Context, group string) error
}

type Noop struct{}

func (Noop) Get(_ context.Context, _ string, _ string) (string, bool, error) {
	return "", false, nil
}

func (Noop) Set(_ context.Context, _ string, _ string, _ string, _ time.Duration) error {
	return nil
}

func (Noop) InvalidateGroup(_ context.Context, _ string) error {
	return nil
}
