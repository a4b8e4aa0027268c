// Package cache provides the TTL key/value store that carries mid prices from
// exchange connectors (one writer per key) to request handlers (many readers).
package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ValueCache is a TTL-bounded decimal store. Get reports false for absent or
// expired keys; a non-nil error means the backend itself failed.
type ValueCache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error
}

// MidPriceKey returns the cache key under which an exchange publishes its mid
// price.
func MidPriceKey(exchange string) string {
	return exchange + "MidPrice"
}
