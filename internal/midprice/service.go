// Package midprice serves an exchange's latest published mid price, waiting a
// bounded time for the first value when the cache is still empty.
package midprice

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"priceindex/internal/cache"
	"priceindex/logger"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPollTimeout  = time.Second
)

// Service reads one exchange's mid price from the shared cache.
type Service struct {
	exchange string
	key      string
	cache    cache.ValueCache
	interval time.Duration
	timeout  time.Duration
	log      *logger.Log
}

// NewService returns a Service polling every interval for at most timeout.
// Non-positive values fall back to the defaults.
func NewService(exchange string, c cache.ValueCache, interval, timeout time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Service{
		exchange: exchange,
		key:      cache.MidPriceKey(exchange),
		cache:    c,
		interval: interval,
		timeout:  timeout,
		log:      logger.GetLogger(),
	}
}

func (s *Service) Name() string {
	return s.exchange
}

// MidPrice returns the cached value immediately when present. Otherwise it
// polls until a value appears or the timeout elapses, in which case it
// reports false with a nil error. Cancelling ctx aborts the wait.
func (s *Service) MidPrice(ctx context.Context) (decimal.Decimal, bool, error) {
	v, ok, err := s.cache.Get(ctx, s.key)
	if err != nil || ok {
		return v, ok, err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return decimal.Zero, false, ctx.Err()
		case <-deadline.C:
			s.log.WithComponent("midprice").WithFields(logger.Fields{
				"exchange":   s.exchange,
				"timeout_ms": s.timeout.Milliseconds(),
			}).Debug("no mid price published before timeout")
			return decimal.Zero, false, nil
		case <-ticker.C:
			v, ok, err := s.cache.Get(ctx, s.key)
			if err != nil || ok {
				return v, ok, err
			}
		}
	}
}
