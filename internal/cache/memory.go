package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"priceindex/logger"
)

var _ ValueCache = (*Memory)(nil)

type entry struct {
	value     decimal.Decimal
	expiresAt time.Time
}

// Memory is an in-process ValueCache. Expired entries are hidden on read and
// removed by Run.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
	log     *logger.Log
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, false, err
	}
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return decimal.Zero, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A non-positive ttl stores nothing and removes
// any previous value.
func (m *Memory) Set(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Run removes expired entries every interval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.log.WithComponent("cache").WithFields(logger.Fields{"expired": n}).Debug("swept expired entries")
			}
		}
	}
}

func (m *Memory) sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}
