// Package aggregator combines the per-exchange mid prices into the global
// price index.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"priceindex/internal/metrics"
	"priceindex/logger"
	"priceindex/models"
)

// ErrAllSourcesUnavailable is returned when no source produced a mid price.
var ErrAllSourcesUnavailable = errors.New("no exchange mid price available")

// Source provides one exchange's mid price. A false second return means the
// exchange has nothing to contribute right now.
type Source interface {
	Name() string
	MidPrice(ctx context.Context) (decimal.Decimal, bool, error)
}

type Aggregator struct {
	sources []Source
	log     *logger.Log
}

func New(sources []Source) *Aggregator {
	return &Aggregator{sources: sources, log: logger.GetLogger()}
}

type result struct {
	name  string
	price decimal.Decimal
	ok    bool
	err   error
}

// GlobalPriceIndex queries every source concurrently and returns the
// arithmetic mean of the prices that were available. Failed or empty sources
// are logged and left out.
func (a *Aggregator) GlobalPriceIndex(ctx context.Context) (models.GlobalPriceIndex, error) {
	results := make([]result, len(a.sources))
	started := time.Now()

	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			results[i] = query(ctx, src)
		}(i, src)
	}
	wg.Wait()

	log := a.log.WithComponent("aggregator")
	logger.LogPerformanceEntry(log, "aggregator", "query_sources", time.Since(started), logger.Fields{
		"sources": len(a.sources),
	})
	var (
		sum   decimal.Decimal
		count int64
	)
	for _, r := range results {
		switch {
		case r.err != nil:
			log.WithError(r.err).WithField("exchange", r.name).Warn("mid price query failed")
		case !r.ok:
			log.WithField("exchange", r.name).Debug("mid price unavailable")
		default:
			sum = sum.Add(r.price)
			count++
		}
	}

	if count == 0 {
		metrics.IncrementAggregationFailure()
		log.Warn("global price index unavailable")
		return models.GlobalPriceIndex{}, ErrAllSourcesUnavailable
	}

	mean := sum.Div(decimal.NewFromInt(count))
	price, _ := mean.Float64()
	metrics.RecordIndex(a.log, price, int(count))
	return models.GlobalPriceIndex{Price: mean}, nil
}

func query(ctx context.Context, src Source) (r result) {
	defer func() {
		if p := recover(); p != nil {
			if r.name == "" {
				r.name = "unknown"
			}
			r.ok = false
			r.err = fmt.Errorf("source %s panicked: %v", r.name, p)
		}
	}()
	r.name = src.Name()
	r.price, r.ok, r.err = src.MidPrice(ctx)
	return r
}
