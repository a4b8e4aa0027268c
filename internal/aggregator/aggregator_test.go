package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fixedSource struct {
	name  string
	price string
	ok    bool
	err   error
	delay time.Duration
	panic bool
}

func (s fixedSource) Name() string { return s.name }

// namelessSource panics before any price is requested.
type namelessSource struct{}

func (namelessSource) Name() string { panic("no name") }

func (namelessSource) MidPrice(context.Context) (decimal.Decimal, bool, error) {
	return decimal.NewFromInt(1), true, nil
}

func (s fixedSource) MidPrice(ctx context.Context) (decimal.Decimal, bool, error) {
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if !s.ok || s.err != nil {
		return decimal.Zero, false, s.err
	}
	return decimal.RequireFromString(s.price), true, nil
}

func TestGlobalPriceIndexAverages(t *testing.T) {
	cases := []struct {
		name    string
		sources []Source
		want    string
	}{
		{
			name: "all three",
			sources: []Source{
				fixedSource{name: "binance", price: "50000", ok: true},
				fixedSource{name: "kraken", price: "49500", ok: true},
				fixedSource{name: "huobi", price: "49000", ok: true},
			},
			want: "49500",
		},
		{
			name: "one absent",
			sources: []Source{
				fixedSource{name: "binance", price: "50000", ok: true},
				fixedSource{name: "kraken"},
				fixedSource{name: "huobi", price: "49500", ok: true},
			},
			want: "49750",
		},
		{
			name: "errors excluded",
			sources: []Source{
				fixedSource{name: "binance", price: "50000", ok: true},
				fixedSource{name: "kraken", err: errors.New("redis down")},
				fixedSource{name: "huobi", panic: true},
			},
			want: "50000",
		},
		{
			name: "panicking name excluded",
			sources: []Source{
				fixedSource{name: "binance", price: "50000", ok: true},
				namelessSource{},
				fixedSource{name: "huobi", price: "49000", ok: true},
			},
			want: "49500",
		},
	}
	for _, c := range cases {
		idx, err := New(c.sources).GlobalPriceIndex(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !idx.Price.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("%s: got %s, want %s", c.name, idx.Price, c.want)
		}
	}
}

func TestGlobalPriceIndexAllUnavailable(t *testing.T) {
	agg := New([]Source{
		fixedSource{name: "binance"},
		fixedSource{name: "kraken", err: errors.New("timeout")},
	})
	if _, err := agg.GlobalPriceIndex(context.Background()); !errors.Is(err, ErrAllSourcesUnavailable) {
		t.Fatalf("expected ErrAllSourcesUnavailable, got %v", err)
	}

	if _, err := New(nil).GlobalPriceIndex(context.Background()); !errors.Is(err, ErrAllSourcesUnavailable) {
		t.Fatalf("expected ErrAllSourcesUnavailable without sources, got %v", err)
	}
}

func TestGlobalPriceIndexQueriesConcurrently(t *testing.T) {
	agg := New([]Source{
		fixedSource{name: "a", price: "1", ok: true, delay: 200 * time.Millisecond},
		fixedSource{name: "b", price: "2", ok: true, delay: 200 * time.Millisecond},
		fixedSource{name: "c", price: "3", ok: true, delay: 200 * time.Millisecond},
	})
	start := time.Now()
	idx, err := agg.GlobalPriceIndex(context.Background())
	if err != nil {
		t.Fatalf("GlobalPriceIndex: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("sources were queried sequentially: %s", elapsed)
	}
	if idx.Price.String() != "2" {
		t.Fatalf("got %s, want 2", idx.Price)
	}
}

func TestGlobalPriceIndexNonTerminatingMean(t *testing.T) {
	agg := New([]Source{
		fixedSource{name: "a", price: "1", ok: true},
		fixedSource{name: "b", price: "1", ok: true},
		fixedSource{name: "c", price: "2", ok: true},
	})
	idx, err := agg.GlobalPriceIndex(context.Background())
	if err != nil {
		t.Fatalf("GlobalPriceIndex: %v", err)
	}
	if !idx.Price.Round(6).Equal(decimal.RequireFromString("1.333333")) {
		t.Fatalf("got %s", idx.Price)
	}
}
