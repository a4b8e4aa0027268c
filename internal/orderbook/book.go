// Package orderbook reconstructs an exchange order book from snapshot and
// delta messages and derives its mid price.
//
// A Book is not safe for concurrent use. It is owned by exactly one exchange
// connector goroutine; other goroutines only ever see BookSnapshot copies.
package orderbook

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"priceindex/models"
)

var (
	// ErrInsufficientData is returned by MidPrice when either side is empty.
	ErrInsufficientData = errors.New("orderbook: insufficient data")
	// ErrCrossedBook is returned by MidPrice when the best bid is above the
	// best ask. Crossed books are tolerated but never priced.
	ErrCrossedBook = errors.New("orderbook: crossed book")
)

var two = decimal.NewFromInt(2)

// Book holds bids sorted descending and asks sorted ascending by price.
type Book struct {
	bids      []models.PriceLevel
	asks      []models.PriceLevel
	updatedAt time.Time
}

// New returns an empty book.
func New() *Book {
	return &Book{}
}

// Reset empties both sides.
func (b *Book) Reset() {
	b.bids = nil
	b.asks = nil
	b.updatedAt = time.Time{}
}

// Replace sets both sides from a full snapshot. Zero-size levels are dropped
// and a price repeated within the snapshot keeps its last size.
func (b *Book) Replace(bids, asks []models.PriceLevel) {
	b.bids = normalize(bids, models.SideBid)
	b.asks = normalize(asks, models.SideAsk)
	b.updatedAt = time.Now()
}

// ApplyDelta applies updates to one side in order. An update with a positive
// size inserts or replaces the level at its price; a zero size removes it.
// Removing a price that is not present is a no-op.
func (b *Book) ApplyDelta(side models.Side, updates []models.PriceLevel) {
	if len(updates) == 0 {
		return
	}
	levels := b.side(side)
	for _, u := range updates {
		levels = upsert(levels, u, side)
	}
	b.setSide(side, levels)
	b.updatedAt = time.Now()
}

// Truncate keeps at most n levels per side, dropping the worst prices. Feeds
// that only maintain the top n levels never delete the levels that fall out
// of range, so their books are truncated after every update. n <= 0 is a
// no-op.
func (b *Book) Truncate(n int) {
	if n <= 0 {
		return
	}
	if len(b.bids) > n {
		b.bids = b.bids[:n:n]
	}
	if len(b.asks) > n {
		b.asks = b.asks[:n:n]
	}
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (models.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (models.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// MidPrice returns (best bid + best ask) / 2.
func (b *Book) MidPrice() (decimal.Decimal, error) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, ErrInsufficientData
	}
	if bid.Price.GreaterThan(ask.Price) {
		return decimal.Zero, ErrCrossedBook
	}
	return bid.Price.Add(ask.Price).Div(two), nil
}

// SingleSidedPrice returns the best price of the only populated side. It
// reports false when both sides or neither side are populated.
func (b *Book) SingleSidedPrice() (decimal.Decimal, models.Side, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	switch {
	case okBid && !okAsk:
		return bid.Price, models.SideBid, true
	case okAsk && !okBid:
		return ask.Price, models.SideAsk, true
	default:
		return decimal.Zero, "", false
	}
}

// Depth returns the number of levels on each side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Snapshot copies the book for use outside the owning goroutine.
func (b *Book) Snapshot(exchange string) models.BookSnapshot {
	bids := make([]models.PriceLevel, len(b.bids))
	copy(bids, b.bids)
	asks := make([]models.PriceLevel, len(b.asks))
	copy(asks, b.asks)
	return models.BookSnapshot{
		Exchange:  exchange,
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: b.updatedAt,
	}
}

func (b *Book) side(side models.Side) []models.PriceLevel {
	if side == models.SideBid {
		return b.bids
	}
	return b.asks
}

func (b *Book) setSide(side models.Side, levels []models.PriceLevel) {
	if side == models.SideBid {
		b.bids = levels
		return
	}
	b.asks = levels
}

// search returns the index of price in levels, or the insertion point that
// keeps the side sorted.
func search(levels []models.PriceLevel, price decimal.Decimal, side models.Side) (int, bool) {
	i := sort.Search(len(levels), func(i int) bool {
		if side == models.SideBid {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})
	return i, i < len(levels) && levels[i].Price.Equal(price)
}

func upsert(levels []models.PriceLevel, u models.PriceLevel, side models.Side) []models.PriceLevel {
	i, found := search(levels, u.Price, side)
	positive := u.Size.IsPositive()
	switch {
	case found && positive:
		levels[i].Size = u.Size
	case found:
		levels = append(levels[:i], levels[i+1:]...)
	case positive:
		levels = append(levels, models.PriceLevel{})
		copy(levels[i+1:], levels[i:])
		levels[i] = u
	}
	return levels
}

func normalize(in []models.PriceLevel, side models.Side) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(in))
	for _, l := range in {
		out = upsert(out, l, side)
	}
	return out
}
