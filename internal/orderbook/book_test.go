package orderbook

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"priceindex/models"
)

func lvl(price, size string) models.PriceLevel {
	return models.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func prices(levels []models.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMidPriceFromReplace(t *testing.T) {
	b := New()
	b.Replace(
		[]models.PriceLevel{lvl("49990", "1"), lvl("50000", "2")},
		[]models.PriceLevel{lvl("50020", "1"), lvl("50010", "3")},
	)
	mid, err := b.MidPrice()
	if err != nil {
		t.Fatalf("MidPrice: %v", err)
	}
	if !mid.Equal(decimal.RequireFromString("50005")) {
		t.Fatalf("mid = %s, want 50005", mid)
	}
	snap := b.Snapshot("test")
	if got := prices(snap.Bids); !equalStrings(got, []string{"50000", "49990"}) {
		t.Fatalf("bids not sorted descending: %v", got)
	}
	if got := prices(snap.Asks); !equalStrings(got, []string{"50010", "50020"}) {
		t.Fatalf("asks not sorted ascending: %v", got)
	}
}

func TestMidPriceInvariantToInsertionOrder(t *testing.T) {
	orders := [][]models.PriceLevel{
		{lvl("100", "1"), lvl("101", "1"), lvl("99", "1")},
		{lvl("99", "1"), lvl("100", "1"), lvl("101", "1")},
		{lvl("101", "1"), lvl("99", "1"), lvl("100", "1")},
	}
	asks := []models.PriceLevel{lvl("103", "1"), lvl("102", "1")}

	for i, bids := range orders {
		b := New()
		b.ApplyDelta(models.SideBid, bids)
		b.ApplyDelta(models.SideAsk, asks)
		mid, err := b.MidPrice()
		if err != nil {
			t.Fatalf("case %d: MidPrice: %v", i, err)
		}
		if !mid.Equal(decimal.RequireFromString("101.5")) {
			t.Fatalf("case %d: mid = %s, want 101.5", i, mid)
		}
	}
}

func TestMidPriceInsufficientData(t *testing.T) {
	b := New()
	if _, err := b.MidPrice(); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData on empty book, got %v", err)
	}
	b.Replace(nil, []models.PriceLevel{lvl("10", "1")})
	if _, err := b.MidPrice(); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData on ask-only book, got %v", err)
	}
	price, side, ok := b.SingleSidedPrice()
	if !ok || side != models.SideAsk || !price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected single sided price: %s %s %v", price, side, ok)
	}
}

func TestMidPriceCrossedBook(t *testing.T) {
	b := New()
	b.Replace([]models.PriceLevel{lvl("101", "1")}, []models.PriceLevel{lvl("100", "1")})
	if _, err := b.MidPrice(); !errors.Is(err, ErrCrossedBook) {
		t.Fatalf("expected ErrCrossedBook, got %v", err)
	}
}

func TestApplyDeltaZeroSizeRemoves(t *testing.T) {
	b := New()
	b.Replace(
		[]models.PriceLevel{lvl("100", "1"), lvl("99", "2")},
		[]models.PriceLevel{lvl("101", "1")},
	)
	b.ApplyDelta(models.SideBid, []models.PriceLevel{lvl("100", "0.00000000")})
	best, ok := b.BestBid()
	if !ok || best.Price.String() != "99" {
		t.Fatalf("expected best bid 99 after delete, got %+v", best)
	}

	b.ApplyDelta(models.SideBid, []models.PriceLevel{lvl("42", "0.00000000")})
	if bids, _ := b.Depth(); bids != 1 {
		t.Fatalf("deleting a missing price changed depth: %d", bids)
	}
}

func TestApplyDeltaUpdatesAndInserts(t *testing.T) {
	b := New()
	b.Replace(nil, []models.PriceLevel{lvl("101", "1"), lvl("103", "1")})
	b.ApplyDelta(models.SideAsk, []models.PriceLevel{
		lvl("102", "5"),
		lvl("101", "7"),
		lvl("100", "1"),
	})
	snap := b.Snapshot("test")
	if got := prices(snap.Asks); !equalStrings(got, []string{"100", "101", "102", "103"}) {
		t.Fatalf("unexpected asks: %v", got)
	}
	if snap.Asks[1].Size.String() != "7" {
		t.Fatalf("size not replaced: %s", snap.Asks[1].Size)
	}
}

func TestApplyDeltaLastWriteWins(t *testing.T) {
	b := New()
	b.ApplyDelta(models.SideBid, []models.PriceLevel{
		lvl("100", "1"),
		lvl("100", "3"),
		lvl("99", "1"),
		lvl("99", "0"),
	})
	snap := b.Snapshot("test")
	if len(snap.Bids) != 1 || snap.Bids[0].Size.String() != "3" {
		t.Fatalf("unexpected bids: %+v", snap.Bids)
	}
}

func TestApplyDeltaIdempotent(t *testing.T) {
	batch := []models.PriceLevel{lvl("100", "1"), lvl("98", "2"), lvl("99", "0")}

	once := New()
	once.ApplyDelta(models.SideBid, batch)

	twice := New()
	twice.ApplyDelta(models.SideBid, batch)
	twice.ApplyDelta(models.SideBid, batch)

	a, b := once.Snapshot("x"), twice.Snapshot("x")
	if !equalStrings(prices(a.Bids), prices(b.Bids)) {
		t.Fatalf("books differ: %v vs %v", prices(a.Bids), prices(b.Bids))
	}
	for i := range a.Bids {
		if !a.Bids[i].Size.Equal(b.Bids[i].Size) {
			t.Fatalf("sizes differ at %d: %s vs %s", i, a.Bids[i].Size, b.Bids[i].Size)
		}
	}
}

func TestReplaceDiscardsDeltaState(t *testing.T) {
	b := New()
	b.ApplyDelta(models.SideBid, []models.PriceLevel{lvl("100", "1"), lvl("90", "1")})
	b.ApplyDelta(models.SideAsk, []models.PriceLevel{lvl("110", "1")})
	b.Replace([]models.PriceLevel{lvl("95", "1")}, []models.PriceLevel{lvl("105", "1")})

	snap := b.Snapshot("test")
	if got := prices(snap.Bids); !equalStrings(got, []string{"95"}) {
		t.Fatalf("residual bids survived snapshot: %v", got)
	}
	if got := prices(snap.Asks); !equalStrings(got, []string{"105"}) {
		t.Fatalf("residual asks survived snapshot: %v", got)
	}
}

func TestApplyDeltaEmptyBatch(t *testing.T) {
	b := New()
	b.Replace([]models.PriceLevel{lvl("1", "1")}, nil)
	b.ApplyDelta(models.SideBid, nil)
	if bids, asks := b.Depth(); bids != 1 || asks != 0 {
		t.Fatalf("empty batch changed the book: %d/%d", bids, asks)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New()
	b.Replace([]models.PriceLevel{lvl("100", "1")}, []models.PriceLevel{lvl("101", "1")})
	snap := b.Snapshot("test")
	b.ApplyDelta(models.SideBid, []models.PriceLevel{lvl("100", "9")})
	if snap.Bids[0].Size.String() != "1" {
		t.Fatalf("snapshot shares storage with the book")
	}
}

func TestTruncateKeepsBestLevels(t *testing.T) {
	b := New()
	b.Replace(
		[]models.PriceLevel{lvl("99", "1"), lvl("98", "1"), lvl("97", "1")},
		[]models.PriceLevel{lvl("101", "1"), lvl("102", "1"), lvl("103", "1")},
	)
	b.ApplyDelta(models.SideAsk, []models.PriceLevel{lvl("100.5", "1")})
	b.Truncate(2)

	snap := b.Snapshot("test")
	if !equalStrings(prices(snap.Bids), []string{"99", "98"}) {
		t.Fatalf("bids = %v", prices(snap.Bids))
	}
	if !equalStrings(prices(snap.Asks), []string{"100.5", "101"}) {
		t.Fatalf("asks = %v", prices(snap.Asks))
	}

	// a later delete must not resurrect a truncated level
	b.ApplyDelta(models.SideAsk, []models.PriceLevel{lvl("100.5", "0")})
	if ask, _ := b.BestAsk(); ask.Price.String() != "101" {
		t.Fatalf("best ask after delete = %s", ask.Price)
	}
	if _, asks := b.Depth(); asks != 1 {
		t.Fatalf("ask depth = %d, want 1", asks)
	}

	b.Truncate(0)
	if bids, _ := b.Depth(); bids != 2 {
		t.Fatalf("Truncate(0) must be a no-op, bids = %d", bids)
	}
}

func TestTruncateBoundsGrowth(t *testing.T) {
	b := New()
	for i := 0; i < 60; i++ {
		b.ApplyDelta(models.SideAsk, []models.PriceLevel{{Price: decimal.NewFromInt(int64(1000 - i)), Size: decimal.NewFromInt(1)}})
		b.Truncate(10)
	}
	if _, asks := b.Depth(); asks != 10 {
		t.Fatalf("ask depth = %d, want 10", asks)
	}
	if ask, _ := b.BestAsk(); ask.Price.String() != "941" {
		t.Fatalf("best ask = %s, want 941", ask.Price)
	}
}
