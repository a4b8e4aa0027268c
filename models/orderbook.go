package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel represents a single price level in the order book. Price is the
// identity key; a Size of zero denotes deletion of the level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// UnmarshalJSON decodes the exchange array form [price, size, ...]. Price and
// size may be JSON strings ("50000.10") or numbers (50000.1); trailing
// elements such as Kraken's timestamp are ignored.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("price level: expected [price, size], got %d elements", len(raw))
	}

	for _, r := range raw[:2] {
		if bytes.Equal(bytes.TrimSpace(r), []byte("null")) {
			return fmt.Errorf("price level: null element in %s", data)
		}
	}

	var price, size decimal.Decimal
	if err := price.UnmarshalJSON(raw[0]); err != nil {
		return fmt.Errorf("price level: invalid price %s: %w", raw[0], err)
	}
	if err := size.UnmarshalJSON(raw[1]); err != nil {
		return fmt.Errorf("price level: invalid size %s: %w", raw[1], err)
	}
	if price.IsNegative() || size.IsNegative() {
		return fmt.Errorf("price level: negative value [%s, %s]", price, size)
	}

	l.Price = price
	l.Size = size
	return nil
}

// BookSnapshot is a read-only copy of an exchange order book served to
// diagnostic endpoints.
type BookSnapshot struct {
	Exchange  string       `json:"exchange"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GlobalPriceIndex is the average of the available exchange mid prices.
type GlobalPriceIndex struct {
	Price decimal.Decimal `json:"price"`
}

// MidPriceTick is a single mid price published by an exchange connector.
type MidPriceTick struct {
	Exchange  string          `json:"exchange"`
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Degraded  bool            `json:"degraded,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
