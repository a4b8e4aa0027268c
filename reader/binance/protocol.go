// Package binance speaks the Binance partial book depth stream
// (<base>/<symbol>@depth<N>). Every message carries the top N levels of both
// sides, so each one replaces the book.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"priceindex/models"
	"priceindex/reader"
)

const Name = "binance"

type Protocol struct {
	baseURL string
	symbol  string
	depth   int
}

// New returns a protocol for symbol (e.g. "btcusdt") streaming depth levels
// per side. Binance accepts depths of 5, 10 or 20.
func New(baseURL, symbol string, depth int) *Protocol {
	return &Protocol{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbol:  strings.ToLower(symbol),
		depth:   depth,
	}
}

func (p *Protocol) Name() string {
	return Name
}

// BookDepth is the number of levels kept per side.
func (p *Protocol) BookDepth() int {
	return p.depth
}

func (p *Protocol) Endpoint() string {
	return p.baseURL + "/" + p.symbol + "@depth" + strconv.Itoa(p.depth)
}

// Subscription is nil: the stream is selected by the URL path.
func (p *Protocol) Subscription() ([]byte, error) {
	return nil, nil
}

func (p *Protocol) Decode(_ int, frame []byte) ([]byte, error) {
	return frame, nil
}

type depthMessage struct {
	LastUpdateID int64                `json:"lastUpdateId"`
	Bids         *[]models.PriceLevel `json:"bids"`
	Asks         *[]models.PriceLevel `json:"asks"`
}

func (p *Protocol) Translate(payload []byte) (reader.Op, error) {
	var msg depthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return reader.Op{}, fmt.Errorf("binance depth: %w", err)
	}
	if msg.Bids == nil && msg.Asks == nil {
		return reader.Op{Kind: reader.OpNone}, nil
	}
	op := reader.Op{Kind: reader.OpSnapshot}
	if msg.Bids != nil {
		op.Bids = *msg.Bids
	}
	if msg.Asks != nil {
		op.Asks = *msg.Asks
	}
	return op, nil
}
