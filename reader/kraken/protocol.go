// Package kraken speaks the Kraken v1 public websocket book channel.
//
// Book data arrives as JSON arrays: [channelID, payload..., channelName, pair].
// A payload with "as"/"bs" is a full snapshot; "a"/"b" carry incremental
// updates, possibly split over two payload objects. Everything else is an
// event object keyed by "event".
package kraken

import (
	"encoding/json"
	"fmt"

	"priceindex/models"
	"priceindex/reader"
)

const Name = "kraken"

type Protocol struct {
	url   string
	pair  string
	depth int
}

// New returns a protocol subscribing to pair (Kraken notation, e.g.
// "XBT/USDT") with the given book depth (10, 25, 100, 500 or 1000).
func New(url, pair string, depth int) *Protocol {
	return &Protocol{url: url, pair: pair, depth: depth}
}

func (p *Protocol) Name() string {
	return Name
}

// BookDepth is the number of levels kept per side.
func (p *Protocol) BookDepth() int {
	return p.depth
}

func (p *Protocol) Endpoint() string {
	return p.url
}

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

func (p *Protocol) Subscription() ([]byte, error) {
	return json.Marshal(subscribeRequest{
		Event:        "subscribe",
		Pair:         []string{p.pair},
		Subscription: subscription{Name: "book", Depth: p.depth},
	})
}

func (p *Protocol) Decode(_ int, frame []byte) ([]byte, error) {
	return frame, nil
}

type event struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

type bookPayload struct {
	SnapshotAsks []models.PriceLevel `json:"as"`
	SnapshotBids []models.PriceLevel `json:"bs"`
	Asks         []models.PriceLevel `json:"a"`
	Bids         []models.PriceLevel `json:"b"`
	// Checksum is the CRC32 of the top ten levels; it is not verified.
	Checksum string `json:"c"`
}

func (p *Protocol) Translate(payload []byte) (reader.Op, error) {
	trimmed := firstNonSpace(payload)
	switch trimmed {
	case '{':
		return translateEvent(payload)
	case '[':
		return translateBook(payload)
	default:
		return reader.Op{}, fmt.Errorf("kraken: unexpected payload %q", truncate(payload))
	}
}

func translateEvent(payload []byte) (reader.Op, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return reader.Op{}, fmt.Errorf("kraken event: %w", err)
	}
	switch ev.Event {
	case "heartbeat", "systemStatus", "pong":
		return reader.Op{Kind: reader.OpControl}, nil
	case "subscriptionStatus":
		op := reader.Op{Kind: reader.OpControl}
		if ev.Status == "error" {
			op.Note = ev.ErrorMessage
			if op.Note == "" {
				op.Note = "subscription rejected"
			}
		}
		return op, nil
	default:
		return reader.Op{Kind: reader.OpNone}, nil
	}
}

func translateBook(payload []byte) (reader.Op, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		return reader.Op{}, fmt.Errorf("kraken book: %w", err)
	}
	if len(parts) < 4 {
		return reader.Op{}, fmt.Errorf("kraken book: expected at least 4 elements, got %d", len(parts))
	}

	var (
		op       reader.Op
		snapshot bool
		update   bool
	)
	for _, raw := range parts[1 : len(parts)-2] {
		if firstNonSpace(raw) != '{' {
			continue
		}
		var bp bookPayload
		if err := json.Unmarshal(raw, &bp); err != nil {
			return reader.Op{}, fmt.Errorf("kraken book: %w", err)
		}
		if bp.SnapshotAsks != nil || bp.SnapshotBids != nil {
			snapshot = true
			op.Asks = append(op.Asks, bp.SnapshotAsks...)
			op.Bids = append(op.Bids, bp.SnapshotBids...)
		}
		if bp.Asks != nil || bp.Bids != nil {
			update = true
			op.Asks = append(op.Asks, bp.Asks...)
			op.Bids = append(op.Bids, bp.Bids...)
		}
	}

	switch {
	case snapshot && update:
		return reader.Op{}, fmt.Errorf("kraken book: snapshot and update in one message")
	case snapshot:
		op.Kind = reader.OpSnapshot
	case update:
		op.Kind = reader.OpDelta
	default:
		op.Kind = reader.OpNone
	}
	return op, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
