// Package huobi speaks the Huobi (HTX) market websocket. Frames are
// gzip-compressed binary messages; the server pings with {"ping": ts} and
// drops connections that do not answer with {"pong": ts}.
package huobi

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"priceindex/models"
	"priceindex/reader"
)

const Name = "huobi"

type Protocol struct {
	url    string
	symbol string
	depth  int
}

// New returns a protocol for symbol (e.g. "btcusdt"). depth caps the levels
// taken from each side of a step0 snapshot; zero keeps all of them.
func New(url, symbol string, depth int) *Protocol {
	return &Protocol{url: url, symbol: symbol, depth: depth}
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

// Topic is the depth channel the connector subscribes to.
func (p *Protocol) Topic() string {
	return "market." + p.symbol + ".depth.step0"
}

func (p *Protocol) Subscription() ([]byte, error) {
	return json.Marshal(map[string]string{
		"sub": p.Topic(),
		"id":  uuid.NewString(),
	})
}

// Decode inflates binary frames. Text frames are passed through unchanged.
func (p *Protocol) Decode(messageType int, frame []byte) ([]byte, error) {
	if messageType != websocket.BinaryMessage {
		return frame, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("huobi gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("huobi gzip: %w", err)
	}
	return out, nil
}

type message struct {
	Ping   json.RawMessage `json:"ping"`
	Status string          `json:"status"`
	Subbed string          `json:"subbed"`
	ErrMsg string          `json:"err-msg"`
	Ch     string          `json:"ch"`
	Tick   *struct {
		Bids []models.PriceLevel `json:"bids"`
		Asks []models.PriceLevel `json:"asks"`
	} `json:"tick"`
}

func (p *Protocol) Translate(payload []byte) (reader.Op, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return reader.Op{}, fmt.Errorf("huobi message: %w", err)
	}

	switch {
	case len(msg.Ping) > 0:
		reply := make([]byte, 0, len(msg.Ping)+10)
		reply = append(reply, `{"pong":`...)
		reply = append(reply, msg.Ping...)
		reply = append(reply, '}')
		return reader.Op{Kind: reader.OpReply, Reply: reply}, nil
	case msg.Status == "error":
		note := msg.ErrMsg
		if note == "" {
			note = "request rejected"
		}
		return reader.Op{Kind: reader.OpControl, Note: note}, nil
	case msg.Status == "ok" || msg.Subbed != "":
		return reader.Op{Kind: reader.OpControl}, nil
	case msg.Tick != nil:
		return reader.Op{
			Kind: reader.OpSnapshot,
			Bids: p.limit(msg.Tick.Bids),
			Asks: p.limit(msg.Tick.Asks),
		}, nil
	}
	return reader.Op{Kind: reader.OpNone}, nil
}

func (p *Protocol) limit(levels []models.PriceLevel) []models.PriceLevel {
	if p.depth > 0 && len(levels) > p.depth {
		return levels[:p.depth]
	}
	return levels
}
