package reader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"priceindex/internal/cache"
	"priceindex/models"
)

// stubProtocol understands frames of the form
// {"kind":"snapshot|delta|reply|control|none","bids":[...],"asks":[...]}.
type stubProtocol struct {
	url string
	sub []byte
}

func (p *stubProtocol) Name() string     { return "stub" }
func (p *stubProtocol) Endpoint() string { return p.url }

func (p *stubProtocol) Subscription() ([]byte, error) { return p.sub, nil }

func (p *stubProtocol) Decode(_ int, frame []byte) ([]byte, error) {
	if strings.HasPrefix(string(frame), "garbage") {
		return nil, errors.New("cannot decode")
	}
	return frame, nil
}

func (p *stubProtocol) Translate(payload []byte) (Op, error) {
	var msg struct {
		Kind  string              `json:"kind"`
		Bids  []models.PriceLevel `json:"bids"`
		Asks  []models.PriceLevel `json:"asks"`
		Reply string              `json:"reply"`
		Note  string              `json:"note"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Op{}, err
	}
	switch msg.Kind {
	case "snapshot":
		return Op{Kind: OpSnapshot, Bids: msg.Bids, Asks: msg.Asks}, nil
	case "delta":
		return Op{Kind: OpDelta, Bids: msg.Bids, Asks: msg.Asks}, nil
	case "reply":
		return Op{Kind: OpReply, Reply: []byte(msg.Reply)}, nil
	case "control":
		return Op{Kind: OpControl, Note: msg.Note}, nil
	default:
		return Op{Kind: OpNone}, nil
	}
}

type recordingWriter struct {
	writes [][]byte
}

func (w *recordingWriter) WriteMessage(_ int, data []byte) error {
	w.writes = append(w.writes, append([]byte(nil), data...))
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	ticks []models.MidPriceTick
}

func (s *recordingSink) Publish(t models.MidPriceTick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

type countingCache struct {
	cache.ValueCache
	sets atomic.Int32
}

func (c *countingCache) Set(ctx context.Context, key string, v decimal.Decimal, ttl time.Duration) error {
	c.sets.Add(1)
	return c.ValueCache.Set(ctx, key, v, ttl)
}

func newTestConnector(opts Options) (*Connector, *countingCache) {
	c := &countingCache{ValueCache: cache.NewMemory()}
	return NewConnector(&stubProtocol{}, c, opts), c
}

func cached(t *testing.T, c cache.ValueCache, key string) (decimal.Decimal, bool) {
	t.Helper()
	v, ok, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	return v, ok
}

func TestHandleFrameSnapshotPublishes(t *testing.T) {
	sink := &recordingSink{}
	conn, c := newTestConnector(Options{Pair: "BTC/USDT", Sinks: []Sink{sink}})
	w := &recordingWriter{}

	conn.handleFrame(context.Background(), w, websocket.TextMessage,
		[]byte(`{"kind":"snapshot","bids":[["49990","1"],["50000","1"]],"asks":[["50010","1"]]}`))

	v, ok := cached(t, c, "stubMidPrice")
	if !ok || v.String() != "50005" {
		t.Fatalf("unexpected cached mid: %s %v", v, ok)
	}
	if sink.count() != 1 || sink.ticks[0].Pair != "BTC/USDT" || sink.ticks[0].Degraded {
		t.Fatalf("unexpected ticks: %+v", sink.ticks)
	}
	snap, ok := conn.OrderBook()
	if !ok || len(snap.Bids) != 2 || snap.Exchange != "stub" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(w.writes) != 0 {
		t.Fatalf("unexpected writes: %d", len(w.writes))
	}
}

func TestHandleFrameDeltaUpdatesMid(t *testing.T) {
	conn, c := newTestConnector(Options{})
	ctx := context.Background()
	w := &recordingWriter{}

	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`{"kind":"snapshot","bids":[["100","1"]],"asks":[["110","1"]]}`))
	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`{"kind":"delta","bids":[["104","2"]],"asks":[["110","0"],["108","1"]]}`))

	v, _ := cached(t, c, "stubMidPrice")
	if v.String() != "106" {
		t.Fatalf("mid = %s, want 106", v)
	}
}

func TestHandleFrameReplyWritesOnceWithoutBookMutation(t *testing.T) {
	conn, c := newTestConnector(Options{})
	w := &recordingWriter{}

	conn.handleFrame(context.Background(), w, websocket.TextMessage, []byte(`{"kind":"reply","reply":"{\"pong\":1}"}`))

	if len(w.writes) != 1 || string(w.writes[0]) != `{"pong":1}` {
		t.Fatalf("unexpected writes: %q", w.writes)
	}
	if _, ok := conn.OrderBook(); ok {
		t.Fatalf("reply must not touch the book")
	}
	if c.sets.Load() != 0 {
		t.Fatalf("reply must not write the cache")
	}
}

func TestHandleFrameControlDoesNotPublish(t *testing.T) {
	conn, c := newTestConnector(Options{})
	w := &recordingWriter{}

	conn.handleFrame(context.Background(), w, websocket.TextMessage, []byte(`{"kind":"control"}`))
	conn.handleFrame(context.Background(), w, websocket.TextMessage, []byte(`{"kind":"control","note":"Currency pair not supported"}`))

	if c.sets.Load() != 0 || len(w.writes) != 0 {
		t.Fatalf("control produced side effects: sets=%d writes=%d", c.sets.Load(), len(w.writes))
	}
	if _, ok := conn.OrderBook(); ok {
		t.Fatalf("control must not touch the book")
	}
}

func TestHandleFrameMalformedIsDropped(t *testing.T) {
	conn, c := newTestConnector(Options{})
	ctx := context.Background()
	w := &recordingWriter{}

	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`{"kind":"snapshot","bids":[["100","1"]],"asks":[["102","1"]]}`))
	conn.handleFrame(ctx, w, websocket.BinaryMessage, []byte("garbage"))
	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`{"kind":"delta","bids":[["abc","1"]]}`))
	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`not json`))

	if c.sets.Load() != 1 {
		t.Fatalf("malformed frames must not publish, sets=%d", c.sets.Load())
	}
	snap, _ := conn.OrderBook()
	if len(snap.Bids) != 1 || snap.Bids[0].Price.String() != "100" {
		t.Fatalf("book changed by malformed frame: %+v", snap.Bids)
	}
}

func TestHandleFrameInsufficientAndCrossedSkipPublish(t *testing.T) {
	conn, c := newTestConnector(Options{})
	ctx := context.Background()
	w := &recordingWriter{}

	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`{"kind":"snapshot","bids":[["100","1"]],"asks":[]}`))
	conn.handleFrame(ctx, w, websocket.TextMessage, []byte(`{"kind":"snapshot","bids":[["105","1"]],"asks":[["101","1"]]}`))

	if c.sets.Load() != 0 {
		t.Fatalf("unpriceable books were published: %d", c.sets.Load())
	}
}

func TestHandleFrameSingleSidedFallback(t *testing.T) {
	sink := &recordingSink{}
	conn, c := newTestConnector(Options{SingleSidedFallback: true, Sinks: []Sink{sink}})

	conn.handleFrame(context.Background(), &recordingWriter{}, websocket.TextMessage,
		[]byte(`{"kind":"delta","asks":[["50010","1"],["50020","1"]]}`))

	v, ok := cached(t, c, "stubMidPrice")
	if !ok || v.String() != "50010" {
		t.Fatalf("unexpected fallback price: %s %v", v, ok)
	}
	if sink.count() != 1 || !sink.ticks[0].Degraded {
		t.Fatalf("fallback tick not marked degraded: %+v", sink.ticks)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:      "disconnected",
		StateConnecting:        "connecting",
		StateConnected:         "connected",
		StateAwaitingReconnect: "awaiting_reconnect",
		State(42):              "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestConnectorReconnectsAndResetsBook(t *testing.T) {
	var connections atomic.Int32
	subs := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := connections.Add(1)

		_, sub, err := ws.ReadMessage()
		if err != nil {
			return
		}
		subs <- string(sub)

		if n == 1 {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"snapshot","bids":[["100","1"]],"asks":[["102","1"]]}`))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"delta","bids":[["101","1"]]}`))
			time.Sleep(50 * time.Millisecond)
			return
		}
		// second session: keep the socket open until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	mem := cache.NewMemory()
	p := &stubProtocol{url: "ws" + strings.TrimPrefix(srv.URL, "http"), sub: []byte(`{"op":"subscribe"}`)}
	conn := NewConnector(p, mem, Options{
		ReconnectDelay: 20 * time.Millisecond,
		DialRate:       100,
		DialBurst:      10,
		TTL:            time.Minute,
	})

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := conn.Start(context.Background()); err == nil {
		t.Fatalf("second Start should fail")
	}

	for i := 0; i < 2; i++ {
		select {
		case sub := <-subs:
			if sub != `{"op":"subscribe"}` {
				t.Fatalf("unexpected subscription frame: %s", sub)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("connection %d not established", i+1)
		}
	}

	v, ok := cached(t, mem, "stubMidPrice")
	if !ok || v.String() != "101.5" {
		t.Fatalf("mid from first session = %s %v, want 101.5", v, ok)
	}

	deadline := time.Now().Add(time.Second)
	for conn.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected", conn.State())
	}
	if _, ok := conn.OrderBook(); ok {
		t.Fatalf("book not reset on reconnect")
	}

	stopped := make(chan struct{})
	go func() {
		conn.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state after stop = %s", conn.State())
	}
	if connections.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", connections.Load())
	}
}

func TestConnectorStopInterruptsReconnectDelay(t *testing.T) {
	mem := cache.NewMemory()
	p := &stubProtocol{url: "ws://127.0.0.1:1/unreachable"}
	conn := NewConnector(p, mem, Options{ReconnectDelay: time.Hour, DialRate: 100, DialBurst: 10, HandshakeTimeout: 200 * time.Millisecond})

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateAwaitingReconnect && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.State() != StateAwaitingReconnect {
		t.Fatalf("state = %s, want awaiting_reconnect", conn.State())
	}

	start := time.Now()
	conn.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop waited for the reconnect delay: %s", elapsed)
	}
}

func TestConnectorReconnectsSilentFeed(t *testing.T) {
	var connections atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		connections.Add(1)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"snapshot","bids":[["100","1"]],"asks":[["102","1"]]}`))
		// hold the socket open without reading, so pings go unanswered
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := &stubProtocol{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	conn := NewConnector(p, cache.NewMemory(), Options{
		ReadTimeout:    200 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		DialRate:       100,
		DialBurst:      10,
	})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conn.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for connections.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if connections.Load() < 2 {
		t.Fatalf("silent connection was never replaced, connections=%d state=%s", connections.Load(), conn.State())
	}
}

func TestConnectorPongsKeepQuietFeedAlive(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		connections.Add(1)
		// reading lets the default ping handler answer with pongs
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p := &stubProtocol{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	conn := NewConnector(p, cache.NewMemory(), Options{
		ReadTimeout:    300 * time.Millisecond,
		PingInterval:   50 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
	})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conn.Stop()

	time.Sleep(time.Second)
	if n := connections.Load(); n != 1 {
		t.Fatalf("answered pings should keep the session, connections=%d", n)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected", conn.State())
	}
}
