// Package reader maintains one websocket connection per exchange, rebuilds
// the exchange order book from the feed and publishes its mid price to the
// shared cache. Exchange specifics (endpoint, subscription, framing,
// keepalive, message shapes) are supplied by a Protocol; see the binance,
// kraken and huobi subpackages.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"priceindex/internal/cache"
	"priceindex/internal/metrics"
	"priceindex/internal/orderbook"
	"priceindex/logger"
	"priceindex/models"
)

const (
	defaultReconnectDelay   = 1500 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
	defaultTTL              = 5 * time.Second
	defaultReadTimeout      = 30 * time.Second
)

// Protocol adapts one exchange's wire format to the connector.
type Protocol interface {
	Name() string
	// Endpoint is the full websocket URL to dial.
	Endpoint() string
	// Subscription returns the frame sent right after the handshake, or nil
	// when the endpoint streams without one.
	Subscription() ([]byte, error)
	// Decode turns a raw frame into a JSON payload (e.g. inflating gzip).
	Decode(messageType int, frame []byte) ([]byte, error)
	// Translate classifies a payload and extracts book updates from it.
	Translate(payload []byte) (Op, error)
}

// DepthLimited is implemented by protocols subscribed to a fixed number of
// levels per side. The connector truncates the book to that depth after
// every update.
type DepthLimited interface {
	BookDepth() int
}

// Sink receives every published mid price. Publish must not block.
type Sink interface {
	Publish(tick models.MidPriceTick)
}

// Options tune a Connector. Zero values fall back to defaults.
type Options struct {
	// Pair labels published ticks, e.g. "BTC/USDT".
	Pair             string
	TTL              time.Duration
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	DialRate         float64
	DialBurst        int

	// ReadTimeout bounds the silence tolerated on a connection. Frames and
	// pongs re-arm it; expiry ends the session and triggers a reconnect.
	ReadTimeout time.Duration
	// PingInterval defaults to half of ReadTimeout.
	PingInterval time.Duration

	SingleSidedFallback bool
	Sinks               []Sink
}

// frameWriter is the write half of a websocket connection.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Connector runs the connect, subscribe, read and reconnect loop for one
// exchange. The order book is only touched by the loop goroutine; other
// goroutines read the last published copy through OrderBook.
type Connector struct {
	protocol Protocol
	cache    cache.ValueCache
	key      string
	opts     Options
	dialer   websocket.Dialer
	limiter  *rate.Limiter

	book     *orderbook.Book
	maxDepth int
	snapshot atomic.Pointer[models.BookSnapshot]
	state    atomic.Int32

	log     *logger.Entry
	root    *logger.Log
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewConnector creates a stopped connector for p publishing into vc.
func NewConnector(p Protocol, vc cache.ValueCache, opts Options) *Connector {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout / 2
	}
	if opts.DialRate <= 0 {
		opts.DialRate = 1
	}
	if opts.DialBurst <= 0 {
		opts.DialBurst = 1
	}
	root := logger.GetLogger()
	c := &Connector{
		protocol: p,
		cache:    vc,
		key:      cache.MidPriceKey(p.Name()),
		opts:     opts,
		dialer: websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.DialRate), opts.DialBurst),
		book:    orderbook.New(),
		log: root.WithComponent("connector").WithFields(logger.Fields{
			"exchange": p.Name(),
		}),
		root: root,
	}
	if d, ok := p.(DepthLimited); ok {
		c.maxDepth = d.BookDepth()
	}
	return c
}

func (c *Connector) Name() string {
	return c.protocol.Name()
}

func (c *Connector) State() State {
	return State(c.state.Load())
}

// OrderBook returns the book as of the last processed update. It reports
// false before the first update of the current connection.
func (c *Connector) OrderBook() (models.BookSnapshot, bool) {
	snap := c.snapshot.Load()
	if snap == nil {
		return models.BookSnapshot{}, false
	}
	return *snap, true
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried until Stop is called or ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%s connector already running", c.Name())
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.log.WithFields(logger.Fields{"url": c.protocol.Endpoint()}).Info("starting connector")

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop cancels the loop, closes the socket and waits for the loop to exit.
func (c *Connector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.Info("connector stopped")
}

func (c *Connector) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setState(StateDisconnected)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			logger.RecordReconnect(c.Name())
			metrics.IncrementReconnect(c.Name())
		}

		c.book.Reset()
		c.snapshot.Store(nil)
		c.setState(StateConnecting)

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).WithFields(logger.Fields{
			"retry_in_ms": c.opts.ReconnectDelay.Milliseconds(),
		}).Warn("connection lost, reconnecting")

		c.setState(StateAwaitingReconnect)
		if waitForReconnect(ctx, c.opts.ReconnectDelay) {
			return
		}
	}
}

// session dials, subscribes and reads until the transport fails.
func (c *Connector) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.protocol.Endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.setState(StateConnected)
	c.log.Info("connected")

	sub, err := c.protocol.Subscription()
	if err != nil {
		return fmt.Errorf("build subscription: %w", err)
	}
	if sub != nil {
		if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		c.log.Debug("subscription sent")
	}

	armDeadline := func() {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	armDeadline()
	conn.SetPongHandler(func(string) error {
		armDeadline()
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go c.pingLoop(conn, done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		armDeadline()
		c.handleFrame(ctx, conn, mt, data)
	}
}

// pingLoop sends websocket pings until done is closed or a ping fails. The
// read deadline decides when the connection is dead.
func (c *Connector) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.log.WithError(err).Debug("failed to send websocket ping")
				return
			}
		}
	}
}

// handleFrame processes one inbound frame. Faults in the frame are logged and
// the frame dropped; they never end the session.
func (c *Connector) handleFrame(ctx context.Context, w frameWriter, messageType int, data []byte) {
	name := c.Name()
	logger.RecordFrame(name, len(data))
	metrics.IncrementFrame(name)

	payload, err := c.protocol.Decode(messageType, data)
	if err != nil {
		metrics.IncrementFrameError(name, "decode")
		c.log.WithError(err).Warn("dropping undecodable frame")
		return
	}

	op, err := c.protocol.Translate(payload)
	if err != nil {
		metrics.IncrementFrameError(name, "translate")
		c.log.WithError(err).Warn("dropping malformed message")
		return
	}

	switch op.Kind {
	case OpNone:
		return
	case OpReply:
		if err := w.WriteMessage(websocket.TextMessage, op.Reply); err != nil {
			c.log.WithError(err).Warn("failed to send keepalive reply")
		}
		return
	case OpControl:
		if op.Note != "" {
			c.log.WithFields(logger.Fields{"note": op.Note}).Warn("exchange reported an error")
			return
		}
		c.log.Debug("control message")
		return
	case OpSnapshot:
		c.book.Replace(op.Bids, op.Asks)
	case OpDelta:
		c.book.ApplyDelta(models.SideBid, op.Bids)
		c.book.ApplyDelta(models.SideAsk, op.Asks)
	}
	c.book.Truncate(c.maxDepth)

	c.publish(ctx)
}

func (c *Connector) publish(ctx context.Context) {
	name := c.Name()
	snap := c.book.Snapshot(name)
	c.snapshot.Store(&snap)

	mid, degraded, err := c.price()
	if err != nil {
		kind := "insufficient"
		if errors.Is(err, orderbook.ErrCrossedBook) {
			kind = "crossed"
		}
		metrics.IncrementFrameError(name, kind)
		c.log.WithError(err).Warn("mid price unavailable, skipping publish")
		return
	}

	if err := c.cache.Set(ctx, c.key, mid, c.opts.TTL); err != nil {
		metrics.IncrementFrameError(name, "cache")
		c.log.WithError(err).Warn("failed to cache mid price")
		return
	}

	logger.RecordPublish(name)
	price, _ := mid.Float64()
	metrics.RecordMidPrice(c.root, name, price, degraded)

	tick := models.MidPriceTick{
		Exchange:  name,
		Pair:      c.opts.Pair,
		Price:     mid,
		Degraded:  degraded,
		Timestamp: time.Now().UTC(),
	}
	for _, s := range c.opts.Sinks {
		s.Publish(tick)
	}
}

// price derives the value to publish. With the single-sided fallback enabled
// a book holding only one side is priced at that side's best level.
func (c *Connector) price() (decimal.Decimal, bool, error) {
	mid, err := c.book.MidPrice()
	if err == nil {
		return mid, false, nil
	}
	if !errors.Is(err, orderbook.ErrInsufficientData) || !c.opts.SingleSidedFallback {
		return decimal.Zero, false, err
	}
	price, side, ok := c.book.SingleSidedPrice()
	if !ok {
		return decimal.Zero, false, err
	}
	c.log.WithFields(logger.Fields{"side": side, "price": price.String()}).Warn("publishing single-sided price")
	return price, true, nil
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetConnectorState(c.Name(), int(s))
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
