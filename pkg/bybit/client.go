// Package bybit implements the FeedClient: a single persistent
// connection to Bybit's public kline.1 stream for a mutable symbol set.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/apperr"
	"github.com/fotonphotos/microstream-alerts/internal/candle"
)

// State is the per-connection lifecycle
type State string

const (
	StateConnecting State = "connecting"
	StateConnected State = "connected"
	StateStreaming State = "streaming"
	StateDegraded State = "degraded"
	StateClosed State = "closed"
	StateReconnecting State = "reconnecting"
)

const (
	subscribeBatchSize = 50
	subscribeBatchSpacing = 500 * time.Millisecond
	silenceWarnAfter = 90 * time.Second
	silenceReconnectAfter = 120 * time.Second
	streamingResetAfter = 60 * time.Second
	maxBackoff = 60 * time.Second
	backoffUnit = 5 * time.Second
	maxConsecutiveFailures = 10
)

// CandleEvent is the normalized output of the feed, delivered in
// startMs-ascending order per symbol (no ordering across symbols).
type CandleEvent struct {
	Symbol string
	Candle candle.Candle
	IsClosed bool
}

// Client is the FeedClient.
type Client struct {
	endpoint string
	logger *zap.Logger

	events chan CandleEvent

	mu sync.Mutex
	subscribed map[string]bool
	pending map[string]bool
	lastProcessed map[string]int64

	subscribeRequests chan []string
	unsubscribeRequests chan []string

	stateMu sync.RWMutex
	state State

	conn *websocket.Conn

	lastMessage atomic64

	// attempt is the consecutive-reconnect-failure counter. Owned
	// exclusively by the Run goroutine (runConnection executes
	// synchronously within Run, never concurrently with it).
	attempt int
}

// NewClient builds a feed client against the given WebSocket endpoint
// (e.g. wss://stream.bybit.com/v5/public/linear).
func NewClient(endpoint string, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		logger: logger,
		events: make(chan CandleEvent, 4096),
		subscribed: make(map[string]bool),
		pending: make(map[string]bool),
		lastProcessed: make(map[string]int64),
		subscribeRequests: make(chan []string, 64),
		unsubscribeRequests: make(chan []string, 64),
		state: StateClosed,
	}
}

// Events returns the channel of normalized candle events.
func (c *Client) Events() <-chan CandleEvent { return c.events }

// State returns the current connection lifecycle state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.logger.Info("feed client state transition", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Subscribe enqueues symbols for subscription; applied by the reader loop
// so all socket writes stay serialised through the single connection owner.
func (c *Client) Subscribe(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	select {
	case c.subscribeRequests <- symbols:
	default:
		c.logger.Warn("subscribe request queue full, dropping", zap.Int("count", len(symbols)))
	}
}

// Unsubscribe enqueues symbols for removal from the subscribed set.
func (c *Client) Unsubscribe(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	select {
	case c.unsubscribeRequests <- symbols:
	default:
		c.logger.Warn("unsubscribe request queue full, dropping", zap.Int("count", len(symbols)))
	}
}

// IsSubscribed reports whether a symbol is in the live subscribed set
// (data seen), as opposed to merely pending.
func (c *Client) IsSubscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[formatSymbol(symbol)]
}

// Counts returns (pending, subscribed) set sizes for health reporting.
func (c *Client) Counts() (pending, subscribed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.subscribed)
}

// Run drives the connect/subscribe/read/reconnect loop until ctx is
// cancelled. Intended to be supervised: a returned error means the
// connection exhausted its reconnect budget, capped at 10 consecutive
// failures before being surfaced as fatal.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		default:
		}

		if c.attempt >= maxConsecutiveFailures {
			return apperr.New(apperr.PermanentNetwork, "bybit.Run", fmt.Errorf("exceeded %d consecutive reconnect failures", maxConsecutiveFailures))
		}

		if err := c.runConnection(ctx); err != nil {
			c.attempt++
			backoff := c.attempt * int(backoffUnit/time.Second)
			wait := time.Duration(backoff) * time.Second
			if wait > maxBackoff {
				wait = maxBackoff
			}
			c.logger.Warn("feed connection failed, backing off",
				zap.Error(err), zap.Int("attempt", c.attempt), zap.Duration("backoff", wait))
			c.setState(StateReconnecting)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		// runConnection only returns nil on ctx cancellation.
		return nil
	}
}

func (c *Client) runConnection(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	headers := http.Header{}
	headers.Set("User-Agent", "microstream-alerts/1.0")

	conn, _, err := dialer.Dial(c.endpoint, headers)
	if err != nil {
		return apperr.New(apperr.TransientNetwork, "bybit.Dial", err)
	}
	c.conn = conn
	defer conn.Close()

	c.setState(StateConnected)
	c.lastMessage.store(time.Now())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	errCh := make(chan error, 3)

	go func() { defer wg.Done(); errCh <- c.pingLoop(connCtx) }()
	go func() { defer wg.Done(); errCh <- c.subscriptionLoop(connCtx) }()
	go func() { defer wg.Done(); errCh <- c.readLoop(connCtx) }()

	go func() {
		wg.Wait()
		close(errCh)
	}()

	streamingSince := time.Time{}
	watchdog := time.NewTicker(10 * time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			return nil
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			if err != nil {
				cancel()
				return err
			}
		case <-watchdog.C:
			if err := c.watchdogTick(time.Now(), &streamingSince); err != nil {
				cancel()
				return err
			}
		}
	}
}

// watchdogTick evaluates one watchdog interval against now and the time the
// connection entered Streaming (streamingSince, mutated in place). Returns
// a non-nil error once the connection has gone silent long enough to force
// a reconnect. A connection that has stayed in Streaming for
// streamingResetAfter is healthy enough to reset the consecutive-failure
// counter, so a few-minutes-apart blip no longer ratchets toward the fatal
// threshold.
func (c *Client) watchdogTick(now time.Time, streamingSince *time.Time) error {
	silence := now.Sub(c.lastMessage.load())
	switch {
	case silence > silenceReconnectAfter:
		return apperr.New(apperr.TransientNetwork, "bybit.watchdog", fmt.Errorf("silent for %s", silence))
	case silence > silenceWarnAfter:
		c.setState(StateDegraded)
	case c.State() == StateStreaming:
		if streamingSince.IsZero() {
			*streamingSince = now
		} else if now.Sub(*streamingSince) > streamingResetAfter && c.attempt > 0 {
			c.logger.Info("feed streaming stable, resetting reconnect attempt counter",
				zap.Int("previous_attempt", c.attempt))
			c.attempt = 0
		}
	}
	return nil
}

func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return apperr.New(apperr.TransientNetwork, "bybit.ping", err)
			}
		}
	}
}

// subscriptionLoop serialises all subscribe/unsubscribe writes onto the
// single socket owner, batching in groups of 50 with 500ms spacing to stay
// under Bybit's subscription rate limit.
func (c *Client) subscriptionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case symbols := <-c.subscribeRequests:
			if err := c.applySubscribe(ctx, symbols); err != nil {
				return err
			}
		case symbols := <-c.unsubscribeRequests:
			if err := c.applyUnsubscribe(ctx, symbols); err != nil {
				return err
			}
		}
	}
}

func (c *Client) applySubscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	for _, s := range symbols {
		c.pending[formatSymbol(s)] = true
	}
	c.mu.Unlock()

	for i := 0; i < len(symbols); i += subscribeBatchSize {
		end := i + subscribeBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[i:end]
		args := make([]string, len(batch))
		for j, s := range batch {
			args[j] = fmt.Sprintf("kline.1.%s", formatSymbol(s))
		}
		msg := map[string]interface{}{"op": "subscribe", "args": args}
		if err := c.conn.WriteJSON(msg); err != nil {
			return apperr.New(apperr.TransientNetwork, "bybit.subscribe", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(subscribeBatchSpacing):
		}
	}
	return nil
}

func (c *Client) applyUnsubscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	for _, s := range symbols {
		sym := formatSymbol(s)
		delete(c.pending, sym)
		delete(c.subscribed, sym)
	}
	c.mu.Unlock()

	for i := 0; i < len(symbols); i += subscribeBatchSize {
		end := i + subscribeBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[i:end]
		args := make([]string, len(batch))
		for j, s := range batch {
			args[j] = fmt.Sprintf("kline.1.%s", formatSymbol(s))
		}
		msg := map[string]interface{}{"op": "unsubscribe", "args": args}
		if err := c.conn.WriteJSON(msg); err != nil {
			return apperr.New(apperr.TransientNetwork, "bybit.unsubscribe", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(subscribeBatchSpacing):
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(silenceReconnectAfter + 10*time.Second))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return apperr.New(apperr.TransientNetwork, "bybit.read", err)
		}
		c.lastMessage.store(time.Now())

		var envelope map[string]interface{}
		if err := json.Unmarshal(message, &envelope); err == nil {
			if op, ok := envelope["op"].(string); ok {
				switch op {
				case "pong":
					continue
				case "subscribe", "unsubscribe":
					continue
				}
			}
		}

		// Any data message, not just the first on the connection, marks the
		// feed as Streaming again: recovery from a Degraded silence gap must
		// restore the state the watchdog's attempt-reset depends on.
		if c.State() != StateStreaming {
			c.setState(StateStreaming)
		}

		if err := c.handleData(message); err != nil {
			c.logger.Warn("dropping malformed feed message", zap.Error(err))
		}
	}
}

type wireMessage struct {
	Topic string `json:"topic"`
	Data json.RawMessage `json:"data"`
}

type wireKline struct {
	Start int64 `json:"start"`
	End int64 `json:"end"`
	Open string `json:"open"`
	High string `json:"high"`
	Low string `json:"low"`
	Close string `json:"close"`
	Volume string `json:"volume"`
	Confirmed bool `json:"confirm"`
}

func (c *Client) handleData(raw []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return apperr.New(apperr.Malformed, "bybit.handleData", err)
	}
	if !strings.HasPrefix(msg.Topic, "kline.1.") {
		return nil
	}
	symbol := strings.ToUpper(strings.TrimPrefix(msg.Topic, "kline.1."))

	c.mu.Lock()
	subscribed := c.pending[symbol] || c.subscribed[symbol]
	c.mu.Unlock()
	if !subscribed {
		return nil // step 1: drop if symbol not in subscribedSet
	}

	var klines []wireKline
	if err := json.Unmarshal(msg.Data, &klines); err != nil {
		return apperr.New(apperr.Malformed, "bybit.handleData.kline", err)
	}
	if len(klines) == 0 {
		return apperr.New(apperr.Malformed, "bybit.handleData.kline", fmt.Errorf("empty kline array"))
	}
	k := klines[0]

	open, err1 := decimal.NewFromString(k.Open)
	high, err2 := decimal.NewFromString(k.High)
	low, err3 := decimal.NewFromString(k.Low)
	closePrice, err4 := decimal.NewFromString(k.Close)
	volume, err5 := decimal.NewFromString(k.Volume)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return apperr.New(apperr.Malformed, "bybit.handleData.numerics", fmt.Errorf("bad kline numerics for %s", symbol))
	}

	startMs := alignDownToMinute(k.Start)

	c.mu.Lock()
	if !c.subscribed[symbol] {
		c.subscribed[symbol] = true
		delete(c.pending, symbol)
	}
	if k.Confirmed {
		if last, ok := c.lastProcessed[symbol]; ok && startMs <= last {
			c.mu.Unlock()
			return nil // step 4: dedup, only forward strictly advancing closes
		}
		c.lastProcessed[symbol] = startMs
	}
	c.mu.Unlock()

	cd := candle.New(symbol, startMs, open, high, low, closePrice, volume, k.Confirmed)

	select {
	case c.events <- CandleEvent{Symbol: symbol, Candle: cd, IsClosed: k.Confirmed}:
	default:
		// High-water backpressure: drop non-closed events
		// first, always preserve closed events.
		if k.Confirmed {
			c.events <- CandleEvent{Symbol: symbol, Candle: cd, IsClosed: true}
		} else {
			c.logger.Warn("feed event channel saturated, dropping open-candle tick", zap.String("symbol", symbol))
		}
	}
	return nil
}

func formatSymbol(symbol string) string {
	return strings.ToUpper(symbol)
}

func alignDownToMinute(ms int64) int64 {
	const minuteMs = int64(60_000)
	return ms - ms%minuteMs
}
