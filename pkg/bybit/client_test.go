package bybit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAlignDownToMinute(t *testing.T) {
	assert.Equal(t, int64(60_000), alignDownToMinute(60_500))
	assert.Equal(t, int64(0), alignDownToMinute(59_999))
}

func TestHandleDataDropsUnsubscribedSymbol(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	raw := []byte(`{"topic":"kline.1.BTCUSDT","data":[{"start":60000,"end":120000,"open":"100","high":"101","low":"99","close":"100.5","volume":"10","confirm":true}]}`)

	require.NoError(t, c.handleData(raw))
	select {
	case ev := <-c.Events():
		t.Fatalf("expected no event for unsubscribed symbol, got %+v", ev)
	default:
	}
}

func TestHandleDataEmitsAndDedupsClosedCandles(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	c.mu.Lock()
	c.subscribed["BTCUSDT"] = true
	c.mu.Unlock()

	raw := []byte(`{"topic":"kline.1.BTCUSDT","data":[{"start":60000,"end":120000,"open":"100","high":"101","low":"99","close":"100.5","volume":"10","confirm":true}]}`)
	require.NoError(t, c.handleData(raw))

	select {
	case ev := <-c.Events():
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.True(t, ev.IsClosed)
		assert.Equal(t, int64(60_000), ev.Candle.StartMs)
	default:
		t.Fatal("expected an event")
	}

	// Re-delivering the same closed start must be suppressed (step 4 dedup).
	require.NoError(t, c.handleData(raw))
	select {
	case ev := <-c.Events():
		t.Fatalf("expected dedup to suppress repeat, got %+v", ev)
	default:
	}
}

func TestHandleDataRejectsMalformedNumerics(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	c.mu.Lock()
	c.subscribed["BTCUSDT"] = true
	c.mu.Unlock()

	raw := []byte(`{"topic":"kline.1.BTCUSDT","data":[{"start":60000,"end":120000,"open":"abc","high":"101","low":"99","close":"100.5","volume":"10","confirm":true}]}`)
	assert.Error(t, c.handleData(raw))
}

// A connection that has been streaming for longer than streamingResetAfter
// resets the consecutive-failure counter, so brief recovered outages never
// ratchet it toward the fatal threshold.
func TestWatchdogTickResetsAttemptAfterStableStreaming(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	c.attempt = 3
	c.setState(StateStreaming)
	c.lastMessage.store(time.Now())

	var streamingSince time.Time
	now := time.Now()

	require.NoError(t, c.watchdogTick(now, &streamingSince))
	assert.False(t, streamingSince.IsZero())
	assert.Equal(t, 3, c.attempt, "attempt must not reset before streamingResetAfter elapses")

	require.NoError(t, c.watchdogTick(now.Add(streamingResetAfter+time.Second), &streamingSince))
	assert.Equal(t, 0, c.attempt, "attempt must reset once streaming has been stable past the threshold")
}

// Silence past silenceReconnectAfter forces a reconnect regardless of the
// streaming-stability timer.
func TestWatchdogTickForcesReconnectOnSilence(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	c.setState(StateStreaming)
	c.lastMessage.store(time.Now().Add(-silenceReconnectAfter - time.Second))

	var streamingSince time.Time
	err := c.watchdogTick(time.Now(), &streamingSince)
	assert.Error(t, err)
}

// A Streaming->reset->silence sequence: the watchdog first resets the
// counter during the stable period, then a later silent gap is still
// reported as a reconnect error, proving the two checks are independent.
func TestWatchdogTickStreamingResetThenSilenceForcesReconnect(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	c.attempt = 1
	c.setState(StateStreaming)
	c.lastMessage.store(time.Now())

	var streamingSince time.Time
	base := time.Now()

	require.NoError(t, c.watchdogTick(base, &streamingSince))
	require.NoError(t, c.watchdogTick(base.Add(streamingResetAfter+time.Second), &streamingSince))
	assert.Equal(t, 0, c.attempt)

	// A fresh connection (new runConnection call) would zero streamingSince;
	// simulate that and confirm a silent gap is still detected independently
	// of the now-reset attempt counter.
	streamingSince = time.Time{}
	c.lastMessage.store(base)
	err := c.watchdogTick(base.Add(silenceReconnectAfter+time.Second), &streamingSince)
	assert.Error(t, err)
}

// A Degraded connection that resumes producing data must return to
// Streaming (readLoop's job) so the watchdog's attempt-reset can engage
// again; otherwise one early silence blip disables the reset for the rest
// of the connection's life.
func TestWatchdogTickResetsAfterRecoveringFromDegraded(t *testing.T) {
	c := NewClient("wss://example.invalid", zap.NewNop())
	c.attempt = 2
	c.setState(StateStreaming)
	base := time.Now()
	c.lastMessage.store(base)

	var streamingSince time.Time

	// A gap past silenceWarnAfter (but short of silenceReconnectAfter)
	// degrades the connection without forcing a reconnect.
	degradedAt := base.Add(silenceWarnAfter + time.Second)
	require.NoError(t, c.watchdogTick(degradedAt, &streamingSince))
	assert.Equal(t, StateDegraded, c.State())

	// Data resumes: readLoop would call setState(StateStreaming) here since
	// c.State() != StateStreaming.
	c.lastMessage.store(degradedAt)
	if c.State() != StateStreaming {
		c.setState(StateStreaming)
	}

	require.NoError(t, c.watchdogTick(degradedAt, &streamingSince))
	assert.False(t, streamingSince.IsZero())
	require.NoError(t, c.watchdogTick(degradedAt.Add(streamingResetAfter+time.Second), &streamingSince))
	assert.Equal(t, 0, c.attempt, "attempt must reset once Streaming is restored and stays stable")
}
