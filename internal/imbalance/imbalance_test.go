package imbalance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fotonphotos/microstream-alerts/internal/candle"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func c(startMs int64, open, high, low, close int64) candle.Candle {
	return candle.New("BTCUSDT", startMs, d(open), d(high), d(low), d(close), d(1), true)
}

func allEnabled() Settings {
	return Settings{MinGapPercentage: 1.0, MinStrength: 0, FairValueGapEnabled: true, OrderBlockEnabled: true, BreakerBlockEnabled: true}
}

func TestAnalyzeFairValueGapBullish(t *testing.T) {
	a := New()
	window := []candle.Candle{
		c(0, 112, 115, 110, 113),
		c(60_000, 116, 120, 114, 119), // long, middle
		c(120_000, 103, 105, 100, 104),
	}
	imb := a.AnalyzeFairValueGap(window, allEnabled())
	require.NotNil(t, imb)
	assert.Equal(t, FairValueGap, imb.Kind)
	assert.Equal(t, Bullish, imb.Direction)
	assert.True(t, imb.Strength >= 1.0)
}

func TestAnalyzeFairValueGapBearish(t *testing.T) {
	a := New()
	window := []candle.Candle{
		c(0, 97, 100, 95, 98),
		c(60_000, 101, 103, 98, 99), // bearish, middle
		c(120_000, 112, 115, 110, 113),
	}
	imb := a.AnalyzeFairValueGap(window, allEnabled())
	require.NotNil(t, imb)
	assert.Equal(t, Bearish, imb.Direction)
}

func TestAnalyzeFairValueGapRequiresMinimumWindow(t *testing.T) {
	a := New()
	window := []candle.Candle{c(0, 100, 101, 99, 100), c(60_000, 100, 101, 99, 100)}
	assert.Nil(t, a.AnalyzeFairValueGap(window, allEnabled()))
}

func TestAnalyzeFairValueGapBelowMinGapRejected(t *testing.T) {
	a := New()
	window := []candle.Candle{
		c(0, 112, 115, 110, 113),
		c(60_000, 116, 120, 114, 119),
		c(120_000, 109, 109, 109, 109), // gap too small
	}
	s := allEnabled()
	s.MinGapPercentage = 50.0
	assert.Nil(t, a.AnalyzeFairValueGap(window, s))
}

func TestAnalyzeOrderBlockBullish(t *testing.T) {
	a := New()
	var window []candle.Candle
	for i := 0; i < 8; i++ {
		window = append(window, c(int64(i)*60_000, 100, 102, 99, 101))
	}
	window = append(window, c(480_000, 102, 103, 97, 98)) // bearish reference block, high=103
	window = append(window, c(540_000, 104, 110, 103, 108))

	imb := a.AnalyzeOrderBlock(window, allEnabled())
	require.NotNil(t, imb)
	assert.Equal(t, OrderBlock, imb.Kind)
	assert.Equal(t, Bullish, imb.Direction)
	assert.True(t, imb.Strength >= 2.0)
}

func TestAnalyzeOrderBlockRequiresMinimumWindow(t *testing.T) {
	a := New()
	var window []candle.Candle
	for i := 0; i < 5; i++ {
		window = append(window, c(int64(i)*60_000, 100, 102, 99, 101))
	}
	assert.Nil(t, a.AnalyzeOrderBlock(window, allEnabled()))
}

func TestAnalyzeBreakerBlockBullish(t *testing.T) {
	a := New()
	var window []candle.Candle
	for i := 0; i < 14; i++ {
		window = append(window, c(int64(i)*60_000, 95, 100, 90, 97))
	}
	window = append(window, c(840_000, 101, 108, 100, 106))

	imb := a.AnalyzeBreakerBlock(window, allEnabled())
	require.NotNil(t, imb)
	assert.Equal(t, BreakerBlock, imb.Kind)
	assert.Equal(t, Bullish, imb.Direction)
	assert.True(t, imb.Strength >= 1.0)
}

func TestAnalyzeBreakerBlockRequiresMinimumWindow(t *testing.T) {
	a := New()
	var window []candle.Candle
	for i := 0; i < 10; i++ {
		window = append(window, c(int64(i)*60_000, 95, 100, 90, 97))
	}
	assert.Nil(t, a.AnalyzeBreakerBlock(window, allEnabled()))
}

// AnalyzeAll prefers FVG over OrderBlock/BreakerBlock when all three are
// enabled and the window qualifies for FVG.
func TestAnalyzeAllPrefersFairValueGap(t *testing.T) {
	a := New()
	window := []candle.Candle{
		c(0, 112, 115, 110, 113),
		c(60_000, 116, 120, 114, 119),
		c(120_000, 103, 105, 100, 104),
	}
	imb := a.AnalyzeAll(window, allEnabled())
	require.NotNil(t, imb)
	assert.Equal(t, FairValueGap, imb.Kind)
}

// AnalyzeAll gates every candidate on MinStrength, rejecting a detected
// structure whose strength falls short.
func TestAnalyzeAllRejectsBelowMinStrength(t *testing.T) {
	a := New()
	window := []candle.Candle{
		c(0, 112, 115, 110, 113),
		c(60_000, 116, 120, 114, 119),
		c(120_000, 103, 105, 100, 104),
	}
	s := allEnabled()
	s.MinStrength = 1000 // no structure can reach this
	assert.Nil(t, a.AnalyzeAll(window, s))
}

func TestAnalyzeAllReturnsNilWhenNothingDetected(t *testing.T) {
	a := New()
	var window []candle.Candle
	for i := 0; i < 20; i++ {
		window = append(window, c(int64(i)*60_000, 100, 101, 99, 100))
	}
	assert.Nil(t, a.AnalyzeAll(window, allEnabled()))
}
