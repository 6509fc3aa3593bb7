// Package imbalance implements the ImbalanceAnalyzer: stateless
// Smart-Money structural detectors (Fair-Value-Gap, Order-Block,
// Breaker-Block) over an ascending candle window, ported in meaning from
// alert/alert_imbalance.py.
package imbalance

import (
	"github.com/shopspring/decimal"

	"github.com/fotonphotos/microstream-alerts/internal/candle"
)

// Kind enumerates the three structural patterns.
type Kind string

const (
	FairValueGap Kind = "fair_value_gap"
	OrderBlock Kind = "order_block"
	BreakerBlock Kind = "breaker_block"
)

// Direction is the bias of a detected structure.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Imbalance is the output: top > bottom, strength > 0.
type Imbalance struct {
	Kind Kind
	Direction Direction
	Strength float64
	Top decimal.Decimal
	Bottom decimal.Decimal
	TsMs int64
}

// Settings mirrors the feature flags and thresholds
type Settings struct {
	MinGapPercentage float64
	MinStrength float64
	FairValueGapEnabled bool
	OrderBlockEnabled bool
	BreakerBlockEnabled bool
}

// Analyzer is stateless; Settings are passed per call so the caller can
// apply a hot-reloaded Config snapshot without reconstructing the type.
type Analyzer struct{}

// New constructs a stateless Analyzer.
func New() *Analyzer { return &Analyzer{} }

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// AnalyzeFairValueGap implements the three-candle Fair-Value-Gap rule.
func (a *Analyzer) AnalyzeFairValueGap(w []candle.Candle, s Settings) *Imbalance {
	if !s.FairValueGapEnabled || len(w) < 3 {
		return nil
	}
	prev := w[len(w)-3]
	mid := w[len(w)-2]
	next := w[len(w)-1]

	if prev.Low.GreaterThan(next.High) && mid.IsLong() {
		gapSize := toFloat(prev.Low.Sub(next.High).Div(next.High).Mul(decimal.NewFromInt(100)))
		if gapSize >= s.MinGapPercentage {
			return &Imbalance{Kind: FairValueGap, Direction: Bullish, Strength: gapSize, Top: prev.Low, Bottom: next.High, TsMs: mid.StartMs}
		}
	}
	if prev.High.LessThan(next.Low) && !mid.IsLong() {
		gapSize := toFloat(next.Low.Sub(prev.High).Div(prev.High).Mul(decimal.NewFromInt(100)))
		if gapSize >= s.MinGapPercentage {
			return &Imbalance{Kind: FairValueGap, Direction: Bearish, Strength: gapSize, Top: next.Low, Bottom: prev.High, TsMs: mid.StartMs}
		}
	}
	return nil
}

// AnalyzeOrderBlock implements the 10-candle Order-Block rule.
func (a *Analyzer) AnalyzeOrderBlock(w []candle.Candle, s Settings) *Imbalance {
	if !s.OrderBlockEnabled || len(w) < 10 {
		return nil
	}
	last := w[len(w)-1]
	window := w[len(w)-10 : len(w)-1] // 9 candles before the last

	if last.IsLong() {
		if o, ok := lastOpposite(window, false); ok {
			move := toFloat(last.Close.Sub(o.High).Div(o.High).Mul(decimal.NewFromInt(100)))
			if move >= 2.0 {
				return &Imbalance{Kind: OrderBlock, Direction: Bullish, Strength: move, Top: o.High, Bottom: o.Low, TsMs: o.StartMs}
			}
		}
	} else {
		if o, ok := lastOpposite(window, true); ok {
			move := toFloat(o.Low.Sub(last.Close).Div(o.Low).Mul(decimal.NewFromInt(100)))
			if move >= 2.0 {
				return &Imbalance{Kind: OrderBlock, Direction: Bearish, Strength: move, Top: o.High, Bottom: o.Low, TsMs: o.StartMs}
			}
		}
	}
	return nil
}

// lastOpposite scans window in reverse for the most recent candle whose
// IsLong() differs from wantLong's complement: wantLong=false looks for
// the last bearish candle (used by the bullish OB path), wantLong=true
// looks for the last bullish candle.
func lastOpposite(window []candle.Candle, wantLong bool) (candle.Candle, bool) {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].IsLong() == wantLong {
			return window[i], true
		}
	}
	return candle.Candle{}, false
}

// AnalyzeBreakerBlock implements the 15-candle Breaker-Block rule.
func (a *Analyzer) AnalyzeBreakerBlock(w []candle.Candle, s Settings) *Imbalance {
	if !s.BreakerBlockEnabled || len(w) < 15 {
		return nil
	}
	last := w[len(w)-1]
	window := w[len(w)-15 : len(w)-1] // 14 candles before the last

	maxHigh := window[0].High
	minLow := window[0].Low
	for _, c := range window[1:] {
		if c.High.GreaterThan(maxHigh) {
			maxHigh = c.High
		}
		if c.Low.LessThan(minLow) {
			minLow = c.Low
		}
	}

	if last.Close.GreaterThan(maxHigh) && last.IsLong() {
		strength := toFloat(last.Close.Sub(maxHigh).Div(maxHigh).Mul(decimal.NewFromInt(100)))
		if strength >= 1.0 {
			return &Imbalance{Kind: BreakerBlock, Direction: Bullish, Strength: strength, Top: maxHigh, Bottom: minLow, TsMs: last.StartMs}
		}
	}
	if last.Close.LessThan(minLow) && !last.IsLong() {
		strength := toFloat(minLow.Sub(last.Close).Div(minLow).Mul(decimal.NewFromInt(100)))
		if strength >= 1.0 {
			return &Imbalance{Kind: BreakerBlock, Direction: Bearish, Strength: strength, Top: maxHigh, Bottom: minLow, TsMs: last.StartMs}
		}
	}
	return nil
}

// AnalyzeAll evaluates FVG, then Order-Block, then Breaker-Block, each
// gated by its flag and by strength >= MinStrength; returns the first
// that passes
func (a *Analyzer) AnalyzeAll(w []candle.Candle, s Settings) *Imbalance {
	if fvg := a.AnalyzeFairValueGap(w, s); fvg != nil && fvg.Strength >= s.MinStrength {
		return fvg
	}
	if ob := a.AnalyzeOrderBlock(w, s); ob != nil && ob.Strength >= s.MinStrength {
		return ob
	}
	if bb := a.AnalyzeBreakerBlock(w, s); bb != nil && bb.Strength >= s.MinStrength {
		return bb
	}
	return nil
}
