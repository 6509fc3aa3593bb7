// Package signal implements the SignalEngine: one actor per symbol,
// consuming candle events and emitting volume-spike, consecutive-run, and
// priority alerts, ported in meaning from alert/alert_manager.py.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/alert"
	"github.com/fotonphotos/microstream-alerts/internal/candle"
	"github.com/fotonphotos/microstream-alerts/internal/imbalance"
)

const mailboxCapacity = 256

// Settings is the subset of the hot-reloadable Config the engine consults,
// read by value at the start of each candle's processing so a config reload
// mid-candle never mixes old and new thresholds.
type Settings struct {
	AnalysisHours int
	OffsetMinutes int
	VolumeMultiplier float64
	MinVolumeUsdt decimal.Decimal
	ConsecutiveLongCount int
	AlertGroupingMinutes int
	VolumeType candle.VolumeType

	VolumeEnabled bool
	ConsecutiveEnabled bool
	PriorityEnabled bool
	ImbalanceEnabled bool
	OrderbookSnapshotOnAlert bool

	ImbalanceSettings imbalance.Settings
}

// PreliminarySignal is the in-flight Phase-A spike awaiting its Phase-B
// confirmation PerSymbolState.
type PreliminarySignal struct {
	TsMs int64
	Ratio float64
	VolumeUsdt decimal.Decimal
	AvgVolumeUsdt decimal.Decimal
}

// PerSymbolState is owned exclusively by one actor goroutine; no locks
// needed since state never crosses a goroutine boundary.
type PerSymbolState struct {
	ConsecutiveLong int
	LastAlertTs map[alert.Kind]int64
	Preliminary *PreliminarySignal
}

func newPerSymbolState() *PerSymbolState {
	return &PerSymbolState{LastAlertTs: make(map[alert.Kind]int64)}
}

// AlertSubmitter is the minimal dependency: push one alert into the
// sink's bounded queue. Defined here (not imported from package sink) so
// Engine has no dependency on AlertSink's persistence/broadcast plumbing.
type AlertSubmitter interface {
	Submit(a alert.Alert)
}

// OrderBookSource is the best-effort snapshot collaborator consulted when a
// closed-candle volume spike fires with OrderbookSnapshotOnAlert set.
type OrderBookSource interface {
	Snapshot(ctx context.Context, symbol string) *alert.OrderBookSnapshot
}

type mailboxItem struct {
	Candle candle.Candle
	IsClosed bool
}

// Engine is the SignalEngine.
type Engine struct {
	store candle.Store
	imbalancer *imbalance.Analyzer
	orderbook OrderBookSource
	sink AlertSubmitter
	nowMs func() int64
	settings func() Settings
	logger *zap.Logger
	validators Validators

	mu sync.Mutex
	mailboxes map[string]chan mailboxItem

	wg sync.WaitGroup
}

// New builds an Engine. orderbook may be nil to disable snapshot
// attachment regardless of the OrderbookSnapshotOnAlert flag.
func New(store candle.Store, imbalancer *imbalance.Analyzer, orderbook OrderBookSource, sink AlertSubmitter, nowMs func() int64, settings func() Settings, logger *zap.Logger) *Engine {
	return &Engine{
		store: store,
		imbalancer: imbalancer,
		orderbook: orderbook,
		sink: sink,
		nowMs: nowMs,
		settings: settings,
		logger: logger,
		mailboxes: make(map[string]chan mailboxItem),
	}
}

// OnCandle is the entry point invoked by the feed consumer loop for every
// normalized candle event. Per-symbol ordering is preserved by the
// mailbox; cross-symbol ordering is not guaranteed.
func (e *Engine) OnCandle(ctx context.Context, symbol string, c candle.Candle, isClosed bool) {
	mailbox := e.mailboxFor(ctx, symbol)
	item := mailboxItem{Candle: c, IsClosed: isClosed}
	select {
	case mailbox <- item:
	default:
		if isClosed {
			// A closed candle waits up to one second for mailbox space
			// before it is dropped, unlike an open-candle tick which is
			// dropped at once.
			select {
			case mailbox <- item:
			case <-ctx.Done():
			case <-time.After(time.Second):
				e.logger.Warn("signal mailbox saturated, dropped closed candle", zap.String("symbol", symbol))
			}
		} else {
			e.logger.Warn("signal mailbox saturated, dropped open-candle tick", zap.String("symbol", symbol))
		}
	}
}

func (e *Engine) mailboxFor(ctx context.Context, symbol string) chan mailboxItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mb, ok := e.mailboxes[symbol]; ok {
		return mb
	}
	mb := make(chan mailboxItem, mailboxCapacity)
	e.mailboxes[symbol] = mb
	e.wg.Add(1)
	go e.runActor(ctx, symbol, mb)
	return mb
}

func (e *Engine) runActor(ctx context.Context, symbol string, mailbox chan mailboxItem) {
	defer e.wg.Done()
	state := newPerSymbolState()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-mailbox:
			e.process(ctx, symbol, state, item.Candle, item.IsClosed)
		}
	}
}

// Wait blocks until every actor goroutine has exited (ctx cancelled).
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) process(ctx context.Context, symbol string, state *PerSymbolState, c candle.Candle, isClosed bool) {
	s := e.settings()
	if isClosed {
		e.processClosed(ctx, symbol, state, c, s)
	} else {
		e.processOpen(ctx, symbol, state, c, s)
	}
}

// processOpen handles an in-progress candle update: preliminary volume-spike
// detection only, no candle is final yet.
func (e *Engine) processOpen(ctx context.Context, symbol string, state *PerSymbolState, c candle.Candle, s Settings) {
	if !s.VolumeEnabled {
		return
	}
	if !c.IsLong() {
		return
	}
	candleUsdt := c.VolumeUsdt()
	if candleUsdt.LessThan(s.MinVolumeUsdt) {
		return
	}

	historical, err := e.store.GetHistoricalBaseline(ctx, symbol, s.AnalysisHours, s.OffsetMinutes, e.nowMs(), s.VolumeType)
	if err != nil {
		e.logger.Debug("baseline query failed, skipping preliminary check", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	check, ok := e.validators.ValidateVolume(true, candleUsdt, s.MinVolumeUsdt, historical, s.VolumeMultiplier)
	if !ok {
		return
	}

	now := e.nowMs()
	state.Preliminary = &PreliminarySignal{TsMs: now, Ratio: check.Ratio, VolumeUsdt: check.VolumeUsdt, AvgVolumeUsdt: check.AvgVolumeUsdt}
	state.LastAlertTs[alert.KindPreliminaryVolumeSpike] = now

	e.sink.Submit(alert.Alert{
		Kind: alert.KindPreliminaryVolumeSpike,
		Symbol: symbol,
		Price: c.Close,
		TsMs: now,
		IsClosed: false,
		VolumeRatio: &check.Ratio,
		VolumeUsdt: &check.VolumeUsdt,
		AvgVolumeUsdt: &check.AvgVolumeUsdt,
		Message: "preliminary volume spike",
	})
}

// processClosed runs the full detection pass on a finalized candle, in
// order: updates the consecutive-long counter, resolves any pending
// preliminary volume signal, runs the cooldown-gated volume-spike and
// consecutive-run checks (attaching imbalance structure to what they emit),
// then evaluates priority composition.
func (e *Engine) processClosed(ctx context.Context, symbol string, state *PerSymbolState, c candle.Candle, s Settings) {
	now := e.nowMs()
	closeTs := c.EndMs

	// Step 1: update consecutiveLong.
	if c.IsLong() {
		state.ConsecutiveLong++
	} else {
		state.ConsecutiveLong = 0
	}

	var emitted []alert.Alert

	// Step 2: resolve pending preliminary.
	if state.Preliminary != nil {
		isTrue := c.IsLong()
		a := alert.Alert{
			Kind: alert.KindFinalVolumeSpike,
			Symbol: symbol,
			Price: c.Close,
			TsMs: c.StartMs,
			CloseTsMs: &closeTs,
			IsClosed: true,
			IsTrueSignal: &isTrue,
			PreliminaryTsMs: &state.Preliminary.TsMs,
			VolumeRatio: &state.Preliminary.Ratio,
			VolumeUsdt: &state.Preliminary.VolumeUsdt,
			AvgVolumeUsdt: &state.Preliminary.AvgVolumeUsdt,
			Message: "final volume spike",
		}
		e.sink.Submit(a)
		emitted = append(emitted, a)
		state.Preliminary = nil
	}

	// Step 3: authoritative volume check with cooldown.
	var volumeSpikeJustEmitted bool
	if s.VolumeEnabled {
		candleUsdt := c.VolumeUsdt()
		cooldownOK := e.validators.Cooldown(state.LastAlertTs[alert.KindVolumeSpike], now, s.AlertGroupingMinutes)
		if cooldownOK {
			historical, err := e.store.GetHistoricalBaseline(ctx, symbol, s.AnalysisHours, s.OffsetMinutes, now, s.VolumeType)
			if err != nil {
				e.logger.Debug("baseline query failed, skipping volume spike check", zap.String("symbol", symbol), zap.Error(err))
			} else if check, ok := e.validators.ValidateVolume(c.IsLong(), candleUsdt, s.MinVolumeUsdt, historical, s.VolumeMultiplier); ok {
				isTrue := true
				a := alert.Alert{
					Kind: alert.KindVolumeSpike,
					Symbol: symbol,
					Price: c.Close,
					TsMs: c.StartMs,
					CloseTsMs: &closeTs,
					IsClosed: true,
					IsTrueSignal: &isTrue,
					VolumeRatio: &check.Ratio,
					VolumeUsdt: &check.VolumeUsdt,
					AvgVolumeUsdt: &check.AvgVolumeUsdt,
					Message: "volume spike",
				}
				e.attachStructure(ctx, symbol, &a, s)
				if e.orderbook != nil && s.OrderbookSnapshotOnAlert {
					a.OrderBookSnapshot = e.orderbook.Snapshot(ctx, symbol)
				}
				e.sink.Submit(a)
				emitted = append(emitted, a)
				state.LastAlertTs[alert.KindVolumeSpike] = now
				volumeSpikeJustEmitted = true
			}
		}
	}

	// Step 4: consecutive-run check with its own independent cooldown.
	var consecutiveJustEmitted bool
	var consecutiveCountAtEmit int
	if s.ConsecutiveEnabled && e.validators.ValidateConsecutive(state.ConsecutiveLong, s.ConsecutiveLongCount) {
		if e.validators.Cooldown(state.LastAlertTs[alert.KindConsecutiveLong], now, s.AlertGroupingMinutes) {
			count := state.ConsecutiveLong
			a := alert.Alert{
				Kind: alert.KindConsecutiveLong,
				Symbol: symbol,
				Price: c.Close,
				TsMs: c.StartMs,
				CloseTsMs: &closeTs,
				IsClosed: true,
				ConsecutiveCount: &count,
				Message: "consecutive long run",
			}
			e.attachStructure(ctx, symbol, &a, s)
			e.sink.Submit(a)
			emitted = append(emitted, a)
			state.LastAlertTs[alert.KindConsecutiveLong] = now
			consecutiveJustEmitted = true
			consecutiveCountAtEmit = count
		}
	}

	// Step 5: priority composition.
	if s.PriorityEnabled && consecutiveJustEmitted {
		recentVolumeWindowMs := int64(consecutiveCountAtEmit) * 60_000
		lastPreliminary := state.LastAlertTs[alert.KindPreliminaryVolumeSpike]
		preliminaryRecent := lastPreliminary != 0 && now-lastPreliminary <= recentVolumeWindowMs
		lastVolumeRecent := state.LastAlertTs[alert.KindVolumeSpike] != 0 && now-state.LastAlertTs[alert.KindVolumeSpike] <= recentVolumeWindowMs
		hasVolumeSignal := volumeSpikeJustEmitted || preliminaryRecent || lastVolumeRecent

		if e.validators.ValidatePriority(consecutiveJustEmitted, hasVolumeSignal) {
			count := consecutiveCountAtEmit
			a := alert.Alert{
				Kind: alert.KindPriority,
				Symbol: symbol,
				Price: c.Close,
				TsMs: c.StartMs,
				CloseTsMs: &closeTs,
				IsClosed: true,
				ConsecutiveCount: &count,
				Message: "priority signal",
			}
			// Carry the volume fields from whichever constituent fired.
			for _, e2 := range emitted {
				if e2.Kind == alert.KindVolumeSpike {
					a.VolumeRatio, a.VolumeUsdt, a.AvgVolumeUsdt = e2.VolumeRatio, e2.VolumeUsdt, e2.AvgVolumeUsdt
					a.HasImbalance = e2.HasImbalance
					a.Imbalance = e2.Imbalance
					break
				}
			}
			if a.Imbalance == nil {
				for _, e2 := range emitted {
					if e2.Kind == alert.KindConsecutiveLong && e2.HasImbalance {
						a.HasImbalance = true
						a.Imbalance = e2.Imbalance
						break
					}
				}
			}
			e.sink.Submit(a)
		}
	}
}

// attachStructure implements step 6: consult over the last <=20 closed
// candles (require >=15) and attach the result if found.
func (e *Engine) attachStructure(ctx context.Context, symbol string, a *alert.Alert, s Settings) {
	if !s.ImbalanceEnabled {
		return
	}
	window, err := e.store.GetRecentClosed(ctx, symbol, 20)
	if err != nil || len(window) < 15 {
		return
	}
	imb := e.imbalancer.AnalyzeAll(window, s.ImbalanceSettings)
	if imb == nil {
		return
	}
	a.HasImbalance = true
	a.Imbalance = imb
}

