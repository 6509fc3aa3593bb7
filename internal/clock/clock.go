// Package clock implements the TimeService: a trusted-UTC offset tracker
// that the rest of the pipeline uses for all minute-grid arithmetic.
package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	minuteMs = int64(60_000)

	// staleFactor is how many refresh intervals may elapse before a
	// source is considered stale ("> 2x their refresh interval").
	staleFactor = 2
)

// SyncMethod selects which upstream offset NowMs prefers.
type SyncMethod string

const (
	SyncAuto SyncMethod = "auto"
	SyncExchangeOnly SyncMethod = "exchange_only"
	SyncTimeServersOnly SyncMethod = "time_servers_only"
)

// TimeSource fetches a trusted time sample and returns the round-trip
// it took, so the caller can halve it out of the offset calculation.
type TimeSource interface {
	// Fetch returns the remote UTC time at the moment of response and the
	// total round-trip duration of the call.
	Fetch(ctx context.Context) (remoteUTC time.Time, roundTrip time.Duration, err error)
}

type offsetState struct {
	mu sync.RWMutex
	offset time.Duration
	lastSync time.Time
	refresh time.Duration
	synced bool
}

func (s *offsetState) set(offset time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
	s.lastSync = at
	s.synced = true
}

func (s *offsetState) snapshot() (offset time.Duration, synced bool, stale bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.synced {
		return 0, false, true
	}
	stale = time.Since(s.lastSync) > staleFactor*s.refresh
	return s.offset, s.synced, stale
}

// Service is the TimeService: NowMs/IsCandleClosed/AlignDownToMinute,
// backed by a dual-offset trusted-UTC + exchange-time sync loop.
type Service struct {
	logger *zap.Logger

	trusted *offsetState
	exchange *offsetState

	trustedSource TimeSource
	exchangeSource TimeSource

	trustedInterval time.Duration
	exchangeInterval time.Duration

	mu sync.RWMutex
	syncMethod SyncMethod
}

// Option configures Service construction.
type Option func(*Service)

// WithSyncMethod overrides the default "auto" selection policy.
func WithSyncMethod(m SyncMethod) Option {
	return func(s *Service) { s.syncMethod = m }
}

// New constructs a Service. trustedSource and exchangeSource may be nil,
// in which case that offset never becomes synced and NowMs falls back
// further down the priority chain (ultimately system UTC).
func New(logger *zap.Logger, trustedSource, exchangeSource TimeSource, trustedInterval, exchangeInterval time.Duration, opts ...Option) *Service {
	if trustedInterval <= 0 {
		trustedInterval = time.Hour
	}
	if exchangeInterval <= 0 {
		exchangeInterval = 5 * time.Minute
	}
	s := &Service{
		logger: logger,
		trusted: &offsetState{refresh: trustedInterval},
		exchange: &offsetState{refresh: exchangeInterval},
		trustedSource: trustedSource,
		exchangeSource: exchangeSource,
		trustedInterval: trustedInterval,
		exchangeInterval: exchangeInterval,
		syncMethod: SyncAuto,
	}
	return s
}

// Run drives the periodic resync loop until ctx is cancelled. Intended to
// be supervised like any other long-running worker.
func (s *Service) Run(ctx context.Context) error {
	s.syncTrusted(ctx)
	s.syncExchange(ctx)

	trustedTicker := time.NewTicker(s.trustedInterval)
	defer trustedTicker.Stop()
	exchangeTicker := time.NewTicker(s.exchangeInterval)
	defer exchangeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trustedTicker.C:
			s.syncTrusted(ctx)
		case <-exchangeTicker.C:
			s.syncExchange(ctx)
		}
	}
}

func (s *Service) syncTrusted(ctx context.Context) {
	if s.trustedSource == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	remote, rtt, err := s.trustedSource.Fetch(cctx)
	if err != nil {
		s.logger.Warn("trusted time source sync failed", zap.Error(err))
		return
	}
	now := time.Now()
	adjusted := remote.Add(rtt / 2)
	s.trusted.set(adjusted.Sub(now), now)
	s.logger.Debug("trusted UTC offset refreshed", zap.Duration("offset", s.trusted.offset))
}

func (s *Service) syncExchange(ctx context.Context) {
	if s.exchangeSource == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	remote, rtt, err := s.exchangeSource.Fetch(cctx)
	if err != nil {
		s.logger.Warn("exchange time source sync failed", zap.Error(err))
		return
	}
	now := time.Now()
	adjusted := remote.Add(rtt / 2)
	s.exchange.set(adjusted.Sub(now), now)
	s.logger.Debug("exchange time offset refreshed", zap.Duration("offset", s.exchange.offset))
}

// SetSyncMethod changes the offset-selection policy at runtime.
func (s *Service) SetSyncMethod(m SyncMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncMethod = m
}

func (s *Service) method() SyncMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncMethod
}

// NowMs returns the current trusted-UTC time in epoch milliseconds,
// never blocking and never erroring: it fails soft to system UTC.
func (s *Service) NowMs() int64 {
	trustedOffset, trustedSynced, trustedStale := s.trusted.snapshot()
	exchangeOffset, exchangeSynced, exchangeStale := s.exchange.snapshot()

	switch s.method() {
	case SyncTimeServersOnly:
		if trustedSynced && !trustedStale {
			return applyOffset(trustedOffset)
		}
	case SyncExchangeOnly:
		if exchangeSynced && !exchangeStale {
			return applyOffset(exchangeOffset)
		}
	default: // SyncAuto: trusted-UTC takes priority
		if trustedSynced && !trustedStale {
			return applyOffset(trustedOffset)
		}
		if exchangeSynced && !exchangeStale {
			return applyOffset(exchangeOffset)
		}
	}
	return time.Now().UnixMilli()
}

func applyOffset(offset time.Duration) int64 {
	return time.Now().Add(offset).UnixMilli()
}

// IsSynced reports whether either offset source is fresh.
func (s *Service) IsSynced() bool {
	_, trustedSynced, trustedStale := s.trusted.snapshot()
	_, exchangeSynced, exchangeStale := s.exchange.snapshot()
	return (trustedSynced && !trustedStale) || (exchangeSynced && !exchangeStale)
}

// SyncStatus is an operator-visibility snapshot, grounded on the
// original TimeManager.get_sync_status payload.
type SyncStatus struct {
	IsSynced bool `json:"is_synced"`
	SyncMethod SyncMethod `json:"sync_method"`
	UTCTimeMs int64 `json:"utc_time_ms"`
	TrustedSynced bool `json:"trusted_synced"`
	ExchangeSynced bool `json:"exchange_synced"`
}

// GetSyncStatus returns a point-in-time view of the sync state.
func (s *Service) GetSyncStatus() SyncStatus {
	_, trustedSynced, trustedStale := s.trusted.snapshot()
	_, exchangeSynced, exchangeStale := s.exchange.snapshot()
	return SyncStatus{
		IsSynced: s.IsSynced(),
		SyncMethod: s.method(),
		UTCTimeMs: s.NowMs(),
		TrustedSynced: trustedSynced && !trustedStale,
		ExchangeSynced: exchangeSynced && !exchangeStale,
	}
}

// AlignDownToMinute floors a millisecond timestamp to the enclosing
// minute boundary. Centralised here design note: never derive
// minutes from wall-clock strings.
func AlignDownToMinute(ms int64) int64 {
	if ms < 0 {
		return ms - (minuteMs + ms%minuteMs)%minuteMs
	}
	return ms - ms%minuteMs
}

// IsCandleClosed reports whether a candle ending at endMs has closed as
// of the current trusted time.
func (s *Service) IsCandleClosed(endMs int64) bool {
	return s.NowMs() >= endMs
}
