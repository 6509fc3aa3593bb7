// Package sink implements the AlertSink: a bounded-channel fan-out to
// three independent delivery sinks, grounded on the reference implementation's
// pkg/broadcaster (client-bus) and internal/publisher (notification
// channel) adapted to a typed Alert payload instead of raw exchange ticks.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/alert"
)

const queueCapacity = 1024

// Persister writes an Alert to the sibling alerts table.
type Persister interface {
	Insert(ctx context.Context, a alert.Alert) error
}

// Broadcaster pushes a raw message to every connected client-bus socket,
// satisfied by pkg/broadcaster.Broadcaster.
type Broadcaster interface {
	Broadcast(message []byte)
}

// Notifier dispatches an alert to the out-of-scope formatting layer
// (Telegram etc.) via a Redis channel, satisfied by
// internal/publisher.RedisPublisher.
type Notifier interface {
	Publish(channel string, data interface{}) error
}

// SyncStatusSource reports whether clock is currently synced, for the
// `utc_synced` field in the broadcast envelope.
type SyncStatusSource func() bool

// Sink is the AlertSink.
type Sink struct {
	persister Persister
	broadcaster Broadcaster
	notifier Notifier
	syncStatus SyncStatusSource
	nowMs func() int64
	logger *zap.Logger

	queue chan alert.Alert
}

// New builds a Sink. broadcaster and notifier may be nil to disable that
// delivery leg (e.g. in tests); persister may not.
func New(persister Persister, broadcaster Broadcaster, notifier Notifier, syncStatus SyncStatusSource, nowMs func() int64, logger *zap.Logger) *Sink {
	return &Sink{
		persister: persister,
		broadcaster: broadcaster,
		notifier: notifier,
		syncStatus: syncStatus,
		nowMs: nowMs,
		logger: logger,
		queue: make(chan alert.Alert, queueCapacity),
	}
}

// Submit enqueues an alert for delivery. Never blocks the SignalEngine:
// drops with a warning on saturation
func (s *Sink) Submit(a alert.Alert) {
	select {
	case s.queue <- a:
	default:
		s.logger.Warn("alert sink queue saturated, dropping alert",
			zap.String("symbol", a.Symbol), zap.String("kind", string(a.Kind)))
	}
}

// Run drains the queue until ctx is cancelled, delivering each alert to all
// three sinks with independent failure domains: one sink's failure never
// affects the others.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-s.queue:
			s.deliver(ctx, a)
		}
	}
}

func (s *Sink) deliver(ctx context.Context, a alert.Alert) {
	if err := a.Validate(); err != nil {
		s.logger.Warn("dropping invalid alert", zap.Error(err))
		return
	}

	if err := s.persister.Insert(ctx, a); err != nil {
		s.logger.Warn("alert persistence failed", zap.String("symbol", a.Symbol), zap.Error(err))
	}

	if s.broadcaster != nil {
		s.broadcastAlert(a)
	}
	if s.notifier != nil {
		s.notifyAlert(a)
	}
}

type broadcastEnvelope struct {
	Type string `json:"type"`
	Alert alert.Alert `json:"alert"`
	ServerTimestamp int64 `json:"server_timestamp"`
	UTCSynced bool `json:"utc_synced"`
}

func (s *Sink) broadcastAlert(a alert.Alert) {
	synced := false
	if s.syncStatus != nil {
		synced = s.syncStatus()
	}
	envelope := broadcastEnvelope{Type: "new_alert", Alert: a, ServerTimestamp: s.nowMs(), UTCSynced: synced}
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn("alert broadcast marshal failed", zap.Error(err))
		return
	}
	s.broadcaster.Broadcast(payload)
}

func (s *Sink) notifyAlert(a alert.Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		s.logger.Warn("alert notify marshal failed", zap.Error(err))
		return
	}
	channel := fmt.Sprintf("notifications:%s", a.Kind)
	if err := s.notifier.Publish(channel, payload); err != nil {
		s.logger.Warn("alert notify publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

