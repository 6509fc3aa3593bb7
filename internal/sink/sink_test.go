package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/alert"
)

type fakePersister struct {
	mu sync.Mutex
	saved []alert.Alert
	err error
}

func (f *fakePersister) Insert(ctx context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, a)
	return nil
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeBroadcaster struct {
	mu sync.Mutex
	messages [][]byte
}

func (f *fakeBroadcaster) Broadcast(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeNotifier struct {
	mu sync.Mutex
	channels []string
	err error
}

func (f *fakeNotifier) Publish(channel string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func validAlert() alert.Alert {
	return alert.Alert{Kind: alert.KindVolumeSpike, Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), TsMs: 1_000}
}

func runSink(s *Sink) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return cancel, done
}

// Submit delivers to all three sinks when every leg is wired.
func TestSinkDeliversToAllThreeLegs(t *testing.T) {
	persister := &fakePersister{}
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}
	s := New(persister, broadcaster, notifier, func() bool { return true }, func() int64 { return 5000 }, zap.NewNop())

	cancel, done := runSink(s)
	defer func() { cancel(); <-done }()

	s.Submit(validAlert())

	require.Eventually(t, func() bool { return persister.count() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return broadcaster.count() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, time.Millisecond)
}

// An invalid alert is dropped before reaching any sink.
func TestSinkDropsInvalidAlert(t *testing.T) {
	persister := &fakePersister{}
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}
	s := New(persister, broadcaster, notifier, func() bool { return true }, func() int64 { return 5000 }, zap.NewNop())

	cancel, done := runSink(s)
	defer func() { cancel(); <-done }()

	bad := validAlert()
	bad.TsMs = 0
	s.Submit(bad)
	s.Submit(validAlert())

	require.Eventually(t, func() bool { return persister.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, broadcaster.count())
	assert.Equal(t, 1, notifier.count())
}

// Persister failure does not prevent broadcast/notify delivery (independent failure domains).
func TestSinkPersisterFailureDoesNotBlockOtherSinks(t *testing.T) {
	persister := &fakePersister{err: assertErr{}}
	broadcaster := &fakeBroadcaster{}
	notifier := &fakeNotifier{}
	s := New(persister, broadcaster, notifier, func() bool { return true }, func() int64 { return 5000 }, zap.NewNop())

	cancel, done := runSink(s)
	defer func() { cancel(); <-done }()

	s.Submit(validAlert())

	require.Eventually(t, func() bool { return broadcaster.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 0, persister.count())
}

// Submit never blocks: once the bounded queue saturates, further submits are dropped with a warning.
func TestSinkSubmitDropsOnSaturation(t *testing.T) {
	persister := &fakePersister{}
	s := New(persister, nil, nil, nil, func() int64 { return 5000 }, zap.NewNop())

	for i := 0; i < queueCapacity+10; i++ {
		s.Submit(validAlert())
	}
	// No Run loop draining; queue should be at capacity, excess dropped, no panic/deadlock.
	assert.Equal(t, queueCapacity, len(s.queue))
}

// broadcaster and notifier may be nil, disabling those legs without error.
func TestSinkNilLegsAreSkipped(t *testing.T) {
	persister := &fakePersister{}
	s := New(persister, nil, nil, nil, func() int64 { return 5000 }, zap.NewNop())

	cancel, done := runSink(s)
	defer func() { cancel(); <-done }()

	s.Submit(validAlert())
	require.Eventually(t, func() bool { return persister.count() == 1 }, time.Second, time.Millisecond)
}

type assertErr struct{}

func (assertErr) Error() string { return "persist unavailable" }
