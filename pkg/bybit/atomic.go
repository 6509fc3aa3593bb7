package bybit

import (
	"sync"
	"time"
)

// atomic64 guards a time.Time behind a mutex; the feed's watchdog reads
// it far less often than the read loop writes it, so a plain lock beats
// the complexity of encoding time.Time into an atomic.Int64.
type atomic64 struct {
	mu sync.Mutex
	t time.Time
}

func (a *atomic64) store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64) load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
