package runner

import (
	"sync"
	"time"

	"github.com/ronsonol82-hash/AiTrade/internal/model"
)

const signalBusTTL = 300 * time.Second

// signalBus is the in-process analogue of the source's RedisSignalBus: a
// single-key, TTL-expiring publish/get slot for the latest signal snapshot.
// The source backed this with Redis (`set(key, packed, ex=300)`); no message
// broker dependency exists anywhere in the retrieved pack, so this keeps the
// same publish/get-with-TTL contract in-process instead. A signal producer
// running in the same process calls Publish (via Runner.PublishSignals);
// maybeReloadSignals tries the bus first and only falls back to re-reading
// the signals file on a miss.
type signalBus struct {
	mu          sync.RWMutex
	signals     map[string]model.Signal
	publishedAt time.Time
	ttl         time.Duration
}

func newSignalBus(ttl time.Duration) *signalBus {
	if ttl <= 0 {
		ttl = signalBusTTL
	}
	return &signalBus{ttl: ttl}
}

// Publish replaces the bus's snapshot and resets its TTL clock. Mirrors
// publish_signals.
func (b *signalBus) Publish(signals map[string]model.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = signals
	b.publishedAt = time.Now()
}

// Get returns the current snapshot iff it hasn't expired. Mirrors
// get_signals's "read or miss" contract, reporting the miss explicitly so
// the caller can fall back to the file.
func (b *signalBus) Get() (map[string]model.Signal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.signals == nil || time.Since(b.publishedAt) > b.ttl {
		return nil, false
	}
	return b.signals, true
}
