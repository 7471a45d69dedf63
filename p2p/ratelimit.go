package p2p

import (
	"math"
	"sync"
	"time"
)

// tokenBucket enforces a refillable inbound message budget per connection.
// A nil bucket admits everything.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
}

func newTokenBucket(rate, burst float64) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < rate {
		burst = rate
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{capacity: burst, tokens: burst, rate: rate, last: time.Now()}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.After(b.last) {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
