package p2p

import (
	"sync"
	"time"
)

// nonceCache remembers recently observed handshake nonces so a captured hello
// cannot be replayed within the signature skew window.
type nonceCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newNonceCache(ttl time.Duration) *nonceCache {
	if ttl <= 0 {
		ttl = 2 * handshakeSkewAllowance
	}
	return &nonceCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// Remember records the nonce and reports whether it was fresh. Expired
// entries are pruned opportunistically on each call.
func (c *nonceCache) Remember(nonce string, now time.Time) bool {
	if c == nil || nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, stamp := range c.seen {
		if now.Sub(stamp) > c.ttl {
			delete(c.seen, key)
		}
	}
	if _, dup := c.seen[nonce]; dup {
		return false
	}
	c.seen[nonce] = now
	return true
}
