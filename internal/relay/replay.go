package relay

import (
	"sync"
	"time"

	"github.com/postalsys/metroo-relay/internal/crypto"
)

// replayCache remembers CLIENTHELLO proof nonces for the accepted clock
// window so a captured hello cannot open a second session. Only proofs
// that opened under a user's key are recorded.
type replayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[[crypto.NonceSize]byte]time.Time
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{
		window: window,
		seen:   make(map[[crypto.NonceSize]byte]time.Time),
	}
}

// admit reports whether a proof sent at sentAt is fresh at now and records
// its nonce. A proof outside the window either side of now, or one whose
// nonce was already admitted, is refused.
func (c *replayCache) admit(nonce [crypto.NonceSize]byte, sentAt, now time.Time) bool {
	skew := now.Sub(sentAt)
	if skew > c.window || skew < -c.window {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[nonce]; dup {
		return false
	}
	// Kept until the proof could no longer pass the skew check.
	c.seen[nonce] = sentAt.Add(c.window)
	return true
}

// prune forgets nonces whose proofs have left the window.
func (c *replayCache) prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for nonce, until := range c.seen {
		if now.After(until) {
			delete(c.seen, nonce)
			removed++
		}
	}
	return removed
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.seen)
}
