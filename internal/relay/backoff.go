package relay

import "time"

const (
	readBackoffInitial = 5 * time.Millisecond
	readBackoffMax     = time.Second
)

// readBackoff spaces out retries of a socket read that keeps failing,
// doubling from readBackoffInitial up to readBackoffMax. A successful
// read resets it.
type readBackoff struct {
	attempt int
}

// next returns the delay before the next read and advances the attempt.
func (b *readBackoff) next() time.Duration {
	delay := readBackoffInitial
	for i := 0; i < b.attempt && delay < readBackoffMax; i++ {
		delay *= 2
	}
	if delay > readBackoffMax {
		delay = readBackoffMax
	}

	b.attempt++
	return delay
}

func (b *readBackoff) reset() {
	b.attempt = 0
}
