package udp

import (
	"fmt"
	"time"

	"github.com/postalsys/metroo-relay/internal/protocol"
)

// MaxPortAttempts is how many random candidates AssignPort draws before
// giving up.
const MaxPortAttempts = 150

// PortRange is an inclusive range of local UDP ports.
type PortRange struct {
	Min uint16
	Max uint16
}

// Empty reports whether the range holds no allocatable ports.
// Port 0 is reserved for packets not yet bound to a connection, so a range
// starting at 0 is rejected as a whole.
func (r PortRange) Empty() bool {
	return r.Min == 0 || r.Max < r.Min
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Empty() {
		return 0
	}
	return int(r.Max) - int(r.Min) + 1
}

// Contains reports whether port is inside the range.
func (r PortRange) Contains(port uint16) bool {
	return !r.Empty() && port >= r.Min && port <= r.Max
}

// String returns the range as "min-max".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Config holds configuration for the connection registry.
type Config struct {
	// Ports is the range connection ports are allocated from.
	Ports PortRange

	// ConnTTL is how long a connection lives without a refresh.
	ConnTTL time.Duration

	// MaxConnections limits concurrent connections.
	// 0 means limited only by the port range.
	MaxConnections int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ports:          PortRange{Min: 40000, Max: 50000},
		ConnTTL:        protocol.DefaultConnLifetime,
		MaxConnections: 0,
	}
}
