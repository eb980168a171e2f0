package udp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/postalsys/metroo-relay/internal/logging"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentPacket struct {
	data []byte
	addr net.Addr
}

// mockSocket records every datagram written to it.
type mockSocket struct {
	mu      sync.Mutex
	packets []sentPacket
	err     error
}

func (m *mockSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return 0, m.err
	}
	m.packets = append(m.packets, sentPacket{data: append([]byte(nil), p...), addr: addr})
	return len(p), nil
}

func (m *mockSocket) sent() []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentPacket(nil), m.packets...)
}

var errSocketClosed = errors.New("socket closed")

func newTestServer(ports PortRange, socket PacketWriter, clock *fakeClock) *Server {
	cfg := DefaultConfig()
	cfg.Ports = ports

	s, err := NewServer(cfg, socket, logging.NopLogger())
	if err != nil {
		panic(err)
	}
	if clock != nil {
		s.now = clock.Now
	}
	return s
}

func clientAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 9000}
}

func testKey() [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = byte(0xA0 + i)
	}
	return key
}
