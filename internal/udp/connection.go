package udp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/metroo-relay/internal/protocol"
)

// Connection is one client tunnel session.
type Connection struct {
	mu sync.RWMutex

	// Identifiers
	id       uint16    // Allocated local port
	clientID uuid.UUID // Authenticated user

	// Peer
	addr   *net.UDPAddr
	method protocol.EncryptMethod

	// Outgoing header template
	header protocol.Header

	// Lifetime
	ttl       time.Duration
	createdAt time.Time
	now       func() time.Time
}

// NewConnection creates a connection bound to port with the default TTL.
func NewConnection(port uint16, method protocol.EncryptMethod, addr *net.UDPAddr, clientID uuid.UUID) *Connection {
	return newConnection(port, method, addr, clientID, protocol.DefaultConnLifetime, time.Now)
}

func newConnection(port uint16, method protocol.EncryptMethod, addr *net.UDPAddr, clientID uuid.UUID,
	ttl time.Duration, now func() time.Time) *Connection {

	return &Connection{
		id:       port,
		clientID: clientID,
		addr:     addr,
		method:   method,
		header: protocol.Header{
			PacketNum: 0,
			MsgType:   uint8(protocol.MsgClientHello),
			AuthType:  uint8(method),
			Fragment:  0,
			ConnID:    port,
		},
		ttl:       ttl,
		createdAt: now(),
		now:       now,
	}
}

// ID returns the connection ID, which is also its local port.
func (c *Connection) ID() uint16 {
	return c.id
}

// ClientID returns the authenticated user's ID.
func (c *Connection) ClientID() uuid.UUID {
	return c.clientID
}

// Addr returns the client's address.
func (c *Connection) Addr() *net.UDPAddr {
	return c.addr
}

// Method returns the connection's encryption method.
func (c *Connection) Method() protocol.EncryptMethod {
	return c.method
}

// TTL returns the connection lifetime.
func (c *Connection) TTL() time.Duration {
	return c.ttl
}

// CreatedAt returns when the connection was created or last refreshed.
func (c *Connection) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.createdAt
}

// Header returns a copy of the header template.
func (c *Connection) Header() protocol.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.header
}

// IsAlive reports whether less than TTL has elapsed since creation or the
// last refresh. A connection exactly at its TTL is dead.
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.now().Sub(c.createdAt) < c.ttl
}

// ResetLifetime restarts the TTL from now.
func (c *Connection) ResetLifetime() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.createdAt = c.now()
}

// MatchesAddr reports whether addr is the connection's client address.
func (c *Connection) MatchesAddr(addr *net.UDPAddr) bool {
	if addr == nil || c.addr == nil {
		return false
	}
	return c.addr.Port == addr.Port && c.addr.IP.Equal(addr.IP)
}

// nextHeader returns the template with the given type and length, stamped
// with the next packet number.
func (c *Connection) nextHeader(msgType uint8, dataLen int) protocol.Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.header
	h.MsgType = msgType
	h.DataLen = uint16(dataLen)
	c.header.PacketNum++

	return h
}
