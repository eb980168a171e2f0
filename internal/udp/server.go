package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/metroo-relay/internal/crypto"
	"github.com/postalsys/metroo-relay/internal/logging"
	"github.com/postalsys/metroo-relay/internal/protocol"
)

var (
	// ErrInvalidPortRange is returned when the configured port range is empty
	ErrInvalidPortRange = errors.New("port range must contain at least one port")

	// ErrResourceExhausted is returned when no free port is found
	ErrResourceExhausted = errors.New("no free port available")

	// ErrUnknownConnection is returned for operations on a connection ID
	// that is not registered. It always indicates a caller bug or a race
	// with expiry, never a condition to ignore.
	ErrUnknownConnection = errors.New("unknown connection")
)

// PacketWriter is the outbound socket. *net.UDPConn satisfies it.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// entry is one registry slot. auth is nil for unencrypted connections.
type entry struct {
	conn *Connection
	auth *crypto.Authenticator
}

// Server is the registry of live connections.
type Server struct {
	mu      sync.RWMutex
	entries map[uint16]*entry

	config  Config
	socket  PacketWriter
	logger  *slog.Logger
	now     func() time.Time
	onEvict func(*Connection)
}

// NewServer creates a registry that sends through socket.
func NewServer(cfg Config, socket PacketWriter, logger *slog.Logger) (*Server, error) {
	if cfg.Ports.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPortRange, cfg.Ports)
	}
	if cfg.ConnTTL <= 0 {
		cfg.ConnTTL = protocol.DefaultConnLifetime
	}

	return &Server{
		entries: make(map[uint16]*entry),
		config:  cfg,
		socket:  socket,
		logger:  logging.Component(logger, "registry"),
		now:     time.Now,
	}, nil
}

// OnEvict registers a function called after a connection is removed,
// either by expiry or explicitly. It runs outside the registry lock.
func (s *Server) OnEvict(fn func(*Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onEvict = fn
}

// Ports returns the allocatable port range.
func (s *Server) Ports() PortRange {
	return s.config.Ports
}

// AssignPort returns a random port from the range that no live connection
// uses. It gives up after MaxPortAttempts draws.
func (s *Server) AssignPort() (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.assignPortLocked()
}

func (s *Server) assignPortLocked() (uint16, error) {
	size := s.config.Ports.Size()

	for i := 0; i < MaxPortAttempts; i++ {
		port := s.config.Ports.Min + uint16(rand.Intn(size))
		if _, taken := s.entries[port]; !taken {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: %d attempts in %s", ErrResourceExhausted, MaxPortAttempts, s.config.Ports)
}

// Open admits a client session: it builds the authenticator for encrypted
// methods, allocates a port and registers the connection. Allocation and
// registration happen under one lock, so concurrent opens never share a port.
func (s *Server) Open(method protocol.EncryptMethod, addr *net.UDPAddr, clientID uuid.UUID,
	key [crypto.KeySize]byte) (*Connection, error) {

	var auth *crypto.Authenticator
	if method.Encrypted() {
		var err error
		auth, err = crypto.NewAuthenticator(clientID, key, method)
		if err != nil {
			return nil, fmt.Errorf("create authenticator: %w", err)
		}
	}

	s.mu.Lock()
	if s.config.MaxConnections > 0 && len(s.entries) >= s.config.MaxConnections {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: connection limit %d reached", ErrResourceExhausted, s.config.MaxConnections)
	}

	port, err := s.assignPortLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	conn := newConnection(port, method, addr, clientID, s.config.ConnTTL, s.now)
	s.entries[port] = &entry{conn: conn, auth: auth}
	s.mu.Unlock()

	s.logger.Debug("connection opened",
		logging.KeyConnID, port,
		logging.KeyClientID, clientID.String(),
		logging.KeyMethod, method.String(),
		logging.KeyRemoteAddr, addr.String())

	return conn, nil
}

// Lookup returns the connection registered under id.
func (s *Server) Lookup(id uint16) (*Connection, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// Authenticator returns the authenticator of connection id.
// It is nil for unencrypted connections.
func (s *Server) Authenticator(id uint16) (*crypto.Authenticator, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return e.auth, nil
}

func (s *Server) get(id uint16) (*entry, error) {
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()

	if e == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	return e, nil
}

// Touch refreshes the lifetime of connection id.
func (s *Server) Touch(id uint16) error {
	conn, err := s.Lookup(id)
	if err != nil {
		return err
	}
	conn.ResetLifetime()
	return nil
}

// CheckAlive reports whether connection id is alive and removes it, with
// its authenticator, when it is not.
func (s *Server) CheckAlive(id uint16) (bool, error) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	if e.conn.IsAlive() {
		s.mu.Unlock()
		return true, nil
	}
	delete(s.entries, id)
	s.mu.Unlock()

	s.logger.Info("connection expired",
		logging.KeyConnID, id,
		logging.KeyClientID, e.conn.ClientID().String())

	s.evict(e)
	return false, nil
}

// Sweep runs CheckAlive over every live connection and returns how many
// were removed.
func (s *Server) Sweep() int {
	s.mu.RLock()
	ids := make([]uint16, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		alive, err := s.CheckAlive(id)
		if err != nil {
			// Removed concurrently
			continue
		}
		if !alive {
			removed++
		}
	}
	return removed
}

// Remove drops connection id regardless of its lifetime.
func (s *Server) Remove(id uint16) bool {
	s.mu.Lock()
	e := s.entries[id]
	if e != nil {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if e == nil {
		return false
	}

	s.evict(e)
	return true
}

func (s *Server) evict(e *entry) {
	s.mu.RLock()
	fn := s.onEvict
	s.mu.RUnlock()

	if fn != nil {
		fn(e.conn)
	}
}

// SendTo sends payload to the peer of connection id behind its header
// template. Packets shorter than MaxPacketSize are zero-padded to it, a
// packet of exactly MaxPacketSize is sent as is, and a longer one fails
// with protocol.ErrOversize without sending anything.
func (s *Server) SendTo(id uint16, payload []byte) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return s.send(e.conn, e.conn.Header().MsgType, payload)
}

// SendMessage is SendTo with an explicit message type.
func (s *Server) SendMessage(id uint16, msgType protocol.MessageType, payload []byte) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return s.send(e.conn, uint8(msgType), payload)
}

func (s *Server) send(conn *Connection, msgType uint8, payload []byte) error {
	total := protocol.HeaderSize + len(payload)
	if total > protocol.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes for connection %d", protocol.ErrOversize, total, conn.ID())
	}

	hdr := conn.nextHeader(msgType, len(payload)).Encode()

	var pkt []byte
	if total == protocol.MaxPacketSize {
		pkt = make([]byte, 0, total)
		pkt = append(pkt, hdr[:]...)
		pkt = append(pkt, payload...)
	} else {
		var pb protocol.PacketBuffer
		raw := make([]byte, 0, total)
		raw = append(raw, hdr[:]...)
		raw = append(raw, payload...)
		if err := pb.Write(raw); err != nil {
			return err
		}
		pkt = pb.Bytes()
	}

	if _, err := s.socket.WriteTo(pkt, conn.Addr()); err != nil {
		return fmt.Errorf("send to %s: %w", conn.Addr(), err)
	}

	return nil
}

// Seal encrypts plaintext for connection id. Unencrypted connections get
// plaintext back unchanged.
func (s *Server) Seal(id uint16, plaintext []byte) ([]byte, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if e.auth == nil {
		return plaintext, nil
	}
	return e.auth.Encrypt(plaintext)
}

// Unseal decrypts ciphertext from connection id. Unencrypted connections
// get ciphertext back unchanged. On failure the payload must be dropped.
func (s *Server) Unseal(id uint16, ciphertext []byte) ([]byte, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if e.auth == nil {
		return ciphertext, nil
	}
	return e.auth.Decrypt(ciphertext)
}

// ActiveCount returns the number of registered connections.
func (s *Server) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Connections returns a snapshot of the registered connections.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Connection, 0, len(s.entries))
	for _, e := range s.entries {
		conns = append(conns, e.conn)
	}
	return conns
}

// Close removes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[uint16]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		s.evict(e)
	}

	return nil
}
