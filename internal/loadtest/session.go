package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/metroo-relay/internal/auth"
	"github.com/postalsys/metroo-relay/internal/crypto"
	"github.com/postalsys/metroo-relay/internal/protocol"
)

// ErrRejected is returned when the relay answers with ERRCODE.
var ErrRejected = errors.New("rejected by relay")

// Dialer opens client sessions against a relay control port.
type Dialer struct {
	Addr    string
	User    string
	Key     [crypto.KeySize]byte
	Method  protocol.EncryptMethod
	Timeout time.Duration
}

// Session is one client connection to the relay.
type Session struct {
	conn    *net.UDPConn
	id      uint16
	method  protocol.EncryptMethod
	auth    *crypto.Authenticator
	timeout time.Duration
	seq     uint8
	buf     []byte
}

// Dial performs the CLIENTHELLO/SERVERHELLO handshake. The hello carries a
// proof sealed under Key, so a wrong key is refused like an unknown user.
func (d Dialer) Dial(ctx context.Context) (*Session, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "udp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}

	s := &Session{
		conn:    c.(*net.UDPConn),
		method:  d.Method,
		timeout: d.Timeout,
		buf:     make([]byte, 2*protocol.MaxPacketSize),
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < s.timeout {
		s.timeout = time.Until(deadline)
	}

	proof, err := crypto.SealHello(d.User, d.Key, time.Now())
	if err != nil {
		s.conn.Close()
		return nil, err
	}
	if err := s.send(protocol.MsgClientHello, 0, append([]byte(d.User), proof...)); err != nil {
		s.conn.Close()
		return nil, err
	}

	h, payload, err := s.recv(protocol.MsgServerHello)
	if err != nil {
		s.conn.Close()
		return nil, err
	}
	s.id = h.ConnID

	if d.Method.Encrypted() {
		s.auth, err = crypto.NewAuthenticatorWithNonce(auth.ClientID(d.User), d.Key, d.Method, payload)
		if err != nil {
			s.conn.Close()
			return nil, err
		}
	}

	return s, nil
}

// ID returns the connection ID the relay assigned.
func (s *Session) ID() uint16 {
	return s.id
}

// Exchange sends one DATA packet and waits for the next DATA reply.
func (s *Session) Exchange(payload []byte) ([]byte, error) {
	out := payload
	if s.auth != nil {
		var err error
		if out, err = s.auth.Encrypt(payload); err != nil {
			return nil, err
		}
	}

	if err := s.send(protocol.MsgData, s.id, out); err != nil {
		return nil, err
	}

	_, reply, err := s.recv(protocol.MsgData)
	if err != nil {
		return nil, err
	}
	if s.auth != nil {
		return s.auth.Decrypt(reply)
	}
	return reply, nil
}

// Heartbeat refreshes the connection lifetime and waits for the echo.
func (s *Session) Heartbeat() error {
	if err := s.send(protocol.MsgHeartbeat, s.id, nil); err != nil {
		return err
	}
	_, _, err := s.recv(protocol.MsgHeartbeat)
	return err
}

// Close releases the local socket. The relay forgets the connection once
// its lifetime runs out.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) send(msgType protocol.MessageType, id uint16, payload []byte) error {
	s.seq++
	pkt, err := protocol.Build(protocol.Header{
		PacketNum: s.seq,
		MsgType:   uint8(msgType),
		AuthType:  uint8(s.method),
		ConnID:    id,
	}, payload)
	if err != nil {
		return err
	}

	pb, err := protocol.NewPacketBuffer(pkt)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(pb.Bytes()); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// recv reads packets until one of type want or an ERRCODE arrives.
func (s *Session) recv(want protocol.MessageType) (protocol.Header, []byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return protocol.Header{}, nil, err
	}

	for {
		n, err := s.conn.Read(s.buf)
		if err != nil {
			return protocol.Header{}, nil, fmt.Errorf("wait for %s: %w", want, err)
		}

		pb, err := protocol.NewPacketBuffer(s.buf[:n])
		if err != nil {
			continue
		}
		h, err := pb.ReadHeader()
		if err != nil {
			continue
		}
		payload, err := pb.ReadPayload(h.DataLen)
		if err != nil {
			continue
		}

		switch h.Message() {
		case want:
			return h, append([]byte(nil), payload...), nil
		case protocol.MsgErrCode:
			code := uint8(0)
			if len(payload) > 0 {
				code = payload[0]
			}
			return h, nil, fmt.Errorf("%w: %s", ErrRejected, protocol.ErrorCodeName(code))
		}
	}
}
