package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/metroo-relay/internal/auth"
	"github.com/postalsys/metroo-relay/internal/crypto"
	"github.com/postalsys/metroo-relay/internal/logging"
	"github.com/postalsys/metroo-relay/internal/protocol"
	"github.com/postalsys/metroo-relay/internal/recovery"
	"github.com/postalsys/metroo-relay/internal/udp"
)

// handle processes one control socket datagram. Malformed packets are
// dropped without a reply.
func (r *Relay) handle(data []byte, from *net.UDPAddr) {
	defer recovery.RecoverWithCallback(r.logger, "packet-handler", func(any) {
		r.metrics.RecordPacketError("panic")
	})

	received := time.Now()
	r.bytesIn.Add(uint64(len(data)))
	r.metrics.RecordBytesReceived("client", len(data))

	if len(data) < protocol.HeaderSize {
		r.metrics.RecordPacketError("short")
		return
	}

	pb, err := protocol.NewPacketBuffer(data)
	if err != nil {
		r.metrics.RecordPacketError("oversize")
		return
	}

	h, err := pb.ReadHeader()
	if err != nil {
		r.metrics.RecordPacketError("format")
		return
	}

	// DataLen must not point into the zero padding of a short datagram.
	if int(h.DataLen) > len(data)-protocol.HeaderSize {
		r.metrics.RecordPacketError("format")
		r.logger.Debug("data length exceeds datagram",
			logging.KeyRemoteAddr, from.String(),
			"data_len", h.DataLen,
			logging.KeyBytes, len(data))
		return
	}

	payload, err := pb.ReadPayload(h.DataLen)
	if err != nil {
		r.metrics.RecordPacketError("format")
		return
	}

	r.metrics.RecordPacketReceived(h.Message().String())

	switch h.Message() {
	case protocol.MsgClientHello:
		r.handleHello(h, payload, from, received)
	case protocol.MsgHeartbeat:
		r.handleHeartbeat(h, from)
	case protocol.MsgData:
		r.handleData(h, payload, from)
	default:
		r.metrics.RecordPacketError("unexpected_type")
		r.logger.Debug("unexpected message type",
			logging.KeyRemoteAddr, from.String(),
			logging.KeyMsgType, h.Message().String())
	}
}

// handleHello admits a client. The payload is the username followed by a
// key proof (crypto.SealHello); nothing is allocated until the proof opens
// under the user's key, is inside the clock window and was not seen before.
func (r *Relay) handleHello(h protocol.Header, payload []byte, from *net.UDPAddr, received time.Time) {
	// No room for a username and a proof
	if len(payload) <= crypto.HelloProofSize {
		r.metrics.RecordPacketError("format")
		return
	}

	if r.limiter != nil && !r.limiter.Allow() {
		r.rejectHello(h, from, protocol.ErrCodeRateLimited)
		return
	}

	split := len(payload) - crypto.HelloProofSize
	username := string(payload[:split])

	user, ok := r.users.Lookup(username)
	if !ok {
		r.logger.Warn("unknown user",
			logging.KeyUser, username,
			logging.KeyRemoteAddr, from.String())
		r.rejectHello(h, from, protocol.ErrCodeUnknownUser)
		return
	}

	proof, err := crypto.OpenHello(username, user.Key, payload[split:])
	if err != nil {
		r.logger.Warn("hello proof rejected",
			logging.KeyUser, username,
			logging.KeyRemoteAddr, from.String(),
			logging.KeyError, err)
		r.rejectHello(h, from, protocol.ErrCodeUnknownUser)
		return
	}
	if !r.replay.admit(proof.Nonce, proof.SentAt, received) {
		r.logger.Warn("stale or replayed hello",
			logging.KeyUser, username,
			logging.KeyRemoteAddr, from.String(),
			"sent_at", proof.SentAt)
		r.rejectHello(h, from, protocol.ErrCodeUnknownUser)
		return
	}

	method := h.Method()
	if !method.Encrypted() && !r.cfg.AllowUnsafe {
		r.logger.Warn("unencrypted session refused",
			logging.KeyUser, username,
			logging.KeyRemoteAddr, from.String())
		r.rejectHello(h, from, protocol.ErrCodeMethodRejected)
		return
	}

	conn, err := r.open(method, from, user)
	if err != nil {
		code := protocol.ErrCodeGeneral
		if errors.Is(err, udp.ErrResourceExhausted) {
			code = protocol.ErrCodeNoPorts
			r.metrics.RecordPortExhausted()
		}
		r.logger.Error("failed to open connection",
			logging.KeyUser, username,
			logging.KeyRemoteAddr, from.String(),
			logging.KeyError, err)
		r.rejectHello(h, from, code)
		return
	}

	var nonce []byte
	if a, _ := r.registry.Authenticator(conn.ID()); a != nil {
		n := a.Nonce()
		nonce = n[:]
	}

	if err := r.registry.SendMessage(conn.ID(), protocol.MsgServerHello, nonce); err != nil {
		r.logger.Warn("failed to send SERVERHELLO",
			logging.KeyConnID, conn.ID(),
			logging.KeyError, err)
		r.registry.Remove(conn.ID())
		return
	}

	r.metrics.RecordHandshake(time.Since(received).Seconds())
	r.logger.Info("client admitted",
		logging.KeyConnID, conn.ID(),
		logging.KeyUser, username,
		logging.KeyClientID, user.ClientID.String(),
		logging.KeyMethod, method.String(),
		logging.KeyRemoteAddr, from.String())
}

// open registers a connection and binds its port. A port taken by another
// process is released and a fresh one drawn, up to MaxRetry times, after
// which the range counts as exhausted.
func (r *Relay) open(method protocol.EncryptMethod, from *net.UDPAddr, user auth.User) (*udp.Connection, error) {
	var lastErr error

	for attempt := 0; attempt < protocol.MaxRetry; attempt++ {
		conn, err := r.registry.Open(method, from, user.ClientID, user.Key)
		if err != nil {
			return nil, err
		}

		fwd, err := r.bind(conn.ID())
		if err != nil {
			lastErr = err
			r.registry.Remove(conn.ID())
			r.logger.Debug("port bind failed",
				logging.KeyPort, conn.ID(),
				"attempt", attempt+1,
				logging.KeyError, err)
			continue
		}

		if !r.attach(conn.ID(), fwd) {
			return nil, fmt.Errorf("connection %d removed while opening: %w", conn.ID(), udp.ErrUnknownConnection)
		}

		if r.upstream != nil {
			r.fwdWG.Add(1)
			go r.upstreamLoop(fwd)
		}

		r.opened.Add(1)
		r.metrics.RecordConnectionOpen(method.String())
		r.metrics.SetConnectionsActive(r.registry.ActiveCount())

		return conn, nil
	}

	return nil, fmt.Errorf("%w: bind failed %d times: %v", udp.ErrResourceExhausted, protocol.MaxRetry, lastErr)
}

// attach records fwd as the forwarder of connection id. If the registry
// dropped the connection before that, onEvict has already run without
// finding fwd, so it is closed here and attach fails.
func (r *Relay) attach(id uint16, fwd *forwarder) bool {
	r.mu.Lock()
	r.forwarders[id] = fwd
	r.mu.Unlock()

	if _, err := r.registry.Lookup(id); err == nil {
		return true
	}

	r.mu.Lock()
	if r.forwarders[id] == fwd {
		delete(r.forwarders, id)
	}
	r.mu.Unlock()

	fwd.close()
	return false
}

func (r *Relay) handleHeartbeat(h protocol.Header, from *net.UDPAddr) {
	conn, ok := r.liveConnection(h, from)
	if !ok {
		return
	}

	conn.ResetLifetime()

	if err := r.registry.SendMessage(conn.ID(), protocol.MsgHeartbeat, nil); err != nil {
		r.logger.Debug("failed to echo heartbeat",
			logging.KeyConnID, conn.ID(),
			logging.KeyError, err)
	}
}

func (r *Relay) handleData(h protocol.Header, payload []byte, from *net.UDPAddr) {
	conn, ok := r.liveConnection(h, from)
	if !ok {
		return
	}

	plaintext, err := r.registry.Unseal(conn.ID(), payload)
	if err != nil {
		r.metrics.RecordDecryptError()
		r.logger.Debug("dropping undecryptable payload",
			logging.KeyConnID, conn.ID(),
			logging.KeyError, err)
		return
	}

	conn.ResetLifetime()

	if r.upstream == nil {
		r.deliver(conn.ID(), plaintext)
		return
	}

	fwd := r.forwarder(conn.ID())
	if fwd == nil {
		return
	}
	n, err := fwd.forward(plaintext)
	if err != nil {
		r.metrics.RecordUpstreamError("write")
		r.logger.Debug("upstream write failed",
			logging.KeyConnID, conn.ID(),
			logging.KeyUpstream, r.cfg.Upstream,
			logging.KeyError, err)
		return
	}
	r.metrics.RecordBytesSent("upstream", n)
}

// liveConnection resolves the connection a HEARTBEAT or DATA packet names.
// Expired connections are removed on the way. Packets for unknown
// connections, or from an address other than the one that opened the
// session, are dropped without a reply and only counted.
func (r *Relay) liveConnection(h protocol.Header, from *net.UDPAddr) (*udp.Connection, bool) {
	alive, err := r.registry.CheckAlive(h.ConnID)
	if err != nil || !alive {
		r.metrics.RecordPacketError("unknown_connection")
		return nil, false
	}

	conn, err := r.registry.Lookup(h.ConnID)
	if err != nil {
		r.metrics.RecordPacketError("unknown_connection")
		return nil, false
	}

	if !conn.MatchesAddr(from) {
		r.metrics.RecordPacketError("address_mismatch")
		r.logger.Debug("packet from foreign address",
			logging.KeyConnID, conn.ID(),
			logging.KeyRemoteAddr, from.String(),
			"expected", conn.Addr().String())
		return nil, false
	}

	return conn, true
}

// deliver seals plaintext for connection id and sends it as DATA.
func (r *Relay) deliver(id uint16, plaintext []byte) {
	sealed, err := r.registry.Seal(id, plaintext)
	if err != nil {
		r.logger.Debug("failed to seal payload",
			logging.KeyConnID, id,
			logging.KeyError, err)
		return
	}

	if err := r.registry.SendMessage(id, protocol.MsgData, sealed); err != nil {
		switch {
		case errors.Is(err, protocol.ErrOversize):
			r.metrics.RecordUpstreamError("oversize")
		case errors.Is(err, udp.ErrUnknownConnection):
			// Evicted while the payload was in flight
		default:
			r.logger.Debug("failed to deliver payload",
				logging.KeyConnID, id,
				logging.KeyError, err)
		}
	}
}

func (r *Relay) rejectHello(h protocol.Header, to *net.UDPAddr, code uint8) {
	r.metrics.RecordHandshakeReject(protocol.ErrorCodeName(code))
	r.reject(h, to, code)
}

// reject answers a CLIENTHELLO with an ERRCODE packet carrying code. It
// goes to the sender unpadded, HeaderSize+1 bytes, so it is always smaller
// than the hello that caused it.
func (r *Relay) reject(h protocol.Header, to *net.UDPAddr, code uint8) {
	reply := protocol.Header{
		MsgType:  uint8(protocol.MsgErrCode),
		AuthType: h.AuthType,
		ConnID:   h.ConnID,
	}
	pkt, err := protocol.Build(reply, []byte{code})
	if err != nil {
		return
	}

	if _, err := r.writer.WriteTo(pkt, to); err != nil {
		r.logger.Debug("failed to send ERRCODE",
			logging.KeyRemoteAddr, to.String(),
			logging.KeyError, err)
	}
}
