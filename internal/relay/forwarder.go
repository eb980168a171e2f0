package relay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/metroo-relay/internal/logging"
	"github.com/postalsys/metroo-relay/internal/protocol"
	"github.com/postalsys/metroo-relay/internal/recovery"
)

// forwarder owns the socket bound on a connection's port. DATA payloads
// leave through it towards the upstream and replies come back on it.
type forwarder struct {
	id       uint16
	conn     *net.UDPConn
	upstream *net.UDPAddr
	openedAt time.Time

	closeOnce sync.Once
}

// bind opens the socket for connection port id.
func (r *Relay) bind(id uint16) (*forwarder, error) {
	addr := net.JoinHostPort(r.bindHost, strconv.Itoa(int(id)))

	conn, err := listenUDP(context.Background(), addr, 0)
	if err != nil {
		return nil, err
	}
	if r.cfg.TOS > 0 {
		// Best effort, the control socket already reported failures.
		setTOS(conn, r.cfg.TOS)
	}

	return &forwarder{
		id:       id,
		conn:     conn,
		upstream: r.upstream,
		openedAt: time.Now(),
	}, nil
}

func (f *forwarder) forward(payload []byte) (int, error) {
	return f.conn.WriteToUDP(payload, f.upstream)
}

func (f *forwarder) close() {
	f.closeOnce.Do(func() {
		f.conn.Close()
	})
}

// upstreamLoop relays upstream replies to the client until the forwarder
// is closed.
func (r *Relay) upstreamLoop(f *forwarder) {
	defer r.fwdWG.Done()
	defer recovery.RecoverWithLog(r.logger, "upstream-reader")

	// Replies must fit a DATA packet once sealed.
	maxPlain := protocol.MaxPayloadSize
	if a, err := r.registry.Authenticator(f.id); err == nil && a != nil {
		maxPlain -= a.Overhead()
	}

	buf := make([]byte, protocol.MaxPacketSize)
	var backoff readBackoff

	for {
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.metrics.RecordUpstreamError("read")
			time.Sleep(backoff.next())
			continue
		}
		backoff.reset()

		if !sameAddr(from, f.upstream) {
			r.metrics.RecordUpstreamError("foreign_source")
			continue
		}

		r.metrics.RecordBytesReceived("upstream", n)

		if n > maxPlain {
			r.metrics.RecordUpstreamError("oversize")
			r.logger.Debug("upstream reply too large",
				logging.KeyConnID, f.id,
				logging.KeyBytes, n)
			continue
		}

		r.deliver(f.id, buf[:n])
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
