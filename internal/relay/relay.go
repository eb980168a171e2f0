// Package relay serves the control port. It admits clients with a
// CLIENTHELLO, tunnels their DATA packets through a socket bound on the
// connection's allocated port and expires sessions that stop refreshing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/metroo-relay/internal/auth"
	"github.com/postalsys/metroo-relay/internal/config"
	"github.com/postalsys/metroo-relay/internal/health"
	"github.com/postalsys/metroo-relay/internal/logging"
	"github.com/postalsys/metroo-relay/internal/metrics"
	"github.com/postalsys/metroo-relay/internal/protocol"
	"github.com/postalsys/metroo-relay/internal/recovery"
	"github.com/postalsys/metroo-relay/internal/udp"
)

// ErrNotStarted is returned by Serve before Start.
var ErrNotStarted = errors.New("relay not started")

// Config holds relay settings.
type Config struct {
	// Listen is the control socket address.
	Listen string

	// Upstream receives the decrypted DATA payloads. Empty means echo mode:
	// payloads are sent straight back to the client.
	Upstream string

	// AllowUnsafe admits unencrypted sessions.
	AllowUnsafe bool

	// SweepInterval is how often expired connections are removed.
	SweepInterval time.Duration

	// HelloRate limits CLIENTHELLO packets per second. 0 disables the limit.
	HelloRate  float64
	HelloBurst int

	// HelloWindow is how far a CLIENTHELLO timestamp may be from the relay
	// clock. Proof nonces are remembered for as long.
	HelloWindow time.Duration

	// SocketBuffer sets SO_RCVBUF/SO_SNDBUF on the control socket. 0 keeps
	// the OS default.
	SocketBuffer int

	// TOS marks the control socket and every forwarder socket with an IP
	// TOS / IPv6 traffic class. 0 leaves the OS default.
	TOS int

	// Registry configures the connection registry.
	Registry udp.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:        "0.0.0.0:7835",
		SweepInterval: 5 * time.Second,
		HelloWindow:   30 * time.Second,
		Registry:      udp.DefaultConfig(),
	}
}

// ConfigFrom maps the file configuration onto relay settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Listen:        cfg.Relay.Listen,
		Upstream:      cfg.Relay.Upstream,
		AllowUnsafe:   cfg.Relay.AllowUnsafe,
		SweepInterval: cfg.Relay.SweepInterval,
		HelloRate:     cfg.Relay.HelloRate,
		HelloBurst:    cfg.Relay.HelloBurst,
		HelloWindow:   cfg.Relay.HelloWindow,
		SocketBuffer:  cfg.Relay.SocketBuffer,
		TOS:           cfg.Relay.TOS,
		Registry: udp.Config{
			Ports: udp.PortRange{
				Min: cfg.Relay.PortRange.Min,
				Max: cfg.Relay.PortRange.Max,
			},
			ConnTTL:        cfg.Relay.ConnTTL,
			MaxConnections: cfg.Relay.MaxConnections,
		},
	}
}

// Relay is the control port server.
type Relay struct {
	cfg      Config
	users    *auth.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	replay   *replayCache
	upstream *net.UDPAddr

	socket   *net.UDPConn
	writer   *countingWriter
	registry *udp.Server
	bindHost string

	mu         sync.Mutex
	forwarders map[uint16]*forwarder
	cancel     context.CancelFunc
	fwdWG      sync.WaitGroup

	running   atomic.Bool
	startedAt time.Time
	opened    atomic.Uint64
	closed    atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// New creates a relay. A nil logger discards output and nil metrics use the
// default registry.
func New(cfg Config, users *auth.Store, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	if users == nil {
		return nil, errors.New("relay requires a user store")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.HelloWindow <= 0 {
		cfg.HelloWindow = DefaultConfig().HelloWindow
	}
	if m == nil {
		m = metrics.Default()
	}

	r := &Relay{
		cfg:        cfg,
		users:      users,
		logger:     logging.Component(logger, "relay"),
		metrics:    m,
		replay:     newReplayCache(cfg.HelloWindow),
		forwarders: make(map[uint16]*forwarder),
	}

	if cfg.HelloRate > 0 {
		burst := cfg.HelloBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.HelloRate), burst)
	}

	if cfg.Upstream != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("resolve upstream %s: %w", cfg.Upstream, err)
		}
		r.upstream = addr
	}

	return r, nil
}

// Start binds the control socket and creates the connection registry.
func (r *Relay) Start() error {
	host, _, err := net.SplitHostPort(r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %s: %w", r.cfg.Listen, err)
	}

	socket, err := listenUDP(context.Background(), r.cfg.Listen, r.cfg.SocketBuffer)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Listen, err)
	}
	if r.cfg.TOS > 0 {
		if err := setTOS(socket, r.cfg.TOS); err != nil {
			r.logger.Warn("failed to set TOS on control socket",
				"tos", r.cfg.TOS,
				logging.KeyError, err)
		}
	}

	r.writer = &countingWriter{conn: socket, relay: r}
	registry, err := udp.NewServer(r.cfg.Registry, r.writer, r.logger)
	if err != nil {
		socket.Close()
		return err
	}
	registry.OnEvict(r.onEvict)

	r.socket = socket
	r.registry = registry
	r.bindHost = host
	r.startedAt = time.Now()

	return nil
}

// Run starts the relay and serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Serve runs the control socket reader and the expiry sweeper until ctx is
// cancelled or Close is called. All connections are removed on return.
func (r *Relay) Serve(ctx context.Context) error {
	if r.socket == nil {
		return ErrNotStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.running.Store(true)
	r.logger.Info("relay listening",
		logging.KeyLocalAddr, r.socket.LocalAddr().String(),
		"ports", r.cfg.Registry.Ports.String(),
		logging.KeyUpstream, r.cfg.Upstream,
		"users", r.users.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovery.Guard(r.logger, "control-reader", r.readLoop))
	g.Go(recovery.Guard(r.logger, "sweeper", func() error {
		return r.sweepLoop(gctx)
	}))
	g.Go(func() error {
		<-gctx.Done()
		return r.socket.Close()
	})

	err := g.Wait()

	r.running.Store(false)
	r.registry.Close()
	r.fwdWG.Wait()
	r.logger.Info("relay stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close stops a serving relay, or releases the socket of a started one.
func (r *Relay) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	if r.socket != nil {
		r.registry.Close()
		return r.socket.Close()
	}
	return nil
}

// Addr returns the control socket address, or nil before Start.
func (r *Relay) Addr() *net.UDPAddr {
	if r.socket == nil {
		return nil
	}
	return r.socket.LocalAddr().(*net.UDPAddr)
}

// Registry returns the connection registry, or nil before Start.
func (r *Relay) Registry() *udp.Server {
	return r.registry
}

// IsRunning reports whether the control socket is being served.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Stats implements health.StatsProvider.
func (r *Relay) Stats() health.Stats {
	stats := health.Stats{
		ConnectionsOpened: r.opened.Load(),
		ConnectionsClosed: r.closed.Load(),
		BytesIn:           r.bytesIn.Load(),
		BytesOut:          r.bytesOut.Load(),
		Users:             r.users.Len(),
		PortRange:         r.cfg.Registry.Ports.String(),
	}
	if r.registry != nil {
		stats.ActiveConnections = r.registry.ActiveCount()
		stats.Uptime = time.Since(r.startedAt)
	}
	return stats
}

func (r *Relay) readLoop() error {
	buf := make([]byte, 2*protocol.MaxPacketSize)
	var backoff readBackoff

	for {
		n, from, err := r.socket.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.metrics.RecordPacketError("read")
			delay := backoff.next()
			r.logger.Debug("control socket read failed",
				logging.KeyError, err,
				"retry_in", delay)
			time.Sleep(delay)
			continue
		}
		backoff.reset()

		r.handle(buf[:n], from)
	}
}

func (r *Relay) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.registry.Sweep(); n > 0 {
				r.logger.Debug("expired connections removed",
					logging.KeyCount, n,
					"active", r.registry.ActiveCount())
			}
			r.replay.prune(time.Now())
		}
	}
}

// onEvict releases the forwarder of a connection the registry dropped.
func (r *Relay) onEvict(conn *udp.Connection) {
	r.mu.Lock()
	fwd := r.forwarders[conn.ID()]
	delete(r.forwarders, conn.ID())
	r.mu.Unlock()

	// Never fully opened
	if fwd == nil {
		return
	}
	fwd.close()

	reason := "closed"
	if !conn.IsAlive() {
		reason = "expired"
	}

	r.closed.Add(1)
	r.metrics.RecordConnectionClose(reason, time.Since(fwd.openedAt).Seconds())
	r.metrics.SetConnectionsActive(r.registry.ActiveCount())
}

func (r *Relay) forwarder(id uint16) *forwarder {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.forwarders[id]
}

// countingWriter is the registry's outbound socket. It accounts every
// datagram sent to clients.
type countingWriter struct {
	conn  *net.UDPConn
	relay *Relay
}

func (w *countingWriter) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := w.conn.WriteTo(p, addr)
	if err != nil {
		w.relay.metrics.RecordPacketError("send")
		return n, err
	}

	w.relay.bytesOut.Add(uint64(n))
	w.relay.metrics.RecordBytesSent("client", n)
	if len(p) > 1 {
		w.relay.metrics.RecordPacketSent(protocol.MessageTypeFromByte(p[1]).String())
	}
	return n, nil
}
