package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"golang.org/x/time/rate"
)

// Config configures a UDPTransport.
type Config struct {
	// Host is the bind address; empty binds all IPv4 interfaces.
	Host string
	// Port is the bind port; 0 picks an ephemeral port.
	Port int
	// MaxDatagram caps outbound datagram size.
	MaxDatagram int
	// SendRate and SendBurst configure the outbound limiter. A zero rate
	// disables limiting.
	SendRate  float64
	SendBurst int
}

// DefaultConfig returns an ephemeral-port configuration with the default
// limits.
func DefaultConfig() Config {
	return Config{
		MaxDatagram: DefaultMaxDatagram,
		SendRate:    DefaultSendRate,
		SendBurst:   DefaultSendBurst,
	}
}

// UDPTransport is a Transport over a UDP socket.
type UDPTransport struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.RWMutex
	conn     *net.UDPConn
	local    netip.AddrPort
	closed   bool
	stop     chan struct{}
	loopDone chan struct{}

	stats counters
}

var _ Transport = (*UDPTransport)(nil)

// NewUDP returns an unbound UDP transport.
func NewUDP(cfg Config) *UDPTransport {
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = DefaultMaxDatagram
	}
	t := &UDPTransport{cfg: cfg}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return t
}

// Start binds the socket and starts the receive loop.
func (t *UDPTransport) Start(ctx context.Context, h Handler) (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return netip.AddrPort{}, closed("(UDPTransport) Start")
	}
	if t.conn != nil {
		return netip.AddrPort{}, errs.New(errs.Transport, "(UDPTransport) Start", "already started on %s", t.local)
	}
	laddr := &net.UDPAddr{Port: t.cfg.Port}
	if t.cfg.Host != "" {
		ip := net.ParseIP(t.cfg.Host)
		if ip == nil {
			return netip.AddrPort{}, errs.New(errs.Transport, "(UDPTransport) Start", "invalid bind host %q", t.cfg.Host)
		}
		laddr.IP = ip
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return netip.AddrPort{}, errs.Wrap(errs.Transport, "(UDPTransport) Start", oops.Wrapf(err, "failed to bind udp port %d", t.cfg.Port))
	}
	t.conn = conn
	t.local = conn.LocalAddr().(*net.UDPAddr).AddrPort()

	log.WithFields(logger.Fields{
		"at":         "(UDPTransport) Start",
		"phase":      "startup",
		"local_addr": t.local.String(),
	}).Info("udp transport listening")

	t.stop = make(chan struct{})
	t.loopDone = make(chan struct{})
	go t.receiveLoop(conn, h)
	go func(stop <-chan struct{}) {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-stop:
		}
	}(t.stop)
	return t.local, nil
}

func (t *UDPTransport) receiveLoop(conn *net.UDPConn, h Handler) {
	defer close(t.loopDone)
	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.WithField("at", "(UDPTransport) receiveLoop").Debug("receive loop stopped")
				return
			}
			log.WithFields(logger.Fields{
				"at":     "(UDPTransport) receiveLoop",
				"reason": "read failed",
			}).WithError(err).Warn("udp read error")
			continue
		}
		t.stats.received(n)
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		dispatch(h, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), datagram)
	}
}

// LocalAddr returns the bound endpoint.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// Send writes one datagram. Oversize datagrams are refused. A refusal by the
// rate limiter and socket write failures are retryable.
func (t *UDPTransport) Send(datagram []byte, to netip.AddrPort) (int, error) {
	t.mu.RLock()
	conn, isClosed := t.conn, t.closed
	t.mu.RUnlock()
	if isClosed || conn == nil {
		return 0, closed("(UDPTransport) Send")
	}
	if len(datagram) > t.cfg.MaxDatagram {
		t.stats.oversize.Add(1)
		return 0, oversize("(UDPTransport) Send", len(datagram), t.cfg.MaxDatagram)
	}
	if t.limiter != nil && !t.limiter.Allow() {
		t.stats.rateLimited.Add(1)
		return 0, errs.Temporary(errs.Transport, "(UDPTransport) Send", ErrRateLimited)
	}
	n, err := conn.WriteToUDPAddrPort(datagram, to)
	if err != nil {
		t.stats.sendErrors.Add(1)
		return n, errs.Temporary(errs.Transport, "(UDPTransport) Send", oops.Wrapf(err, "udp write failed"))
	}
	t.stats.sent(n)
	return n, nil
}

// Stats returns a snapshot of the counters.
func (t *UDPTransport) Stats() Stats {
	return t.stats.snapshot()
}

// Close closes the socket and waits for the receive loop to exit. It is safe
// to call more than once, but not from a Handler.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(t.stop)
	err := conn.Close()
	<-t.loopDone
	log.WithFields(logger.Fields{
		"at":    "(UDPTransport) Close",
		"phase": "shutdown",
	}).Info("udp transport closed")
	return err
}
