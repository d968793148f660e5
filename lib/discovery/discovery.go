// Package discovery implements the four-message peer discovery and NAT
// puncture exchange.
//
// A walker sends a signed introduction-request. The responder answers with a
// signed introduction-response and, when asked for advice, introduces a third
// peer: it sends that peer an unsigned puncture-request naming the walker,
// and the third peer fires a puncture at the walker so both NAT mappings are
// open before they talk.
package discovery

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

var log = logger.GetGoI2PLogger()

const (
	// DefaultTimeout bounds one exchange, retransmissions included.
	DefaultTimeout = 10 * time.Second
	// DefaultRequestRate is the per-source budget of unsolicited requests.
	DefaultRequestRate  = 5.0
	DefaultRequestBurst = 10
)

// Config configures a Discovery.
type Config struct {
	Community      wire.CommunityID
	Timeout        time.Duration
	Retry          transport.RetryPolicy
	RequestRate    float64
	RequestBurst   int
	ConnectionType wire.ConnectionType
	// LANAddr overrides the advertised LAN address.
	LANAddr netip.AddrPort
	Now     func() time.Time
}

// DefaultConfig returns the default timeouts and limits for community.
func DefaultConfig(community wire.CommunityID) Config {
	return Config{
		Community:    community,
		Timeout:      DefaultTimeout,
		Retry:        transport.DefaultRetryPolicy(),
		RequestRate:  DefaultRequestRate,
		RequestBurst: DefaultRequestBurst,
	}
}

// Stats counts handshake outcomes.
type Stats struct {
	Started     uint64
	Completed   uint64
	TimedOut    uint64
	Failed      uint64
	Stale       uint64
	RateLimited uint64
	Introduced  uint64
	Punctures   uint64
}

type counters struct {
	started, completed, timedOut, failed atomic.Uint64
	stale, rateLimited, introduced       atomic.Uint64
	punctures                            atomic.Uint64
}

// Discovery runs both sides of the exchange over one transport.
type Discovery struct {
	cfg      Config
	self     *identity.Identity
	tr       transport.Transport
	registry *peers.Registry
	limiter  *sourceLimiter

	globalTime atomic.Uint64

	mu       sync.Mutex
	sessions map[uint16]*session
	wanVotes map[netip.AddrPort]int
	wan      netip.AddrPort

	stats counters
}

// New returns a Discovery. Call Register to attach it to a mux.
func New(cfg Config, self *identity.Identity, tr transport.Transport, registry *peers.Registry) *Discovery {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Discovery{
		cfg:      cfg,
		self:     self,
		tr:       tr,
		registry: registry,
		limiter:  newSourceLimiter(cfg.RequestRate, cfg.RequestBurst, cfg.Now),
		sessions: make(map[uint16]*session),
		wanVotes: make(map[netip.AddrPort]int),
	}
}

// Register installs the discovery handlers on m.
func (d *Discovery) Register(m *transport.Mux) {
	m.Handle(wire.KindIntroductionRequest, d.onIntroductionRequest)
	m.Handle(wire.KindIntroductionResponse, d.onIntroductionResponse)
	m.Handle(wire.KindPunctureRequest, d.onPunctureRequest)
	m.Handle(wire.KindPuncture, d.onPuncture)
}

// Stats returns the outcome counters.
func (d *Discovery) Stats() Stats {
	return Stats{
		Started:     d.stats.started.Load(),
		Completed:   d.stats.completed.Load(),
		TimedOut:    d.stats.timedOut.Load(),
		Failed:      d.stats.failed.Load(),
		Stale:       d.stats.stale.Load(),
		RateLimited: d.stats.rateLimited.Load(),
		Introduced:  d.stats.introduced.Load(),
		Punctures:   d.stats.punctures.Load(),
	}
}

// WANAddr returns the address most peers report seeing us at.
func (d *Discovery) WANAddr() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wan.IsValid() {
		return d.wan
	}
	return d.lanAddr()
}

func (d *Discovery) lanAddr() netip.AddrPort {
	if d.cfg.LANAddr.IsValid() {
		return d.cfg.LANAddr
	}
	return d.tr.LocalAddr()
}

// voteWAN records a peer's view of our address. Callers hold mu.
func (d *Discovery) voteWAN(seen netip.AddrPort) {
	if !seen.IsValid() || !seen.Addr().Is4() {
		return
	}
	d.wanVotes[seen]++
	if !d.wan.IsValid() || d.wanVotes[seen] > d.wanVotes[d.wan] {
		d.wan = seen
	}
}

func (d *Discovery) nextGlobalTime() uint64 {
	return d.globalTime.Add(1)
}

func (d *Discovery) observeGlobalTime(t uint64) {
	for {
		cur := d.globalTime.Load()
		if t <= cur || d.globalTime.CompareAndSwap(cur, t) {
			return
		}
	}
}

// newIdentifier picks a nonce not used by any outstanding session. Callers
// hold mu.
func (d *Discovery) newIdentifier() (uint16, error) {
	var b [2]byte
	for i := 0; i < 64; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, errs.Wrap(errs.Handshake, "(Discovery) newIdentifier", err)
		}
		id := binary.BigEndian.Uint16(b[:])
		if _, used := d.sessions[id]; !used {
			return id, nil
		}
	}
	return 0, errs.New(errs.Handshake, "(Discovery) newIdentifier", "no free identifier among %d sessions", len(d.sessions))
}

// Start opens a session with addr and sends the first introduction-request.
// expectKey, if not nil, is the peer's known public key.
func (d *Discovery) Start(addr netip.AddrPort, expectKey []byte) (uint16, error) {
	d.mu.Lock()
	id, err := d.newIdentifier()
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	now := d.cfg.Now()
	s := &session{
		identifier: id,
		addr:       addr,
		expectKey:  append([]byte(nil), expectKey...),
		state:      StateNone,
		created:    now,
		deadline:   now.Add(d.cfg.Timeout),
		responded:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	d.sessions[id] = s
	d.mu.Unlock()

	d.stats.started.Add(1)
	if len(expectKey) == identity.PublicKeySize {
		d.registry.SetHandshake(identity.PeerIDFromKey(expectKey), peers.HandshakeInProgress)
	}
	if err := d.sendRequest(s); err != nil && !errs.IsRetryable(err) {
		d.finish(s, StateFailed, "send failed")
		return id, err
	}
	return id, nil
}

func (d *Discovery) sendRequest(s *session) error {
	req := &wire.IntroductionRequest{
		Destination:    s.addr,
		SourceLAN:      d.lanAddr(),
		SourceWAN:      d.WANAddr(),
		Advice:         true,
		ConnectionType: d.cfg.ConnectionType,
		Identifier:     s.identifier,
	}
	datagram, err := wire.EncodeSigned(d.cfg.Community, req, d.nextGlobalTime(), d.self)
	if err != nil {
		return errs.Wrap(errs.Protocol, "(Discovery) sendRequest", err)
	}
	d.mu.Lock()
	if s.state == StateNone {
		s.advance(StateRequestSent)
	}
	s.sentAt = d.cfg.Now()
	d.mu.Unlock()
	_, err = d.tr.Send(datagram, s.addr)
	return err
}

// Session returns a snapshot of an outstanding session.
func (d *Discovery) Session(identifier uint16) (SessionInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[identifier]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Sessions returns the number of outstanding sessions.
func (d *Discovery) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Expire times out every session past its deadline and returns their final
// snapshots.
func (d *Discovery) Expire() []SessionInfo {
	now := d.cfg.Now()
	d.mu.Lock()
	var expired []*session
	for _, s := range d.sessions {
		if !now.Before(s.deadline) {
			expired = append(expired, s)
		}
	}
	d.mu.Unlock()

	out := make([]SessionInfo, 0, len(expired))
	for _, s := range expired {
		out = append(out, d.finish(s, StateTimedOut, "deadline passed"))
	}
	d.limiter.sweep()
	return out
}

// finish moves s to a terminal state, updates the registry and removes it.
func (d *Discovery) finish(s *session, state State, reason string) SessionInfo {
	d.mu.Lock()
	if s.state.Terminal() {
		info := s.info()
		d.mu.Unlock()
		return info
	}
	prev := s.state
	s.advance(state)
	if d.sessions[s.identifier] == s {
		delete(d.sessions, s.identifier)
	}
	info := s.info()
	d.mu.Unlock()

	fields := logger.Fields{
		"at":         "(Discovery) finish",
		"identifier": s.identifier,
		"from":       prev.String(),
		"state":      state.String(),
		"reason":     reason,
	}
	switch state {
	case StateComplete:
		d.stats.completed.Add(1)
		log.WithFields(fields).Debug("handshake complete")
	case StateTimedOut:
		d.stats.timedOut.Add(1)
		if prev == StatePunctureRequestSent && s.introduced.IsValid() {
			d.registry.RecordPuncture(s.introduced, false)
		}
		if prev == StateRequestSent && len(s.expectKey) == identity.PublicKeySize {
			id := identity.PeerIDFromKey(s.expectKey)
			d.registry.RecordFailure(id, "handshake timeout")
			d.registry.SetHandshake(id, peers.HandshakeFailed)
		}
		log.WithFields(fields).Warn("handshake timed out")
	case StateFailed:
		d.stats.failed.Add(1)
		if info.PeerKnown {
			d.registry.SetHandshake(info.Peer, peers.HandshakeFailed)
		}
		log.WithFields(fields).Warn("handshake failed")
	}
	return info
}
