package tunnel

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/rs/xid"
	"github.com/tunnelfin/go-tunnelfin/lib/bandwidth"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

var log = logger.GetGoI2PLogger()

const (
	DefaultHopCount            = 3
	DefaultPoolSize            = 2
	DefaultBuildTimeout        = 30 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultMaxMissed           = 3
	DefaultMaintenanceInterval = 5 * time.Second
	DefaultBuildRetryDelay     = 5 * time.Second
	DefaultDialTimeout         = 10 * time.Second
	maxBuildBackoff            = 5 * time.Minute
)

// Config configures a Manager.
type Config struct {
	Community wire.CommunityID
	HopCount  int
	PoolSize  int

	BuildTimeout        time.Duration
	HeartbeatInterval   time.Duration
	MaxMissed           int
	MaintenanceInterval time.Duration
	BuildRetryDelay     time.Duration
	Retry               transport.RetryPolicy

	// Exit enables dialing TCP for StreamOpen when this node is the last
	// hop of someone else's circuit.
	Exit        bool
	DialTimeout time.Duration
	Dial        func(ctx context.Context, network, address string) (net.Conn, error)
	Stream      StreamConfig

	Now func() time.Time
}

// DefaultConfig returns the default pool for community.
func DefaultConfig(community wire.CommunityID) Config {
	return Config{
		Community:           community,
		HopCount:            DefaultHopCount,
		PoolSize:            DefaultPoolSize,
		BuildTimeout:        DefaultBuildTimeout,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		MaxMissed:           DefaultMaxMissed,
		MaintenanceInterval: DefaultMaintenanceInterval,
		BuildRetryDelay:     DefaultBuildRetryDelay,
		Retry:               transport.DefaultRetryPolicy(),
		Exit:                true,
		DialTimeout:         DefaultDialTimeout,
		Stream:              DefaultStreamConfig(),
	}
}

// Validate checks the circuit shape.
func (c Config) Validate() error {
	if c.HopCount < 1 || c.HopCount > MaxHops {
		return errs.New(errs.Validation, "(Config) Validate", "hop count %d outside [1,%d]", c.HopCount, MaxHops)
	}
	if c.PoolSize < 1 {
		return errs.New(errs.Validation, "(Config) Validate", "pool size %d must be positive", c.PoolSize)
	}
	if c.MaxMissed < 1 {
		return errs.New(errs.Validation, "(Config) Validate", "max missed heartbeats %d must be positive", c.MaxMissed)
	}
	return nil
}

// Stats counts circuit events.
type Stats struct {
	BuildsStarted    uint64
	BuildsSucceeded  uint64
	BuildsFailed     uint64
	Replacements     uint64
	HeartbeatsMissed uint64
	RelayAccepted    uint64
	RelayRejected    uint64
	RelayReaped      uint64
	CellsRelayed     uint64
	Duplicates       uint64
	Stale            uint64
	FailuresByReason map[string]uint64
}

type counters struct {
	buildsStarted, buildsSucceeded, buildsFailed atomic.Uint64
	replacements, heartbeatsMissed               atomic.Uint64
	relayAccepted, relayRejected, relayReaped    atomic.Uint64
	cellsRelayed, duplicates, stale              atomic.Uint64
}

// link is what one linkKey leads to: an originated circuit or one side of a
// relayed circuit.
type link struct {
	circuit *Circuit
	relay   *relayCircuit
	// next is set for the side of a relayed circuit facing away from the
	// originator.
	next bool
}

// Manager owns originated circuits, relayed circuits and anonymous channels.
type Manager struct {
	cfg      Config
	self     *identity.Identity
	tr       transport.Transport
	registry *peers.Registry
	ledger   *bandwidth.Ledger
	policy   *bandwidth.RelayPolicy
	selector PeerSelector

	mu       sync.Mutex
	circuits map[uint32]*Circuit
	links    map[linkKey]*link
	relays   map[linkKey]*relayCircuit
	channels map[xid.ID]*Channel
	failures map[string]uint64
	closed   bool

	buildFailures int
	lastBuild     time.Time
	inflight      int
	roundRobin    int

	kick  chan struct{}
	wg    sync.WaitGroup
	stats counters
}

// New returns a manager. Call Register to attach it to a mux and Run to
// maintain the pool.
func New(cfg Config, self *identity.Identity, tr transport.Transport, registry *peers.Registry, ledger *bandwidth.Ledger, policy *bandwidth.RelayPolicy) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	if cfg.Stream == (StreamConfig{}) {
		cfg.Stream = DefaultStreamConfig()
	}
	m := &Manager{
		cfg:      cfg,
		self:     self,
		tr:       tr,
		registry: registry,
		ledger:   ledger,
		policy:   policy,
		selector: NewRegistrySelector(registry),
		circuits: make(map[uint32]*Circuit),
		links:    make(map[linkKey]*link),
		relays:   make(map[linkKey]*relayCircuit),
		channels: make(map[xid.ID]*Channel),
		failures: make(map[string]uint64),
		kick:     make(chan struct{}, 1),
	}
	log.WithFields(logger.Fields{
		"at":        "tunnel.New",
		"phase":     "startup",
		"hop_count": cfg.HopCount,
		"pool_size": cfg.PoolSize,
		"exit":      cfg.Exit,
	}).Info("circuit manager initialized")
	return m, nil
}

// SetSelector replaces the hop selector. Call before Run.
func (m *Manager) SetSelector(s PeerSelector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selector = s
}

// Register installs the circuit handlers on mux.
func (m *Manager) Register(mux *transport.Mux) {
	mux.Handle(wire.KindCreate, m.onCreate)
	mux.Handle(wire.KindCreated, m.onCreated)
	mux.Handle(wire.KindCell, m.onCell)
	mux.Handle(wire.KindDestroy, m.onDestroy)
}

// Stats returns the event counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	byReason := make(map[string]uint64, len(m.failures))
	for k, v := range m.failures {
		byReason[k] = v
	}
	m.mu.Unlock()
	return Stats{
		BuildsStarted:    m.stats.buildsStarted.Load(),
		BuildsSucceeded:  m.stats.buildsSucceeded.Load(),
		BuildsFailed:     m.stats.buildsFailed.Load(),
		Replacements:     m.stats.replacements.Load(),
		HeartbeatsMissed: m.stats.heartbeatsMissed.Load(),
		RelayAccepted:    m.stats.relayAccepted.Load(),
		RelayRejected:    m.stats.relayRejected.Load(),
		RelayReaped:      m.stats.relayReaped.Load(),
		CellsRelayed:     m.stats.cellsRelayed.Load(),
		Duplicates:       m.stats.duplicates.Load(),
		Stale:            m.stats.stale.Load(),
		FailuresByReason: byReason,
	}
}

// Circuits returns snapshots of every originated circuit still tracked.
func (m *Manager) Circuits() []CircuitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CircuitInfo, 0, len(m.circuits))
	for _, c := range m.circuits {
		out = append(out, c.info())
	}
	return out
}

// Circuit returns a snapshot of one originated circuit.
func (m *Manager) Circuit(id uint32) (CircuitInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[id]
	if !ok {
		return CircuitInfo{}, false
	}
	return c.info(), true
}

// CountByState counts originated circuits per state.
func (m *Manager) CountByState() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int)
	for _, c := range m.circuits {
		out[c.state]++
	}
	return out
}

// RelayCount returns the number of circuits relayed for other nodes.
func (m *Manager) RelayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}

// randomUint32 returns a non-zero random value.
func randomUint32() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, errs.Wrap(errs.Circuit, "tunnel.randomUint32", err)
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v, nil
		}
	}
}

func randomUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// newCircuitID picks an identifier unused by any originated circuit and by
// any link with addr. Callers hold mu.
func (m *Manager) newCircuitID(addr netip.AddrPort) (uint32, error) {
	for attempt := 0; attempt < 16; attempt++ {
		id, err := randomUint32()
		if err != nil {
			return 0, err
		}
		if _, used := m.circuits[id]; used {
			continue
		}
		if _, used := m.links[linkKey{addr, id}]; used {
			continue
		}
		return id, nil
	}
	return 0, errs.New(errs.Circuit, "(Manager) newCircuitID", "no free circuit identifier after 16 attempts")
}

func (m *Manager) sendPlain(p wire.Payload, to netip.AddrPort) error {
	datagram, err := wire.EncodePlain(m.cfg.Community, p)
	if err != nil {
		return err
	}
	_, err = m.tr.Send(datagram, to)
	return err
}

// lookup resolves the link a circuit message arrived on.
func (m *Manager) lookup(from netip.AddrPort, cid uint32) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[linkKey{from, cid}]
}

func (m *Manager) onCreated(from netip.AddrPort, pkt *wire.Packet) {
	msg := pkt.Payload.(*wire.Created)
	l := m.lookup(from, msg.CircuitID)
	switch {
	case l == nil:
		m.stale("(Manager) onCreated", msg.CircuitID)
	case l.circuit != nil:
		m.originCreated(l.circuit, -1, msg.Identifier, msg.Key, msg.Auth, msg.CandidatesEnc)
	case l.next:
		m.relayCreated(l.relay, msg)
	default:
		m.stale("(Manager) onCreated", msg.CircuitID)
	}
}

func (m *Manager) onCell(from netip.AddrPort, pkt *wire.Packet) {
	msg := pkt.Payload.(*wire.Cell)
	l := m.lookup(from, msg.CircuitID)
	switch {
	case l == nil:
		m.stale("(Manager) onCell", msg.CircuitID)
	case l.circuit != nil:
		m.originCell(l.circuit, msg.Data)
	case l.next:
		m.relayBackward(l.relay, msg.Data)
	default:
		m.relayForward(l.relay, msg.Data)
	}
}

func (m *Manager) onDestroy(from netip.AddrPort, pkt *wire.Packet) {
	msg := pkt.Payload.(*wire.Destroy)
	l := m.lookup(from, msg.CircuitID)
	switch {
	case l == nil:
		m.stale("(Manager) onDestroy", msg.CircuitID)
	case l.circuit != nil:
		reason := ReasonDestroyed
		if msg.Reason == wire.DestroyRejected {
			reason = ReasonRejected
		}
		m.fail(l.circuit, reason, false)
	default:
		m.relayDestroyed(l.relay, l.next, msg.Reason)
	}
}

func (m *Manager) stale(at string, cid uint32) {
	m.stats.stale.Add(1)
	log.WithFields(logger.Fields{
		"at":      at,
		"circuit": cid,
		"reason":  "unknown circuit",
	}).Debug("dropping circuit message")
}

// Close tears down every circuit and channel and waits for pending builds.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	circuits := make([]*Circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		circuits = append(circuits, c)
	}
	relays := make([]*relayCircuit, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, r)
	}
	m.mu.Unlock()

	for _, c := range circuits {
		m.fail(c, ReasonShutdown, true)
	}
	for _, r := range relays {
		m.teardownRelay(r, wire.DestroyShutdown, true, true)
	}
	m.wg.Wait()
	log.WithFields(logger.Fields{
		"at":       "(Manager) Close",
		"phase":    "shutdown",
		"circuits": len(circuits),
		"relays":   len(relays),
	}).Info("circuit manager stopped")
	return nil
}
