package tunnel

import (
	"net/netip"
	"time"

	"github.com/tunnelfin/go-tunnelfin/lib/crypto"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
)

// MaxHops is the longest circuit that can be built.
const MaxHops = 3

// Hop is one relay of an originated circuit. Its cipher is only usable once
// the key agreement for the hop has completed.
type Hop struct {
	Index     int
	PublicKey []byte
	ID        identity.PeerID
	Addr      netip.AddrPort

	ephemeral *crypto.KeyPair
	cipher    *crypto.HopCipher
}

// HopInfo describes one hop in a snapshot.
type HopInfo struct {
	Index int
	ID    identity.PeerID
	Addr  netip.AddrPort
}

// linkKey names one side of a circuit on the wire: the neighbour's address
// and the circuit identifier used with it.
type linkKey struct {
	addr netip.AddrPort
	cid  uint32
}

// pendingHop is the hop whose CREATED or EXTENDED is awaited.
type pendingHop struct {
	identifier uint16
	hop        *Hop
	done       chan error
}

// Circuit is a circuit this node originated. Fields are guarded by the
// manager lock.
type Circuit struct {
	id    uint32
	plan  []peers.Peer
	hops  []*Hop
	state State

	reason        string
	created       time.Time
	established   time.Time
	ended         time.Time
	lastHeartbeat time.Time

	pending *pendingHop
	// ending is set once fail has claimed the circuit.
	ending bool

	pingID       uint16
	pingSent     time.Time
	awaitingPong bool
	missed       int

	streams    map[uint32]*stream
	nextStream uint32

	// done closes when the circuit reaches a terminal state.
	done chan struct{}
}

func newCircuit(id uint32, plan []peers.Peer, now time.Time) *Circuit {
	return &Circuit{
		id:      id,
		plan:    plan,
		state:   StateCreating,
		created: now,
		streams: make(map[uint32]*stream),
		done:    make(chan struct{}),
	}
}

// ID returns the circuit identifier used with the first hop.
func (c *Circuit) ID() uint32 { return c.id }

func (c *Circuit) firstAddr() netip.AddrPort {
	return c.plan[0].Addr
}

func (c *Circuit) ciphers() []*crypto.HopCipher {
	out := make([]*crypto.HopCipher, len(c.hops))
	for i, h := range c.hops {
		out[i] = h.cipher
	}
	return out
}

// setState moves to next. Callers hold the manager lock.
func (c *Circuit) setState(next State, reason string) {
	if c.state.Terminal() {
		return
	}
	c.state = next
	if reason != "" {
		c.reason = reason
	}
	if next.Terminal() {
		close(c.done)
	}
}

// CircuitInfo is a snapshot of an originated circuit.
type CircuitInfo struct {
	ID            uint32
	State         State
	Reason        string
	Hops          []HopInfo
	Planned       int
	Created       time.Time
	Established   time.Time
	Ended         time.Time
	LastHeartbeat time.Time
	Missed        int
	Streams       int
}

func (c *Circuit) info() CircuitInfo {
	hops := make([]HopInfo, len(c.hops))
	for i, h := range c.hops {
		hops[i] = HopInfo{Index: h.Index, ID: h.ID, Addr: h.Addr}
	}
	return CircuitInfo{
		ID:            c.id,
		State:         c.state,
		Reason:        c.reason,
		Hops:          hops,
		Planned:       len(c.plan),
		Created:       c.created,
		Established:   c.established,
		Ended:         c.ended,
		LastHeartbeat: c.lastHeartbeat,
		Missed:        c.missed,
		Streams:       len(c.streams),
	}
}
