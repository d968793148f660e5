package peers

import (
	"net/netip"
	"time"

	"github.com/tunnelfin/go-tunnelfin/lib/identity"
)

// NATClass is a peer's inferred NAT behaviour.
type NATClass uint8

const (
	NATUnknown NATClass = iota
	// NATCone peers accepted enough punctures to be reachable.
	NATCone
	// NATSymmetric peers failed most punctures and are not used as relays
	// while alternatives exist.
	NATSymmetric
)

func (c NATClass) String() string {
	switch c {
	case NATCone:
		return "cone"
	case NATSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// HandshakeState is the registry's view of the discovery exchange with a peer.
type HandshakeState uint8

const (
	HandshakeNone HandshakeState = iota
	HandshakeInProgress
	HandshakeComplete
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeInProgress:
		return "in-progress"
	case HandshakeComplete:
		return "complete"
	case HandshakeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Peer is a copy of one registry entry. Two peers are the same peer exactly
// when their public keys are equal; addresses may change.
type Peer struct {
	PublicKey []byte
	ID        identity.PeerID
	Addr      netip.AddrPort
	LANAddr   netip.AddrPort

	SuccessCount     int
	FailureCount     int
	ConsecutiveFails int
	RTT              time.Duration
	RTTVar           time.Duration

	Discovered  time.Time
	LastSeen    time.Time
	LastSuccess time.Time

	Handshake      HandshakeState
	RelayCandidate bool
	Bootstrap      bool

	NAT              NATClass
	PunctureAttempts int
	PunctureFailures int
}

// Known reports whether the peer's public key has been learned.
func (p *Peer) Known() bool {
	return len(p.PublicKey) > 0
}

// SuccessRate is the smoothed fraction of successful interactions. A peer
// with no history rates 0.5.
func (p *Peer) SuccessRate() float64 {
	return float64(p.SuccessCount+1) / float64(p.SuccessCount+p.FailureCount+2)
}

func (p *Peer) clone() Peer {
	c := *p
	c.PublicKey = append([]byte(nil), p.PublicKey...)
	return c
}

func (p *Peer) observeRTT(sample time.Duration) {
	if p.RTT == 0 {
		p.RTT = sample
		p.RTTVar = sample / 2
		return
	}
	diff := p.RTT - sample
	if diff < 0 {
		diff = -diff
	}
	p.RTTVar = (3*p.RTTVar + diff) / 4
	p.RTT = (7*p.RTT + sample) / 8
}
