// Package metrics gathers read-only counters from the node's components into
// a Snapshot and exports them to prometheus.
package metrics

import (
	"time"

	"github.com/tunnelfin/go-tunnelfin/lib/bandwidth"
	"github.com/tunnelfin/go-tunnelfin/lib/discovery"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/tunnel"
)

// TunnelSource is implemented by *tunnel.Manager.
type TunnelSource interface {
	Stats() tunnel.Stats
	CountByState() map[tunnel.State]int
	RelayCount() int
	ChannelCount() int
}

// TransportSource is implemented by every transport.
type TransportSource interface {
	Stats() transport.Stats
}

// DecodeSource is implemented by *transport.Mux.
type DecodeSource interface {
	Stats() transport.MuxStats
}

// HandshakeSource is implemented by *discovery.Discovery.
type HandshakeSource interface {
	Stats() discovery.Stats
}

// PeerSource is implemented by *peers.Registry.
type PeerSource interface {
	Len() int
	CountByNAT() map[peers.NATClass]int
}

// RateSource is implemented by *bandwidth.Tracker.
type RateSource interface {
	Rates() bandwidth.Rates
}

// Sources are the components a Snapshot reads. Nil sources are skipped.
type Sources struct {
	Tunnel    TunnelSource
	Ledger    *bandwidth.Ledger
	Rates     RateSource
	Transport TransportSource
	Decode    DecodeSource
	Handshake HandshakeSource
	Peers     PeerSource
	Now       func() time.Time
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Taken time.Time

	CircuitsByState  map[string]int
	RelayCircuits    int
	Channels         int
	Builds           tunnel.Stats
	HeartbeatsMissed uint64

	Bandwidth          bandwidth.Totals
	Rates              bandwidth.Rates
	RelayRatio         float64
	RequiredRelayBytes uint64

	Transport  transport.Stats
	Decode     transport.MuxStats
	Handshakes discovery.Stats

	Peers      int
	PeersByNAT map[string]int
}

var allStates = []tunnel.State{
	tunnel.StateCreating,
	tunnel.StateExtending,
	tunnel.StateEstablished,
	tunnel.StateClosing,
	tunnel.StateClosed,
	tunnel.StateFailed,
}

var allNAT = []peers.NATClass{peers.NATUnknown, peers.NATCone, peers.NATSymmetric}

// Take reads every source once.
func (s Sources) Take() Snapshot {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	snap := Snapshot{
		Taken:           now(),
		CircuitsByState: make(map[string]int, len(allStates)),
		PeersByNAT:      make(map[string]int, len(allNAT)),
	}
	for _, st := range allStates {
		snap.CircuitsByState[st.String()] = 0
	}
	for _, c := range allNAT {
		snap.PeersByNAT[c.String()] = 0
	}

	if s.Tunnel != nil {
		for st, n := range s.Tunnel.CountByState() {
			snap.CircuitsByState[st.String()] = n
		}
		snap.RelayCircuits = s.Tunnel.RelayCount()
		snap.Channels = s.Tunnel.ChannelCount()
		snap.Builds = s.Tunnel.Stats()
		snap.HeartbeatsMissed = snap.Builds.HeartbeatsMissed
	}
	if s.Ledger != nil {
		snap.Bandwidth = s.Ledger.Totals()
		snap.RelayRatio = snap.Bandwidth.RelayRatio()
		snap.RequiredRelayBytes = snap.Bandwidth.RequiredRelayBytes()
	}
	if s.Rates != nil {
		snap.Rates = s.Rates.Rates()
	}
	if s.Transport != nil {
		snap.Transport = s.Transport.Stats()
	}
	if s.Decode != nil {
		snap.Decode = s.Decode.Stats()
	}
	if s.Handshake != nil {
		snap.Handshakes = s.Handshake.Stats()
	}
	if s.Peers != nil {
		snap.Peers = s.Peers.Len()
		for c, n := range s.Peers.CountByNAT() {
			snap.PeersByNAT[c.String()] = n
		}
	}
	return snap
}
