package node

import (
	"encoding/hex"

	"github.com/tunnelfin/go-tunnelfin/lib/control"
	"github.com/tunnelfin/go-tunnelfin/lib/tunnel"
)

var _ control.Provider = (*Node)(nil)

// Status implements control.Provider.
func (n *Node) Status() control.Status {
	snap := n.collector.Snapshot()
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	offset, synced := n.clock.Offset()

	st := control.Status{
		PeerID:        n.self.PeerID().String(),
		Community:     hex.EncodeToString(n.community[:]),
		ListenAddr:    n.tr.LocalAddr().String(),
		Started:       started,
		Circuits:      snap.CircuitsByState,
		RelayCircuits: snap.RelayCircuits,
		Channels:      snap.Channels,
		Peers:         snap.Peers,
		RelayEnabled:  n.cfg.Relay.Enabled,
		ExitEnabled:   n.cfg.Relay.Exit,
		ClockOffset:   offset.String(),
		ClockSynced:   synced,
	}
	if wan := n.disc.WANAddr(); wan.IsValid() {
		st.WANAddr = wan.String()
	}
	return st
}

// Circuits implements control.Provider.
func (n *Node) Circuits() []control.Circuit {
	infos := n.tunnels.Circuits()
	out := make([]control.Circuit, 0, len(infos))
	for _, c := range infos {
		out = append(out, circuitView(c))
	}
	return out
}

func circuitView(c tunnel.CircuitInfo) control.Circuit {
	hops := make([]control.Hop, 0, len(c.Hops))
	for _, h := range c.Hops {
		hops = append(hops, control.Hop{Index: h.Index, PeerID: h.ID.String(), Addr: h.Addr.String()})
	}
	return control.Circuit{
		ID:            c.ID,
		State:         c.State.String(),
		Reason:        c.Reason,
		Hops:          hops,
		Planned:       c.Planned,
		Created:       c.Created,
		Established:   c.Established,
		LastHeartbeat: c.LastHeartbeat,
		Missed:        c.Missed,
		Streams:       c.Streams,
	}
}

// Bandwidth implements control.Provider.
func (n *Node) Bandwidth() control.Bandwidth {
	t := n.ledger.Totals()
	r := n.rates.Rates()
	proportional, _ := t.IsProportional(n.cfg.Relay.ProportionalityThreshold)
	return control.Bandwidth{
		Downloaded:         t.Downloaded,
		Uploaded:           t.Uploaded,
		Relayed:            t.Relayed,
		RelayRatio:         t.RelayRatio(),
		RequiredRelayBytes: t.RequiredRelayBytes(),
		Proportional:       proportional,
		Download1s:         r.Download1s,
		Download15s:        r.Download15s,
		Upload1s:           r.Upload1s,
		Upload15s:          r.Upload15s,
		Relay1s:            r.Relay1s,
		Relay15s:           r.Relay15s,
	}
}

// Peers implements control.Provider.
func (n *Node) Peers() []control.Peer {
	snapshot := n.registry.Snapshot()
	out := make([]control.Peer, 0, len(snapshot))
	for _, p := range snapshot {
		v := control.Peer{
			Addr:           p.Addr.String(),
			NAT:            p.NAT.String(),
			Handshake:      p.Handshake.String(),
			RelayCandidate: p.RelayCandidate,
			Bootstrap:      p.Bootstrap,
			SuccessRate:    p.SuccessRate(),
			RTTMillis:      p.RTT.Milliseconds(),
			LastSeen:       p.LastSeen,
		}
		if p.Known() {
			v.PeerID = p.ID.String()
		}
		out = append(out, v)
	}
	return out
}

// CloseCircuit implements control.Provider.
func (n *Node) CloseCircuit(id uint32) error {
	return n.tunnels.CloseCircuit(id)
}
