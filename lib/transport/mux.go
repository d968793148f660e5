package transport

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// PacketHandler receives decoded packets of one kind.
type PacketHandler func(from netip.AddrPort, pkt *wire.Packet)

// Mux decodes inbound datagrams and dispatches them by message kind. Datagrams
// for another community, of unregistered kinds, or that fail to decode are
// dropped and counted.
type Mux struct {
	community wire.CommunityID
	verify    wire.Verifier

	mu       sync.RWMutex
	handlers map[wire.Kind]PacketHandler

	dropped   atomic.Uint64
	foreign   atomic.Uint64
	unhandled atomic.Uint64
}

var _ Handler = (*Mux)(nil)

// NewMux returns a mux for community. verify checks signed envelopes.
func NewMux(community wire.CommunityID, verify wire.Verifier) *Mux {
	return &Mux{
		community: community,
		verify:    verify,
		handlers:  make(map[wire.Kind]PacketHandler),
	}
}

// Handle registers h for kind, replacing any earlier handler.
func (m *Mux) Handle(kind wire.Kind, h PacketHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// HandleDatagram implements Handler.
func (m *Mux) HandleDatagram(from netip.AddrPort, datagram []byte) {
	h, err := wire.PeekHeader(datagram)
	if err != nil {
		m.drop(datagram, "header")
		return
	}
	if h.Community != m.community {
		m.foreign.Add(1)
		return
	}
	m.mu.RLock()
	handler, ok := m.handlers[h.Kind]
	m.mu.RUnlock()
	if !ok {
		m.unhandled.Add(1)
		log.WithFields(logger.Fields{
			"at":     "(Mux) HandleDatagram",
			"reason": "no handler",
			"kind":   h.Kind.String(),
		}).Debug("dropping datagram")
		return
	}
	pkt, err := wire.Decode(datagram, m.verify)
	if err != nil {
		m.drop(datagram, h.Kind.String())
		return
	}
	handler(from, pkt)
}

// drop logs only kind and length. Decode errors may quote peer bytes and are
// not logged.
func (m *Mux) drop(datagram []byte, kind string) {
	m.dropped.Add(1)
	log.WithFields(logger.Fields{
		"at":     "(Mux) HandleDatagram",
		"reason": "decode failed",
		"kind":   kind,
		"length": len(datagram),
	}).Debug("dropping malformed datagram")
}

// MuxStats counts datagrams the mux discarded.
type MuxStats struct {
	DecodeDrops uint64
	Foreign     uint64
	Unhandled   uint64
}

// Stats returns the drop counters.
func (m *Mux) Stats() MuxStats {
	return MuxStats{
		DecodeDrops: m.dropped.Load(),
		Foreign:     m.foreign.Load(),
		Unhandled:   m.unhandled.Load(),
	}
}
