package discovery

import (
	"bytes"
	"net/netip"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// onIntroductionRequest answers a walker and, when asked, introduces a third
// peer to it.
func (d *Discovery) onIntroductionRequest(from netip.AddrPort, pkt *wire.Packet) {
	req := pkt.Payload.(*wire.IntroductionRequest)
	if !d.limiter.allow(from.Addr()) {
		d.stats.rateLimited.Add(1)
		return
	}
	d.observeGlobalTime(pkt.GlobalTime)
	walker, err := d.registry.Observe(pkt.PublicKey, from, req.SourceLAN)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.voteWAN(req.Destination)
	d.mu.Unlock()

	resp := &wire.IntroductionResponse{
		Destination:    from,
		SourceLAN:      d.lanAddr(),
		SourceWAN:      d.WANAddr(),
		ConnectionType: d.cfg.ConnectionType,
		Identifier:     req.Identifier,
	}
	var introduce *peers.Peer
	if req.Advice {
		introduce = d.pickIntroduction(walker)
		if introduce != nil {
			resp.WANIntroduction = introduce.Addr
			resp.LANIntroduction = introduce.LANAddr
		}
	}
	datagram, err := wire.EncodeSigned(d.cfg.Community, resp, d.nextGlobalTime(), d.self)
	if err != nil {
		return
	}
	if _, err := d.tr.Send(datagram, from); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Discovery) onIntroductionRequest",
			"reason": "send failed",
		}).WithError(err).Debug("dropping introduction response")
		return
	}
	if introduce == nil {
		return
	}
	preq := &wire.PunctureRequest{
		LANWalker:  req.SourceLAN,
		WANWalker:  from,
		Identifier: req.Identifier,
	}
	datagram, err = wire.EncodeUnsigned(d.cfg.Community, preq, d.nextGlobalTime())
	if err != nil {
		return
	}
	if _, err := d.tr.Send(datagram, introduce.Addr); err == nil {
		d.stats.introduced.Add(1)
	}
}

// pickIntroduction chooses a random verified peer other than the walker.
func (d *Discovery) pickIntroduction(walker peers.Peer) *peers.Peer {
	var pool []peers.Peer
	for _, p := range d.registry.Snapshot() {
		if !p.Known() || p.Handshake != peers.HandshakeComplete {
			continue
		}
		if p.ID == walker.ID || p.Addr == walker.Addr {
			continue
		}
		pool = append(pool, p)
	}
	if len(pool) == 0 {
		return nil
	}
	p := pool[rand.Intn(len(pool))]
	return &p
}

// onIntroductionResponse advances the matching session. Responses for
// unknown identifiers, from the wrong address or signed by an unexpected key
// are ignored.
func (d *Discovery) onIntroductionResponse(from netip.AddrPort, pkt *wire.Packet) {
	resp := pkt.Payload.(*wire.IntroductionResponse)
	d.mu.Lock()
	s, ok := d.sessions[resp.Identifier]
	if !ok || s.state != StateRequestSent || s.addr != from ||
		(len(s.expectKey) > 0 && !bytes.Equal(s.expectKey, pkt.PublicKey)) {
		d.mu.Unlock()
		d.stats.stale.Add(1)
		log.WithFields(logger.Fields{
			"at":         "(Discovery) onIntroductionResponse",
			"identifier": resp.Identifier,
			"reason":     "no matching session",
		}).Debug("ignoring introduction response")
		return
	}
	s.peerKey = append([]byte(nil), pkt.PublicKey...)
	s.peer = identity.PeerIDFromKey(pkt.PublicKey)
	s.advance(StateResponseReceived)
	rtt := d.cfg.Now().Sub(s.sentAt)
	d.voteWAN(resp.Destination)
	if resp.WANIntroduction.IsValid() {
		s.introduced = resp.WANIntroduction
		s.advance(StatePunctureRequestSent)
	}
	introduced := s.introduced
	d.mu.Unlock()

	d.observeGlobalTime(pkt.GlobalTime)
	p, err := d.registry.Observe(pkt.PublicKey, from, resp.SourceLAN)
	if err != nil {
		d.finish(s, StateFailed, "invalid responder key")
		return
	}
	d.registry.RecordSuccess(p.ID, rtt)
	d.registry.SetHandshake(p.ID, peers.HandshakeComplete)

	if !introduced.IsValid() {
		d.finish(s, StateComplete, "response received")
		return
	}
	d.registry.AddAddress(introduced)
	log.WithFields(logger.Fields{
		"at":         "(Discovery) onIntroductionResponse",
		"identifier": resp.Identifier,
		"phase":      "puncture",
	}).Debug("awaiting puncture from introduced peer")
}

// onPunctureRequest fires a puncture at the walker named by an introducer.
func (d *Discovery) onPunctureRequest(from netip.AddrPort, pkt *wire.Packet) {
	req := pkt.Payload.(*wire.PunctureRequest)
	if !d.limiter.allow(from.Addr()) {
		d.stats.rateLimited.Add(1)
		return
	}
	if !req.WANWalker.IsValid() {
		return
	}
	d.observeGlobalTime(pkt.GlobalTime)
	p := &wire.Puncture{
		SourceLAN:  d.lanAddr(),
		SourceWAN:  d.WANAddr(),
		Identifier: req.Identifier,
	}
	datagram, err := wire.EncodeUnsigned(d.cfg.Community, p, d.nextGlobalTime())
	if err != nil {
		return
	}
	if _, err := d.tr.Send(datagram, req.WANWalker); err == nil {
		d.stats.punctures.Add(1)
	}
}

// onPuncture completes a session waiting on an introduced peer.
func (d *Discovery) onPuncture(from netip.AddrPort, pkt *wire.Packet) {
	p := pkt.Payload.(*wire.Puncture)
	d.mu.Lock()
	s, ok := d.sessions[p.Identifier]
	if !ok || s.state != StatePunctureRequestSent {
		d.mu.Unlock()
		d.stats.stale.Add(1)
		return
	}
	s.advance(StatePunctureReceived)
	introduced := s.introduced
	d.mu.Unlock()

	d.observeGlobalTime(pkt.GlobalTime)
	d.registry.RecordPuncture(introduced, true)
	if from != introduced {
		d.registry.AddAddress(from)
	}
	d.finish(s, StateComplete, "puncture received")
}
