package tunnel

import (
	"context"
	"errors"
	"net/netip"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/crypto"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// Build establishes one circuit through freshly selected hops. The whole
// sequence is bounded by the build timeout; each CREATE or EXTEND is
// retransmitted with the same identifier per the retry policy.
func (m *Manager) Build(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errs.New(errs.Circuit, "(Manager) Build", "manager closed")
	}
	selector := m.selector
	m.mu.Unlock()

	m.stats.buildsStarted.Add(1)
	plan, err := selector.SelectPeers(m.cfg.HopCount, []identity.PeerID{m.self.PeerID()})
	if err != nil {
		m.stats.buildsFailed.Add(1)
		m.countFailure(ReasonNoCandidates)
		return 0, err
	}

	m.mu.Lock()
	id, err := m.newCircuitID(plan[0].Addr)
	if err != nil {
		m.mu.Unlock()
		m.stats.buildsFailed.Add(1)
		return 0, err
	}
	c := newCircuit(id, plan, m.cfg.Now())
	m.circuits[id] = c
	m.links[linkKey{plan[0].Addr, id}] = &link{circuit: c}
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":        "(Manager) Build",
		"phase":     "circuit_build",
		"circuit":   id,
		"hop_count": len(plan),
	}).Debug("building circuit")

	bctx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout)
	defer cancel()
	for i, p := range plan {
		if err := m.addHop(bctx, c, i, p); err != nil {
			m.stats.buildsFailed.Add(1)
			m.fail(c, buildFailureReason(err), true)
			// Later hops were never contacted.
			m.registry.RecordFailure(p.ID, "circuit build")
			return id, errs.Wrap(errs.Circuit, "(Manager) Build", err)
		}
	}

	m.mu.Lock()
	if c.state.Terminal() {
		reason := c.reason
		m.mu.Unlock()
		m.stats.buildsFailed.Add(1)
		return id, errs.New(errs.Circuit, "(Manager) Build", "circuit %d ended during build: %s", id, reason)
	}
	now := m.cfg.Now()
	c.setState(StateEstablished, "")
	c.established = now
	c.lastHeartbeat = now
	m.mu.Unlock()

	m.stats.buildsSucceeded.Add(1)
	for _, p := range plan {
		m.registry.RecordSuccess(p.ID, 0)
	}
	log.WithFields(logger.Fields{
		"at":        "(Manager) Build",
		"phase":     "circuit_build",
		"circuit":   id,
		"hop_count": len(plan),
		"took":      now.Sub(c.created),
	}).Info("circuit established")
	return id, nil
}

func buildFailureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errs.Is(err, errs.Protocol):
		return ReasonProtocol
	case errs.Is(err, errs.Transport):
		return ReasonSend
	default:
		return ReasonTimeout
	}
}

// addHop runs the key agreement with plan hop i: CREATE for the first hop,
// EXTEND through the established hops for the others.
func (m *Manager) addHop(ctx context.Context, c *Circuit, i int, p peers.Peer) error {
	kp, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		return err
	}
	ph := &pendingHop{
		identifier: randomUint16(),
		hop:        &Hop{Index: i, PublicKey: p.PublicKey, ID: p.ID, Addr: p.Addr, ephemeral: kp},
		done:       make(chan error, 1),
	}
	m.mu.Lock()
	if c.state.Terminal() {
		m.mu.Unlock()
		return errs.New(errs.Circuit, "(Manager) addHop", "circuit %d already %s", c.id, c.state)
	}
	c.pending = ph
	if i > 0 {
		c.setState(StateExtending, "")
	}
	m.mu.Unlock()

	op := "tunnel.create"
	if i > 0 {
		op = "tunnel.extend"
	}
	err = m.cfg.Retry.Do(ctx, op, func(actx context.Context, attempt int) error {
		if err := m.sendHopRequest(c, ph); err != nil {
			return err
		}
		select {
		case err := <-ph.done:
			return err
		case <-c.done:
			return errs.New(errs.Circuit, op, "circuit %d ended", c.id)
		case <-actx.Done():
			return actx.Err()
		}
	})

	m.mu.Lock()
	if c.pending == ph {
		c.pending = nil
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) sendHopRequest(c *Circuit, ph *pendingHop) error {
	h := ph.hop
	if h.Index == 0 {
		return m.sendPlain(&wire.Create{
			CircuitID:     c.id,
			Identifier:    ph.identifier,
			NodePublicKey: m.self.PublicKeyBytes(),
			Key:           h.ephemeral.Public[:],
		}, h.Addr)
	}
	return m.sendForward(c, h.Index-1, &wire.Extend{
		Identifier:    ph.identifier,
		NodePublicKey: h.PublicKey,
		Key:           h.ephemeral.Public[:],
		NodeAddr:      h.Addr,
	})
}

// sendForward onion-wraps an inner message for hop target and sends it to
// the first hop.
func (m *Manager) sendForward(c *Circuit, target int, p wire.Payload) error {
	inner, err := wire.EncodeInner(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ciphers := c.ciphers()
	first := c.firstAddr()
	m.mu.Unlock()
	if target >= len(ciphers) {
		return errs.New(errs.Circuit, "(Manager) sendForward", "hop %d of circuit %d is not established", target, c.id)
	}
	data, err := crypto.WrapForward(ciphers, target, inner)
	if err != nil {
		return err
	}
	return m.sendPlain(&wire.Cell{CircuitID: c.id, Data: data}, first)
}

// originCreated completes the pending hop. from is the index of the hop
// that relayed an EXTENDED, or -1 for a CREATED from the first hop.
func (m *Manager) originCreated(c *Circuit, from int, identifier uint16, key, auth, candidates []byte) {
	m.mu.Lock()
	ph := c.pending
	if ph == nil || ph.identifier != identifier || from != len(c.hops)-1 {
		m.mu.Unlock()
		m.stats.duplicates.Add(1)
		log.WithFields(logger.Fields{
			"at":         "(Manager) originCreated",
			"circuit":    c.id,
			"identifier": identifier,
			"reason":     "no matching pending hop",
		}).Debug("discarding duplicate or stale reply")
		return
	}
	c.pending = nil
	m.mu.Unlock()

	h := ph.hop
	keys, err := crypto.Complete(h.ephemeral, h.PublicKey, key, auth)
	if err != nil {
		ph.done <- err
		return
	}
	cipher, err := crypto.NewHopCipher(keys)
	if err != nil {
		ph.done <- err
		return
	}
	h.cipher = cipher
	h.ephemeral = nil

	m.mu.Lock()
	c.hops = append(c.hops, h)
	m.mu.Unlock()
	m.learnCandidates(cipher, candidates)
	ph.done <- nil
}

// learnCandidates records the relays a hop offered so discovery can reach
// them.
func (m *Manager) learnCandidates(h *crypto.HopCipher, sealed []byte) {
	if len(sealed) == 0 {
		return
	}
	plain, err := h.Decrypt(crypto.Backward, sealed)
	if err != nil {
		return
	}
	cs, err := decodeCandidates(plain)
	if err != nil {
		return
	}
	self := m.self.PeerID()
	for _, cand := range cs {
		if identity.PeerIDFromKey(cand.PublicKey) == self {
			continue
		}
		if _, known := m.registry.Get(identity.PeerIDFromKey(cand.PublicKey)); known {
			continue
		}
		_, _ = m.registry.Observe(cand.PublicKey, cand.Addr, netip.AddrPort{})
	}
}

// originCell handles a backward cell on one of our circuits.
func (m *Manager) originCell(c *Circuit, data []byte) {
	m.mu.Lock()
	ciphers := c.ciphers()
	m.mu.Unlock()
	if len(ciphers) == 0 {
		m.stale("(Manager) originCell", c.id)
		return
	}
	idx, inner, err := crypto.UnwrapBackward(ciphers, data)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) originCell",
			"circuit": c.id,
			"length":  len(data),
			"reason":  "undecryptable cell",
		}).Debug("dropping cell")
		return
	}
	p, err := wire.DecodeInner(inner)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) originCell",
			"circuit": c.id,
			"length":  len(inner),
			"reason":  "malformed inner message",
		}).Debug("dropping cell")
		return
	}
	last := len(ciphers) - 1
	switch msg := p.(type) {
	case *wire.Extended:
		m.originCreated(c, idx, msg.Identifier, msg.Key, msg.Auth, msg.CandidatesEnc)
	case *wire.Pong:
		if idx == last {
			m.onPong(c, msg.Identifier)
		}
	case *wire.StreamOpened, *wire.StreamData, *wire.StreamAck, *wire.StreamClose:
		if idx == last {
			m.originStream(c, p)
		}
	default:
		log.WithFields(logger.Fields{
			"at":      "(Manager) originCell",
			"circuit": c.id,
			"kind":    p.Kind().String(),
			"reason":  "unexpected inner message",
		}).Debug("dropping cell")
	}
}

func destroyCode(reason string) uint16 {
	switch reason {
	case ReasonTimeout, ReasonHeartbeat:
		return wire.DestroyTimeout
	case ReasonProtocol:
		return wire.DestroyProtocolError
	case ReasonShutdown:
		return wire.DestroyShutdown
	default:
		return wire.DestroyRequested
	}
}

// fail ends c. Closed and shutdown end in StateClosed, anything else in
// StateFailed and a replacement build. notify sends DESTROY to the first
// hop.
func (m *Manager) fail(c *Circuit, reason string, notify bool) {
	orderly := reason == ReasonClosed || reason == ReasonShutdown
	m.mu.Lock()
	if c.state.Terminal() || c.ending {
		m.mu.Unlock()
		return
	}
	c.ending = true
	wasEstablished := c.state == StateEstablished
	if orderly {
		c.setState(StateClosing, reason)
	}
	delete(m.links, linkKey{c.firstAddr(), c.id})
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[uint32]*stream)
	if ph := c.pending; ph != nil {
		c.pending = nil
		select {
		case ph.done <- errs.New(errs.Circuit, "(Manager) fail", "circuit %d: %s", c.id, reason):
		default:
		}
	}
	shutdown := m.closed
	if !orderly {
		m.failures[reason]++
	}
	m.mu.Unlock()

	cause := errs.New(errs.Circuit, "(Manager) fail", "circuit lost: %s", reason)
	for _, s := range streams {
		s.abort(cause)
	}
	if notify {
		_ = m.sendPlain(&wire.Destroy{CircuitID: c.id, Reason: destroyCode(reason)}, c.firstAddr())
	}

	m.mu.Lock()
	if orderly {
		c.setState(StateClosed, "")
	} else {
		c.setState(StateFailed, reason)
	}
	c.ended = m.cfg.Now()
	m.mu.Unlock()

	fields := logger.Fields{
		"at":      "(Manager) fail",
		"phase":   "circuit",
		"circuit": c.id,
		"reason":  reason,
	}
	if orderly {
		log.WithFields(fields).Debug("circuit closed")
		return
	}
	log.WithFields(fields).Warn("circuit failed")
	if wasEstablished && !shutdown {
		m.stats.replacements.Add(1)
		m.trigger()
	}
}

func (m *Manager) countFailure(reason string) {
	m.mu.Lock()
	m.failures[reason]++
	m.mu.Unlock()
}
