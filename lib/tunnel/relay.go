package tunnel

import (
	"net/netip"
	"time"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/crypto"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

type extendState uint8

const (
	extendNone extendState = iota
	extendPending
	extendDone
)

// relayCircuit is our hop of another node's circuit. prev faces the
// originator, next the following hop once extended. Mutable fields are
// guarded by the manager lock.
type relayCircuit struct {
	prev   linkKey
	next   linkKey
	cipher *crypto.HopCipher

	createIdent uint16
	created     *wire.Created

	extend       extendState
	extendIdent  uint16
	extendCreate *wire.Create
	extended     *wire.Extended

	lastActive time.Time
	exits      map[uint32]*exitStream
}

func (m *Manager) onCreate(from netip.AddrPort, pkt *wire.Packet) {
	msg := pkt.Payload.(*wire.Create)
	key := linkKey{from, msg.CircuitID}

	m.mu.Lock()
	if l := m.links[key]; l != nil {
		if l.relay != nil && !l.next && l.relay.createIdent == msg.Identifier {
			created := l.relay.created
			m.mu.Unlock()
			m.stats.duplicates.Add(1)
			_ = m.sendPlain(created, from)
			return
		}
		m.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":      "(Manager) onCreate",
			"circuit": msg.CircuitID,
			"reason":  "circuit identifier in use",
		}).Debug("refusing create")
		_ = m.sendPlain(&wire.Destroy{CircuitID: msg.CircuitID, Reason: wire.DestroyProtocolError}, from)
		return
	}
	active := len(m.relays)
	closed := m.closed
	m.mu.Unlock()

	if ok, reason := m.admit(active, closed); !ok {
		m.stats.relayRejected.Add(1)
		log.WithFields(logger.Fields{
			"at":      "(Manager) onCreate",
			"circuit": msg.CircuitID,
			"active":  active,
			"reason":  reason,
		}).Debug("rejecting relay circuit")
		_ = m.sendPlain(&wire.Destroy{CircuitID: msg.CircuitID, Reason: wire.DestroyRejected}, from)
		return
	}

	kp, keys, auth, err := crypto.Respond(m.self.PublicKeyBytes(), msg.Key, nil)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) onCreate",
			"circuit": msg.CircuitID,
			"reason":  "key agreement failed",
		}).Debug("dropping create")
		return
	}
	cipher, err := crypto.NewHopCipher(keys)
	if err != nil {
		return
	}
	var sealed []byte
	if list, err := encodeCandidates(m.offerCandidates(msg.NodePublicKey, from)); err == nil {
		sealed, _ = cipher.Encrypt(crypto.Backward, list)
	}
	r := &relayCircuit{
		prev:        key,
		cipher:      cipher,
		createIdent: msg.Identifier,
		created: &wire.Created{
			CircuitID:     msg.CircuitID,
			Identifier:    msg.Identifier,
			Key:           kp.Public[:],
			Auth:          auth,
			CandidatesEnc: sealed,
		},
		lastActive: m.cfg.Now(),
		exits:      make(map[uint32]*exitStream),
	}

	m.mu.Lock()
	if m.links[key] != nil {
		m.mu.Unlock()
		return
	}
	m.links[key] = &link{relay: r}
	m.relays[key] = r
	m.mu.Unlock()

	m.stats.relayAccepted.Add(1)
	log.WithFields(logger.Fields{
		"at":      "(Manager) onCreate",
		"phase":   "relay",
		"circuit": msg.CircuitID,
	}).Debug("accepted relay circuit")
	_ = m.sendPlain(r.created, from)
}

func (m *Manager) admit(active int, closed bool) (bool, string) {
	if closed {
		return false, "shutting down"
	}
	if m.policy == nil {
		return false, "no relay policy"
	}
	return m.policy.Admit(active)
}

// offerCandidates lists relays the requester may extend to, excluding the
// requester itself.
func (m *Manager) offerCandidates(requesterKey []byte, from netip.AddrPort) []Candidate {
	exclude := []identity.PeerID{m.self.PeerID()}
	if len(requesterKey) == identity.PublicKeySize {
		exclude = append(exclude, identity.PeerIDFromKey(requesterKey))
	}
	var out []Candidate
	for _, p := range m.registry.RelayCandidates(exclude...) {
		if p.Addr == from {
			continue
		}
		out = append(out, Candidate{PublicKey: p.PublicKey, Addr: p.Addr})
		if len(out) == maxOffered {
			break
		}
	}
	return out
}

// touch marks r active for the idle reaper.
func (m *Manager) touch(r *relayCircuit) {
	m.mu.Lock()
	r.lastActive = m.cfg.Now()
	m.mu.Unlock()
}

// forwarded accounts for a cell passed on to the next or previous hop.
// Cells that end at this hop are not relay work.
func (m *Manager) forwarded(n int) {
	m.stats.cellsRelayed.Add(1)
	if m.ledger != nil {
		_ = m.ledger.RecordRelay(int64(n))
	}
}

// relayForward handles a cell travelling away from the originator.
func (m *Manager) relayForward(r *relayCircuit, data []byte) {
	m.touch(r)
	flag, rest, err := crypto.PeelForward(r.cipher, data)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) relayForward",
			"circuit": r.prev.cid,
			"length":  len(data),
			"reason":  "undecryptable cell",
		}).Debug("dropping cell")
		return
	}
	if flag == crypto.FlagForward {
		m.mu.Lock()
		next := r.next
		m.mu.Unlock()
		if !next.addr.IsValid() {
			m.stale("(Manager) relayForward", r.prev.cid)
			return
		}
		if m.sendPlain(&wire.Cell{CircuitID: next.cid, Data: rest}, next.addr) == nil {
			m.forwarded(len(data))
		}
		return
	}

	p, err := wire.DecodeInner(rest)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) relayForward",
			"circuit": r.prev.cid,
			"length":  len(rest),
			"reason":  "malformed inner message",
		}).Debug("dropping cell")
		return
	}
	switch msg := p.(type) {
	case *wire.Extend:
		m.relayExtend(r, msg)
	case *wire.Ping:
		_ = m.relayReply(r, &wire.Pong{Identifier: msg.Identifier})
	case *wire.StreamOpen, *wire.StreamData, *wire.StreamAck, *wire.StreamClose:
		m.exitMessage(r, p)
	default:
		log.WithFields(logger.Fields{
			"at":      "(Manager) relayForward",
			"circuit": r.prev.cid,
			"kind":    p.Kind().String(),
			"reason":  "unexpected inner message",
		}).Debug("dropping cell")
	}
}

// relayBackward handles a cell travelling towards the originator.
func (m *Manager) relayBackward(r *relayCircuit, data []byte) {
	m.touch(r)
	wrapped, err := crypto.WrapBackward(r.cipher, crypto.FlagForward, data)
	if err != nil {
		return
	}
	if m.sendPlain(&wire.Cell{CircuitID: r.prev.cid, Data: wrapped}, r.prev.addr) == nil {
		m.forwarded(len(data))
	}
}

// relayReply sends an inner message from this hop to the originator.
func (m *Manager) relayReply(r *relayCircuit, p wire.Payload) error {
	inner, err := wire.EncodeInner(p)
	if err != nil {
		return err
	}
	data, err := crypto.WrapBackward(r.cipher, crypto.FlagDeliver, inner)
	if err != nil {
		return err
	}
	return m.sendPlain(&wire.Cell{CircuitID: r.prev.cid, Data: data}, r.prev.addr)
}

// relayExtend grows the circuit by sending CREATE to the requested node.
// A repeated EXTEND with the same identifier is answered from state.
func (m *Manager) relayExtend(r *relayCircuit, msg *wire.Extend) {
	m.mu.Lock()
	switch {
	case r.extend == extendDone && msg.Identifier == r.extendIdent:
		ext := r.extended
		m.mu.Unlock()
		m.stats.duplicates.Add(1)
		_ = m.relayReply(r, ext)
		return
	case r.extend == extendPending && msg.Identifier == r.extendIdent:
		next, create := r.next, r.extendCreate
		m.mu.Unlock()
		m.stats.duplicates.Add(1)
		_ = m.sendPlain(create, next.addr)
		return
	case r.extend != extendNone:
		m.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":      "(Manager) relayExtend",
			"circuit": r.prev.cid,
			"reason":  "already extended",
		}).Debug("ignoring extend")
		return
	}
	if !msg.NodeAddr.IsValid() || msg.NodeAddr == m.tr.LocalAddr() || msg.NodeAddr == r.prev.addr {
		m.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":      "(Manager) relayExtend",
			"circuit": r.prev.cid,
			"reason":  "invalid extension target",
		}).Debug("ignoring extend")
		return
	}
	cid, err := m.newCircuitID(msg.NodeAddr)
	if err != nil {
		m.mu.Unlock()
		return
	}
	r.next = linkKey{msg.NodeAddr, cid}
	r.extend = extendPending
	r.extendIdent = msg.Identifier
	r.extendCreate = &wire.Create{
		CircuitID:     cid,
		Identifier:    msg.Identifier,
		NodePublicKey: m.self.PublicKeyBytes(),
		Key:           msg.Key,
	}
	m.links[r.next] = &link{relay: r, next: true}
	create := r.extendCreate
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":      "(Manager) relayExtend",
		"phase":   "relay",
		"circuit": r.prev.cid,
		"next":    cid,
	}).Debug("extending circuit")
	_ = m.sendPlain(create, msg.NodeAddr)
}

// relayCreated turns the next hop's CREATED into an EXTENDED for the
// originator.
func (m *Manager) relayCreated(r *relayCircuit, msg *wire.Created) {
	m.mu.Lock()
	if r.extend != extendPending || msg.Identifier != r.extendIdent {
		m.mu.Unlock()
		m.stats.duplicates.Add(1)
		return
	}
	r.extend = extendDone
	r.extended = &wire.Extended{
		Identifier:    msg.Identifier,
		Key:           msg.Key,
		Auth:          msg.Auth,
		CandidatesEnc: msg.CandidatesEnc,
	}
	ext := r.extended
	m.mu.Unlock()
	_ = m.relayReply(r, ext)
}

// relayDestroyed propagates a DESTROY to the other side.
func (m *Manager) relayDestroyed(r *relayCircuit, fromNext bool, code uint16) {
	m.teardownRelay(r, code, fromNext, !fromNext)
}

func (m *Manager) teardownRelay(r *relayCircuit, code uint16, notifyPrev, notifyNext bool) {
	m.mu.Lock()
	if m.relays[r.prev] != r {
		m.mu.Unlock()
		return
	}
	delete(m.relays, r.prev)
	delete(m.links, r.prev)
	next := r.next
	if next.addr.IsValid() {
		delete(m.links, next)
	}
	exits := make([]*exitStream, 0, len(r.exits))
	for _, e := range r.exits {
		exits = append(exits, e)
	}
	r.exits = make(map[uint32]*exitStream)
	m.mu.Unlock()

	for _, e := range exits {
		e.close()
	}
	if notifyNext && next.addr.IsValid() {
		_ = m.sendPlain(&wire.Destroy{CircuitID: next.cid, Reason: code}, next.addr)
	}
	if notifyPrev {
		_ = m.sendPlain(&wire.Destroy{CircuitID: r.prev.cid, Reason: code}, r.prev.addr)
	}
	log.WithFields(logger.Fields{
		"at":      "(Manager) teardownRelay",
		"phase":   "relay",
		"circuit": r.prev.cid,
		"code":    code,
	}).Debug("relay circuit torn down")
}

// reapRelays tears down relay circuits idle for longer than idle.
func (m *Manager) reapRelays(idle time.Duration) int {
	now := m.cfg.Now()
	m.mu.Lock()
	var stale []*relayCircuit
	for _, r := range m.relays {
		if now.Sub(r.lastActive) > idle {
			stale = append(stale, r)
		}
	}
	m.mu.Unlock()
	for _, r := range stale {
		m.teardownRelay(r, wire.DestroyTimeout, true, true)
		m.stats.relayReaped.Add(1)
	}
	if len(stale) > 0 {
		log.WithFields(logger.Fields{
			"at":     "(Manager) reapRelays",
			"phase":  "relay",
			"count":  len(stale),
			"reason": "idle",
		}).Info("reaped idle relay circuits")
	}
	return len(stale)
}
