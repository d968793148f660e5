package peers

import (
	"bytes"
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

var log = logger.GetGoI2PLogger()

const (
	// DefaultNATMinSamples is the puncture count needed before classifying.
	DefaultNATMinSamples = 5
	// DefaultNATFailureThreshold is the failure rate above which a peer is
	// classified symmetric.
	DefaultNATFailureThreshold = 0.5
	// DefaultInactivity is how long a silent peer is kept.
	DefaultInactivity = 10 * time.Minute
)

// Config tunes the registry.
type Config struct {
	NATMinSamples       int
	NATFailureThreshold float64
	Inactivity          time.Duration
	Now                 func() time.Time
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		NATMinSamples:       DefaultNATMinSamples,
		NATFailureThreshold: DefaultNATFailureThreshold,
		Inactivity:          DefaultInactivity,
	}
}

// Registry tracks known peers. Entries are indexed by PeerID once the key is
// known and always by current address. It is safe for concurrent use.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	byID   map[identity.PeerID]*Peer
	byAddr map[netip.AddrPort]*Peer
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NATMinSamples <= 0 {
		cfg.NATMinSamples = DefaultNATMinSamples
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultInactivity
	}
	log.WithFields(logger.Fields{
		"at":                    "NewRegistry",
		"reason":                "initialization",
		"nat_min_samples":       cfg.NATMinSamples,
		"nat_failure_threshold": cfg.NATFailureThreshold,
	}).Debug("creating peer registry")
	return &Registry{
		cfg:    cfg,
		byID:   make(map[identity.PeerID]*Peer),
		byAddr: make(map[netip.AddrPort]*Peer),
	}
}

// AddBootstrap records a well-known entry point. Its key is learned on the
// first verified response.
func (r *Registry) AddBootstrap(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byAddr[addr]; ok {
		p.Bootstrap = true
		return
	}
	now := r.cfg.Now()
	r.byAddr[addr] = &Peer{Addr: addr, Bootstrap: true, Discovered: now, LastSeen: now}
}

// AddAddress records an endpoint heard of through an introduction.
func (r *Registry) AddAddress(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAddr[addr]; ok {
		return
	}
	now := r.cfg.Now()
	r.byAddr[addr] = &Peer{Addr: addr, Discovered: now, LastSeen: now}
}

// Observe records a verified message from publicKey at addr. It binds the key
// to any keyless entry at addr and moves a known peer to its new address.
func (r *Registry) Observe(publicKey []byte, addr, lan netip.AddrPort) (Peer, error) {
	if len(publicKey) != identity.PublicKeySize {
		return Peer{}, errs.New(errs.Validation, "(Registry) Observe", "public key must be %d bytes", identity.PublicKeySize)
	}
	id := identity.PeerIDFromKey(publicKey)
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, known := r.byID[id]
	atAddr := r.byAddr[addr]
	switch {
	case known:
		if atAddr != nil && atAddr != p && !atAddr.Known() {
			mergeKeyless(p, atAddr)
			p.NAT = r.classify(p)
		}
	case atAddr != nil && !atAddr.Known():
		p = atAddr
		p.PublicKey = append([]byte(nil), publicKey...)
		p.ID = id
		r.byID[id] = p
	default:
		p = &Peer{PublicKey: append([]byte(nil), publicKey...), ID: id, Discovered: now}
		r.byID[id] = p
	}

	if p.Addr != addr {
		if r.byAddr[p.Addr] == p {
			delete(r.byAddr, p.Addr)
		}
		p.Addr = addr
	}
	r.byAddr[addr] = p
	if lan.IsValid() {
		p.LANAddr = lan
	}
	p.LastSeen = now
	return p.clone(), nil
}

// mergeKeyless folds the counters of a keyless entry into the peer it turned
// out to be.
func mergeKeyless(dst, src *Peer) {
	dst.PunctureAttempts += src.PunctureAttempts
	dst.PunctureFailures += src.PunctureFailures
	dst.SuccessCount += src.SuccessCount
	dst.FailureCount += src.FailureCount
	dst.Bootstrap = dst.Bootstrap || src.Bootstrap
	if src.Discovered.Before(dst.Discovered) {
		dst.Discovered = src.Discovered
	}
}

// Touch refreshes the last-seen time of whoever is at addr.
func (r *Registry) Touch(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byAddr[addr]; ok {
		p.LastSeen = r.cfg.Now()
	}
}

// Get returns a copy of the peer with id.
func (r *Registry) Get(id identity.PeerID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// GetByAddr returns a copy of the peer currently at addr.
func (r *Registry) GetByAddr(addr netip.AddrPort) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddr[addr]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// RecordSuccess records a completed exchange with id and its round trip.
func (r *Registry) RecordSuccess(id identity.PeerID, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return
	}
	now := r.cfg.Now()
	p.SuccessCount++
	p.ConsecutiveFails = 0
	p.LastSuccess = now
	p.LastSeen = now
	if rtt > 0 {
		p.observeRTT(rtt)
	}
}

// RecordFailure records a failed exchange with id.
func (r *Registry) RecordFailure(id identity.PeerID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return
	}
	p.FailureCount++
	p.ConsecutiveFails++
	log.WithFields(logger.Fields{
		"at":                "(Registry) RecordFailure",
		"peer_id":           id.Short(),
		"consecutive_fails": p.ConsecutiveFails,
		"reason":            reason,
	}).Debug("recorded peer failure")
}

// SetHandshake records the discovery state for id. Reaching Complete makes
// the peer a relay candidate; no other state changes the flag.
func (r *Registry) SetHandshake(id identity.PeerID, state HandshakeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return
	}
	p.Handshake = state
	if state == HandshakeComplete {
		p.RelayCandidate = true
	}
}

// RecordPuncture records the outcome of a puncture attempt towards addr and
// reclassifies the peer there.
func (r *Registry) RecordPuncture(addr netip.AddrPort, success bool) NATClass {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byAddr[addr]
	if !ok {
		now := r.cfg.Now()
		p = &Peer{Addr: addr, Discovered: now, LastSeen: now}
		r.byAddr[addr] = p
	}
	p.PunctureAttempts++
	if !success {
		p.PunctureFailures++
	}
	before := p.NAT
	p.NAT = r.classify(p)
	if p.NAT != before {
		log.WithFields(logger.Fields{
			"at":       "(Registry) RecordPuncture",
			"attempts": p.PunctureAttempts,
			"failures": p.PunctureFailures,
			"from":     before.String(),
			"to":       p.NAT.String(),
		}).Info("peer nat class changed")
	}
	return p.NAT
}

func (r *Registry) classify(p *Peer) NATClass {
	if p.PunctureAttempts < r.cfg.NATMinSamples {
		return p.NAT
	}
	rate := float64(p.PunctureFailures) / float64(p.PunctureAttempts)
	if rate > r.cfg.NATFailureThreshold {
		return NATSymmetric
	}
	return NATCone
}

// Score ranks a peer as a relay: success rate, then low latency variance,
// then recency. Higher is better.
func (r *Registry) Score(p *Peer) float64 {
	variance := 1.0 / (1.0 + p.RTTVar.Seconds()*10)
	age := r.cfg.Now().Sub(p.LastSeen)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-age.Seconds() / r.cfg.Inactivity.Seconds())
	return 0.5*p.SuccessRate() + 0.3*variance + 0.2*recency
}

// RelayCandidates returns keyed peers that completed a handshake. Peers not
// known to sit behind a symmetric NAT come first, best first; symmetric-NAT
// peers follow, also best first, so a caller short of relays can top up
// from the tail.
func (r *Registry) RelayCandidates(exclude ...identity.PeerID) []Peer {
	skip := make(map[identity.PeerID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open, symmetric []*Peer
	for id, p := range r.byID {
		if skip[id] || !p.RelayCandidate {
			continue
		}
		if p.NAT == NATSymmetric {
			symmetric = append(symmetric, p)
		} else {
			open = append(open, p)
		}
	}
	out := make([]Peer, 0, len(open)+len(symmetric))
	for _, tier := range [][]*Peer{open, symmetric} {
		r.rank(tier)
		for _, p := range tier {
			out = append(out, p.clone())
		}
	}
	return out
}

// rank sorts peers by descending score, ties broken by public key. Callers
// hold mu.
func (r *Registry) rank(pool []*Peer) {
	scores := make(map[*Peer]float64, len(pool))
	for _, p := range pool {
		scores[p] = r.Score(p)
	}
	sort.Slice(pool, func(i, j int) bool {
		if scores[pool[i]] != scores[pool[j]] {
			return scores[pool[i]] > scores[pool[j]]
		}
		return bytes.Compare(pool[i].PublicKey, pool[j].PublicKey) < 0
	})
}

// Snapshot returns a copy of every entry.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.byAddr))
	for _, p := range r.entries() {
		out = append(out, p.clone())
	}
	return out
}

// entries returns each entry once. Callers hold mu.
func (r *Registry) entries() []*Peer {
	seen := make(map[*Peer]bool, len(r.byAddr))
	var out []*Peer
	for _, p := range r.byAddr {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range r.byID {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries())
}

// CountByNAT returns the number of entries in each NAT class.
func (r *Registry) CountByNAT() map[NATClass]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[NATClass]int)
	for _, p := range r.entries() {
		out[p.NAT]++
	}
	return out
}

// Evict removes entries not seen within the inactivity window and returns
// how many were removed.
func (r *Registry) Evict() int {
	cutoff := r.cfg.Now().Add(-r.cfg.Inactivity)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, p := range r.entries() {
		if !p.LastSeen.Before(cutoff) {
			continue
		}
		if r.byAddr[p.Addr] == p {
			delete(r.byAddr, p.Addr)
		}
		if p.Known() && r.byID[p.ID] == p {
			delete(r.byID, p.ID)
		}
		removed++
	}
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":        "(Registry) Evict",
			"removed":   removed,
			"remaining": len(r.entries()),
		}).Debug("evicted inactive peers")
	}
	return removed
}
