package tunnel

import (
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// PeerSelector picks the hops of a new circuit, hop 0 first.
type PeerSelector interface {
	SelectPeers(count int, exclude []identity.PeerID) ([]peers.Peer, error)
}

// PeerFilter accepts or rejects a candidate during selection.
type PeerFilter interface {
	Name() string
	Accept(p peers.Peer) bool
}

// FuncFilter adapts a function to PeerFilter.
type FuncFilter struct {
	name     string
	acceptFn func(p peers.Peer) bool
}

// NewFuncFilter returns a named filter.
func NewFuncFilter(name string, acceptFn func(p peers.Peer) bool) *FuncFilter {
	return &FuncFilter{name: name, acceptFn: acceptFn}
}

func (f *FuncFilter) Name() string { return f.name }

func (f *FuncFilter) Accept(p peers.Peer) bool { return f.acceptFn(p) }

// RegistrySelector draws hops from the registry's ranked relay candidates.
// It picks at random among the best 2*count so that pooled circuits do not
// all share the same hops.
type RegistrySelector struct {
	registry *peers.Registry
	filters  []PeerFilter
}

// RegistrySelectorOption configures a RegistrySelector.
type RegistrySelectorOption func(*RegistrySelector)

// WithFilters adds filters applied to every candidate.
func WithFilters(filters ...PeerFilter) RegistrySelectorOption {
	return func(s *RegistrySelector) {
		s.filters = append(s.filters, filters...)
	}
}

// NewRegistrySelector returns a selector over registry.
func NewRegistrySelector(registry *peers.Registry, opts ...RegistrySelectorOption) *RegistrySelector {
	s := &RegistrySelector{registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectPeers returns count distinct peers, or a Circuit error when there
// are not enough candidates.
func (s *RegistrySelector) SelectPeers(count int, exclude []identity.PeerID) ([]peers.Peer, error) {
	rejected := make(map[string]int)
	var pool []peers.Peer
	open := 0
	seen := make(map[string]bool)
	for _, p := range s.registry.RelayCandidates(exclude...) {
		if seen[p.Addr.String()] || !s.accept(p, rejected) {
			continue
		}
		seen[p.Addr.String()] = true
		pool = append(pool, p)
		if p.NAT != peers.NATSymmetric {
			open++
		}
	}
	if len(pool) < count {
		log.WithFields(logger.Fields{
			"at":        "(RegistrySelector) SelectPeers",
			"requested": count,
			"available": len(pool),
			"rejected":  rejected,
			"reason":    "insufficient candidates",
		}).Warn("cannot select circuit hops")
		return nil, errs.New(errs.Circuit, "(RegistrySelector) SelectPeers", "need %d relay candidates, have %d", count, len(pool))
	}
	// Open peers are sampled from the best 2*count. Symmetric-NAT peers,
	// ranked after them, only fill the hops open peers cannot.
	size := count
	if open >= count {
		size = min(open, 2*count)
	}
	window := pool[:size]
	rand.Shuffle(len(window), func(i, j int) { window[i], window[j] = window[j], window[i] })
	return append([]peers.Peer(nil), window[:count]...), nil
}

func (s *RegistrySelector) accept(p peers.Peer, rejected map[string]int) bool {
	for _, f := range s.filters {
		if !f.Accept(p) {
			rejected[f.Name()]++
			return false
		}
	}
	return true
}
