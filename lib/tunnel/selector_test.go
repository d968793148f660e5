package tunnel

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

func registryWithRelays(t *testing.T, n int) (*peers.Registry, []*identity.Identity) {
	t.Helper()
	reg := peers.NewRegistry(peers.DefaultConfig())
	ids := make([]*identity.Identity, n)
	for i := range ids {
		id, err := identity.Generate(nil)
		require.NoError(t, err)
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)}), 7759)
		_, err = reg.Observe(id.PublicKeyBytes(), addr, netip.AddrPort{})
		require.NoError(t, err)
		reg.SetHandshake(id.PeerID(), peers.HandshakeComplete)
		ids[i] = id
	}
	return reg, ids
}

func TestRegistrySelectorDistinctHops(t *testing.T) {
	reg, ids := registryWithRelays(t, 6)
	s := NewRegistrySelector(reg)

	hops, err := s.SelectPeers(3, []identity.PeerID{ids[0].PeerID()})
	require.NoError(t, err)
	require.Len(t, hops, 3)
	seen := make(map[identity.PeerID]bool)
	for _, h := range hops {
		assert.NotEqual(t, ids[0].PeerID(), h.ID)
		assert.False(t, seen[h.ID])
		seen[h.ID] = true
	}
}

func TestRegistrySelectorTooFewCandidates(t *testing.T) {
	reg, _ := registryWithRelays(t, 2)
	_, err := NewRegistrySelector(reg).SelectPeers(3, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Circuit))
}

func TestRegistrySelectorFilters(t *testing.T) {
	reg, ids := registryWithRelays(t, 4)
	banned := ids[1].PeerID()
	s := NewRegistrySelector(reg, WithFilters(NewFuncFilter("banned", func(p peers.Peer) bool {
		return p.ID != banned
	})))

	for i := 0; i < 10; i++ {
		hops, err := s.SelectPeers(3, nil)
		require.NoError(t, err)
		for _, h := range hops {
			assert.NotEqual(t, banned, h.ID)
		}
	}
	_, err := s.SelectPeers(4, nil)
	assert.Error(t, err)
}

func TestRegistrySelectorAvoidsSymmetricNAT(t *testing.T) {
	reg, ids := registryWithRelays(t, 4)
	symmetric, _ := reg.Get(ids[0].PeerID())
	// Six punctures with four failures classify the peer symmetric.
	for i := 0; i < 6; i++ {
		reg.RecordPuncture(symmetric.Addr, i >= 4)
	}
	p, _ := reg.Get(ids[0].PeerID())
	require.Equal(t, peers.NATSymmetric, p.NAT)

	for i := 0; i < 10; i++ {
		hops, err := NewRegistrySelector(reg).SelectPeers(3, nil)
		require.NoError(t, err)
		for _, h := range hops {
			assert.NotEqual(t, ids[0].PeerID(), h.ID)
		}
	}
}

func TestRegistrySelectorTopsUpFromSymmetricNAT(t *testing.T) {
	reg, ids := registryWithRelays(t, 3)
	for _, id := range ids[1:] {
		p, _ := reg.Get(id.PeerID())
		for i := 0; i < 6; i++ {
			reg.RecordPuncture(p.Addr, false)
		}
		p, _ = reg.Get(id.PeerID())
		require.Equal(t, peers.NATSymmetric, p.NAT)
	}

	hops, err := NewRegistrySelector(reg).SelectPeers(3, nil)
	require.NoError(t, err)
	require.Len(t, hops, 3)
	var got []identity.PeerID
	for _, h := range hops {
		got = append(got, h.ID)
	}
	assert.ElementsMatch(t, []identity.PeerID{ids[0].PeerID(), ids[1].PeerID(), ids[2].PeerID()}, got)

	hops, err = NewRegistrySelector(reg).SelectPeers(1, nil)
	require.NoError(t, err)
	assert.Equal(t, ids[0].PeerID(), hops[0].ID)
}

func TestCandidatesEncoding(t *testing.T) {
	a, err := identity.Generate(nil)
	require.NoError(t, err)
	b, err := identity.Generate(nil)
	require.NoError(t, err)
	in := []Candidate{
		{PublicKey: a.PublicKeyBytes(), Addr: netip.MustParseAddrPort("198.51.100.7:7759")},
		{PublicKey: b.PublicKeyBytes(), Addr: netip.MustParseAddrPort("203.0.113.9:8090")},
	}
	enc, err := encodeCandidates(in)
	require.NoError(t, err)
	assert.Equal(t, byte(2), enc[0])
	assert.Len(t, enc, 1+2*(2+32+6))

	out, err := decodeCandidates(enc)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeCandidates(enc[:len(enc)-1])
	assert.True(t, errs.Is(err, errs.Protocol))
	_, err = decodeCandidates(append(enc, 0))
	assert.Error(t, err)

	empty, err := encodeCandidates(nil)
	require.NoError(t, err)
	none, err := decodeCandidates(empty)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStateTransitions(t *testing.T) {
	c := newCircuit(1, nil, time.Unix(1700000000, 0))
	assert.True(t, c.state.Building())
	c.setState(StateExtending, "")
	c.setState(StateEstablished, "")
	assert.False(t, c.state.Building())
	c.setState(StateFailed, ReasonHeartbeat)
	assert.True(t, c.state.Terminal())

	select {
	case <-c.done:
	default:
		t.Fatal("terminal state did not close done")
	}
	// Terminal states are final.
	c.setState(StateEstablished, "")
	assert.Equal(t, StateFailed, c.state)
	assert.Equal(t, ReasonHeartbeat, c.reason)
	assert.Equal(t, "failed", c.state.String())
}
