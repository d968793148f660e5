package peers

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return NewRegistry(cfg), clock
}

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, identity.PublicKeySize)
}

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func handshaked(t *testing.T, r *Registry, k []byte, a string) identity.PeerID {
	t.Helper()
	p, err := r.Observe(k, addr(a), netip.AddrPort{})
	require.NoError(t, err)
	r.SetHandshake(p.ID, HandshakeComplete)
	return p.ID
}

func TestObserveBindsKeyToBootstrapEntry(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddBootstrap(addr("198.51.100.1:6421"))
	assert.Equal(t, 1, r.Len())

	p, err := r.Observe(key(1), addr("198.51.100.1:6421"), addr("192.168.1.5:6421"))
	require.NoError(t, err)
	assert.True(t, p.Bootstrap)
	assert.Equal(t, identity.PeerIDFromKey(key(1)), p.ID)
	assert.Equal(t, addr("192.168.1.5:6421"), p.LANAddr)
	assert.Equal(t, 1, r.Len())
}

func TestIdentityIsThePublicKey(t *testing.T) {
	r, _ := newTestRegistry()
	first, err := r.Observe(key(1), addr("203.0.113.1:1000"), netip.AddrPort{})
	require.NoError(t, err)
	moved, err := r.Observe(key(1), addr("203.0.113.1:2000"), netip.AddrPort{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, moved.ID)
	assert.Equal(t, addr("203.0.113.1:2000"), moved.Addr)
	assert.Equal(t, 1, r.Len())
	_, ok := r.GetByAddr(addr("203.0.113.1:1000"))
	assert.False(t, ok)

	_, err = r.Observe(key(2), addr("203.0.113.1:1000"), netip.AddrPort{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = r.Observe([]byte{1, 2}, addr("203.0.113.1:1"), netip.AddrPort{})
	assert.Error(t, err)
}

func TestSymmetricNATClassification(t *testing.T) {
	r, _ := newTestRegistry()
	symmetric := handshaked(t, r, key(1), "203.0.113.1:1000")
	open := handshaked(t, r, key(2), "203.0.113.2:1000")

	outcomes := []bool{false, true, false, false, true, false}
	var class NATClass
	for _, ok := range outcomes {
		class = r.RecordPuncture(addr("203.0.113.1:1000"), ok)
	}
	assert.Equal(t, NATSymmetric, class)
	p, _ := r.Get(symmetric)
	assert.Equal(t, 6, p.PunctureAttempts)
	assert.Equal(t, 4, p.PunctureFailures)

	candidates := r.RelayCandidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, open, candidates[0].ID)
	assert.Equal(t, symmetric, candidates[1].ID)
}

func TestSymmetricPeersFollowOpenPeersRegardlessOfScore(t *testing.T) {
	r, _ := newTestRegistry()
	weak := handshaked(t, r, key(1), "203.0.113.1:1000")
	strong := handshaked(t, r, key(2), "203.0.113.2:1000")
	for i := 0; i < 5; i++ {
		r.RecordFailure(weak, "timeout")
		r.RecordSuccess(strong, 10*time.Millisecond)
		r.RecordPuncture(addr("203.0.113.2:1000"), false)
	}
	p, _ := r.Get(strong)
	require.Equal(t, NATSymmetric, p.NAT)

	candidates := r.RelayCandidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, weak, candidates[0].ID)
	assert.Equal(t, strong, candidates[1].ID)
}

func TestNATClassNeedsMinimumSamples(t *testing.T) {
	r, _ := newTestRegistry()
	for i := 0; i < DefaultNATMinSamples-1; i++ {
		assert.Equal(t, NATUnknown, r.RecordPuncture(addr("203.0.113.9:1"), false))
	}
	assert.Equal(t, NATSymmetric, r.RecordPuncture(addr("203.0.113.9:1"), false))
}

func TestNATFailureRateAtThresholdIsCone(t *testing.T) {
	r, _ := newTestRegistry()
	for _, ok := range []bool{true, false, true, false, true, false} {
		r.RecordPuncture(addr("203.0.113.9:1"), ok)
	}
	p, _ := r.GetByAddr(addr("203.0.113.9:1"))
	assert.Equal(t, NATCone, p.NAT)
}

func TestKeylessPunctureStatsFollowKey(t *testing.T) {
	r, _ := newTestRegistry()
	id := handshaked(t, r, key(1), "203.0.113.1:1000")
	for i := 0; i < 5; i++ {
		r.RecordPuncture(addr("203.0.113.1:2000"), false)
	}
	_, err := r.Observe(key(1), addr("203.0.113.1:2000"), netip.AddrPort{})
	require.NoError(t, err)
	p, _ := r.Get(id)
	assert.Equal(t, 5, p.PunctureFailures)
	assert.Equal(t, NATSymmetric, p.NAT)
	assert.Equal(t, 1, r.Len())
}

func TestSymmetricPeersUsedWhenNoAlternative(t *testing.T) {
	r, _ := newTestRegistry()
	id := handshaked(t, r, key(1), "203.0.113.1:1000")
	for i := 0; i < 5; i++ {
		r.RecordPuncture(addr("203.0.113.1:1000"), false)
	}
	candidates := r.RelayCandidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, id, candidates[0].ID)
}

func TestRelayCandidatesRequireHandshake(t *testing.T) {
	r, _ := newTestRegistry()
	p, err := r.Observe(key(1), addr("203.0.113.1:1000"), netip.AddrPort{})
	require.NoError(t, err)
	assert.Empty(t, r.RelayCandidates())

	r.SetHandshake(p.ID, HandshakeFailed)
	assert.Empty(t, r.RelayCandidates())
	r.SetHandshake(p.ID, HandshakeComplete)
	assert.Len(t, r.RelayCandidates(), 1)
	assert.Empty(t, r.RelayCandidates(p.ID))
}

func TestRelayCandidatesRanking(t *testing.T) {
	r, _ := newTestRegistry()
	good := handshaked(t, r, key(1), "203.0.113.1:1000")
	bad := handshaked(t, r, key(2), "203.0.113.2:1000")
	for i := 0; i < 5; i++ {
		r.RecordSuccess(good, 50*time.Millisecond)
		r.RecordFailure(bad, "timeout")
	}
	candidates := r.RelayCandidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, good, candidates[0].ID)
	assert.Equal(t, bad, candidates[1].ID)

	p, _ := r.Get(bad)
	assert.Equal(t, 5, p.ConsecutiveFails)
	r.RecordSuccess(bad, 0)
	p, _ = r.Get(bad)
	assert.Equal(t, 0, p.ConsecutiveFails)
}

func TestRTTEstimate(t *testing.T) {
	p := &Peer{}
	p.observeRTT(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, p.RTT)
	assert.Equal(t, 50*time.Millisecond, p.RTTVar)
	p.observeRTT(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, p.RTT)
	assert.Less(t, p.RTTVar, 50*time.Millisecond)
}

func TestEvictInactive(t *testing.T) {
	r, clock := newTestRegistry()
	stale := handshaked(t, r, key(1), "203.0.113.1:1000")
	clock.Advance(DefaultInactivity - time.Minute)
	fresh := handshaked(t, r, key(2), "203.0.113.2:1000")
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, r.Evict())
	_, ok := r.Get(stale)
	assert.False(t, ok)
	_, ok = r.Get(fresh)
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestCountByNAT(t *testing.T) {
	r, _ := newTestRegistry()
	handshaked(t, r, key(1), "203.0.113.1:1000")
	for i := 0; i < 5; i++ {
		r.RecordPuncture(addr("203.0.113.2:1"), true)
	}
	counts := r.CountByNAT()
	assert.Equal(t, 1, counts[NATUnknown])
	assert.Equal(t, 1, counts[NATCone])
}
