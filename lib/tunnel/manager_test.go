package tunnel

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/bandwidth"
	"github.com/tunnelfin/go-tunnelfin/lib/crypto"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig(testCommunity)
	require.NoError(t, cfg.Validate())

	for name, tweak := range map[string]func(*Config){
		"zero hops":   func(c *Config) { c.HopCount = 0 },
		"four hops":   func(c *Config) { c.HopCount = 4 },
		"empty pool":  func(c *Config) { c.PoolSize = 0 },
		"zero misses": func(c *Config) { c.MaxMissed = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig(testCommunity)
			tweak(&c)
			assert.True(t, errs.Is(c.Validate(), errs.Validation))
		})
	}
}

func TestBuildEstablishesThreeHopCircuit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, relays, _ := newTestOverlay(t, ctx, 3, nodeOptions{})
	o.m.SetSelector(hopsOf(t, o, relays...))

	id, err := o.m.Build(ctx)
	require.NoError(t, err)

	info, ok := o.m.Circuit(id)
	require.True(t, ok)
	assert.Equal(t, StateEstablished, info.State)
	require.Len(t, info.Hops, 3)
	for i, h := range info.Hops {
		assert.Equal(t, i, h.Index)
		assert.Equal(t, relays[i].addr, h.Addr)
		assert.Equal(t, relays[i].self.PeerID(), h.ID)
	}
	for _, r := range relays {
		assert.Equal(t, 1, r.m.RelayCount())
	}

	stats := o.m.Stats()
	assert.Equal(t, uint64(1), stats.BuildsStarted)
	assert.Equal(t, uint64(1), stats.BuildsSucceeded)
	assert.Zero(t, stats.BuildsFailed)

	p, ok := o.registry.Get(relays[2].self.PeerID())
	require.True(t, ok)
	assert.Equal(t, 1, p.SuccessCount)
}

func TestCircuitIDsUnique(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	o, _, _ := newTestOverlay(t, ctx, 2, nodeOptions{config: func(c *Config) { c.HopCount = 1 }})

	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		id, err := o.m.Build(ctx)
		require.NoError(t, err)
		assert.False(t, seen[id], "circuit id %d reused", id)
		seen[id] = true
	}
	assert.Len(t, o.m.Circuits(), 8)
	assert.Equal(t, 8, o.m.CountByState()[StateEstablished])
}

func TestBuildFailsWithoutCandidates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, _, _ := newTestOverlay(t, ctx, 1, nodeOptions{})

	_, err := o.m.Build(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Circuit))
	stats := o.m.Stats()
	assert.Equal(t, uint64(1), stats.BuildsFailed)
	assert.Equal(t, uint64(1), stats.FailuresByReason[ReasonNoCandidates])
	assert.Empty(t, o.m.Circuits())
}

func TestBuildTimesOutWhenHopSilent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, relays, n := newTestOverlay(t, ctx, 3, nodeOptions{config: func(c *Config) {
		c.BuildTimeout = 600 * time.Millisecond
	}})
	o.m.SetSelector(hopsOf(t, o, relays...))
	silent := relays[1].addr
	n.SetFilter(func(_, to netip.AddrPort, _ []byte) bool { return to != silent })

	id, err := o.m.Build(ctx)
	require.Error(t, err)

	info, ok := o.m.Circuit(id)
	require.True(t, ok)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, ReasonTimeout, info.Reason)
	assert.Len(t, info.Hops, 1)
	assert.Equal(t, uint64(1), o.m.Stats().FailuresByReason[ReasonTimeout])

	// Only the hop that never answered is blamed.
	for i, want := range []int{0, 1, 0} {
		p, ok := o.registry.Get(relays[i].self.PeerID())
		require.True(t, ok)
		assert.Equal(t, want, p.FailureCount, "relay %d", i)
	}

	// The DESTROY sent on failure releases the first relay.
	assert.Eventually(t, func() bool { return relays[0].m.RelayCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBuildRejectedByRelayPolicy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n := transport.NewMemoryNetwork()
	o := newTestNode(t, ctx, n, nodeOptions{config: func(c *Config) { c.HopCount = 1 }})
	r := newTestNode(t, ctx, n, nodeOptions{policy: func(p *bandwidth.PolicyConfig) { p.Enabled = false }})
	introduce(t, o, r)

	id, err := o.m.Build(ctx)
	require.Error(t, err)
	info, ok := o.m.Circuit(id)
	require.True(t, ok)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, ReasonRejected, info.Reason)
	assert.Equal(t, uint64(1), r.m.Stats().RelayRejected)
	assert.Zero(t, r.m.RelayCount())
}

// rawPeer sends hand-built circuit messages and collects the replies.
type rawPeer struct {
	self *identity.Identity
	tr   *transport.MemoryTransport
	mu   sync.Mutex
	got  []*wire.Packet
}

func newRawPeer(t *testing.T, ctx context.Context, n *transport.MemoryNetwork) *rawPeer {
	t.Helper()
	self, err := identity.Generate(nil)
	require.NoError(t, err)
	p := &rawPeer{self: self, tr: n.Endpoint(netip.AddrPort{})}
	_, err = p.tr.Start(ctx, transport.HandlerFunc(func(_ netip.AddrPort, datagram []byte) {
		pkt, err := wire.Decode(datagram, identity.Verify)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.got = append(p.got, pkt)
		p.mu.Unlock()
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.tr.Close() })
	return p
}

func (p *rawPeer) send(t *testing.T, msg wire.Payload, to netip.AddrPort) {
	t.Helper()
	datagram, err := wire.EncodePlain(testCommunity, msg)
	require.NoError(t, err)
	_, err = p.tr.Send(datagram, to)
	require.NoError(t, err)
}

func (p *rawPeer) received() []*wire.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*wire.Packet(nil), p.got...)
}

func TestDuplicateCreateAnsweredFromState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n := transport.NewMemoryNetwork()
	r := newTestNode(t, ctx, n, nodeOptions{})
	raw := newRawPeer(t, ctx, n)

	kp, err := crypto.GenerateKeyPair(nil)
	require.NoError(t, err)
	create := &wire.Create{
		CircuitID:     0x12345678,
		Identifier:    7,
		NodePublicKey: raw.self.PublicKeyBytes(),
		Key:           kp.Public[:],
	}
	raw.send(t, create, r.addr)
	require.Eventually(t, func() bool { return len(raw.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	raw.send(t, create, r.addr)
	require.Eventually(t, func() bool { return len(raw.received()) == 2 }, 2*time.Second, 10*time.Millisecond)

	got := raw.received()
	first, ok := got[0].Payload.(*wire.Created)
	require.True(t, ok)
	second, ok := got[1].Payload.(*wire.Created)
	require.True(t, ok)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Auth, second.Auth)
	assert.Equal(t, uint16(7), second.Identifier)
	assert.Equal(t, 1, r.m.RelayCount())
	assert.Equal(t, uint64(1), r.m.Stats().Duplicates)

	_, err = crypto.Complete(kp, r.self.PublicKeyBytes(), first.Key, first.Auth)
	require.NoError(t, err)

	// Same circuit identifier, different request: refused.
	create2 := *create
	create2.Identifier = 8
	raw.send(t, &create2, r.addr)
	require.Eventually(t, func() bool { return len(raw.received()) == 3 }, 2*time.Second, 10*time.Millisecond)
	destroy, ok := raw.received()[2].Payload.(*wire.Destroy)
	require.True(t, ok)
	assert.Equal(t, wire.DestroyProtocolError, destroy.Reason)
	assert.Equal(t, 1, r.m.RelayCount())
}

func TestStaleCircuitMessagesCounted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n := transport.NewMemoryNetwork()
	r := newTestNode(t, ctx, n, nodeOptions{})
	raw := newRawPeer(t, ctx, n)

	raw.send(t, &wire.Cell{CircuitID: 99, Data: []byte{1, 2, 3}}, r.addr)
	raw.send(t, &wire.Destroy{CircuitID: 99, Reason: wire.DestroyRequested}, r.addr)
	assert.Eventually(t, func() bool { return r.m.Stats().Stale == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseCircuitTearsDownRelays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, relays, _ := newTestOverlay(t, ctx, 3, nodeOptions{})
	o.m.SetSelector(hopsOf(t, o, relays...))
	id, err := o.m.Build(ctx)
	require.NoError(t, err)

	require.NoError(t, o.m.CloseCircuit(id))
	info, _ := o.m.Circuit(id)
	assert.Equal(t, StateClosed, info.State)
	assert.Equal(t, ReasonClosed, info.Reason)
	assert.Zero(t, o.m.Stats().Replacements)
	for _, r := range relays {
		assert.Eventually(t, func() bool { return r.m.RelayCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	}
	assert.True(t, errs.Is(o.m.CloseCircuit(12345), errs.Validation))
}

func TestRelayDestroyFailsCircuit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, relays, _ := newTestOverlay(t, ctx, 2, nodeOptions{config: func(c *Config) { c.HopCount = 2 }})
	o.m.SetSelector(hopsOf(t, o, relays...))
	id, err := o.m.Build(ctx)
	require.NoError(t, err)

	// The far relay shutting down propagates DESTROY back to us.
	require.NoError(t, relays[1].m.Close())
	assert.Eventually(t, func() bool {
		info, _ := o.m.Circuit(id)
		return info.State == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	info, _ := o.m.Circuit(id)
	assert.Equal(t, ReasonDestroyed, info.Reason)
	assert.Equal(t, uint64(1), o.m.Stats().Replacements)
	assert.Eventually(t, func() bool { return relays[0].m.RelayCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestReapIdleRelays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	n := transport.NewMemoryNetwork()
	o := newTestNode(t, ctx, n, nodeOptions{config: func(c *Config) { c.HopCount = 1 }})
	r := newTestNode(t, ctx, n, nodeOptions{config: func(c *Config) { c.Now = clock.Now }})
	introduce(t, o, r)

	id, err := o.m.Build(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.m.RelayCount())

	assert.Zero(t, r.m.reapRelays(time.Minute))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.m.reapRelays(time.Minute))
	assert.Zero(t, r.m.RelayCount())
	assert.Equal(t, uint64(1), r.m.Stats().RelayReaped)

	assert.Eventually(t, func() bool {
		info, _ := o.m.Circuit(id)
		return info.State == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayCountsOnlyForwardedCells(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, relays, _ := newTestOverlay(t, ctx, 3, nodeOptions{})
	o.m.SetSelector(hopsOf(t, o, relays...))
	_, err := o.m.Build(ctx)
	require.NoError(t, err)

	// The EXTEND for the third hop and its EXTENDED crossed the first relay;
	// every other build message ended at the hop that received it.
	assert.Positive(t, relays[0].ledger.Totals().Relayed)
	assert.GreaterOrEqual(t, relays[0].m.Stats().CellsRelayed, uint64(2))
	for _, r := range relays[1:] {
		assert.Zero(t, r.ledger.Totals().Relayed)
		assert.Zero(t, r.m.Stats().CellsRelayed)
	}
}
