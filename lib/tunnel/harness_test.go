package tunnel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/bandwidth"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

var testCommunity = wire.CommunityID{0x74, 0x75, 0x6e}

type testNode struct {
	self     *identity.Identity
	registry *peers.Registry
	tr       *transport.MemoryTransport
	mux      *transport.Mux
	ledger   *bandwidth.Ledger
	m        *Manager
	addr     netip.AddrPort
}

type nodeOptions struct {
	config func(*Config)
	policy func(*bandwidth.PolicyConfig)
}

func testConfig() Config {
	cfg := DefaultConfig(testCommunity)
	cfg.Retry = transport.RetryPolicy{
		Initial:        10 * time.Millisecond,
		Multiplier:     2,
		Max:            100 * time.Millisecond,
		Attempts:       5,
		AttemptTimeout: 300 * time.Millisecond,
	}
	cfg.BuildTimeout = 5 * time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.MaintenanceInterval = time.Hour
	cfg.BuildRetryDelay = 10 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.Stream = StreamConfig{Window: 8, ChunkSize: 512, RTO: 100 * time.Millisecond, MaxRetransmits: 8}
	return cfg
}

func newTestNode(t *testing.T, ctx context.Context, n *transport.MemoryNetwork, opts nodeOptions) *testNode {
	t.Helper()
	self, err := identity.Generate(nil)
	require.NoError(t, err)
	registry := peers.NewRegistry(peers.DefaultConfig())
	tr := n.Endpoint(netip.AddrPort{})
	ledger := bandwidth.NewLedger()

	pcfg := bandwidth.DefaultPolicyConfig()
	if opts.policy != nil {
		opts.policy(&pcfg)
	}
	policy, err := bandwidth.NewRelayPolicy(pcfg, ledger)
	require.NoError(t, err)

	cfg := testConfig()
	if opts.config != nil {
		opts.config(&cfg)
	}
	m, err := New(cfg, self, tr, registry, ledger, policy)
	require.NoError(t, err)
	mux := transport.NewMux(testCommunity, identity.Verify)
	m.Register(mux)
	addr, err := tr.Start(ctx, mux)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = tr.Close()
	})
	return &testNode{self: self, registry: registry, tr: tr, mux: mux, ledger: ledger, m: m, addr: addr}
}

// introduce makes b a relay candidate of a, as a completed handshake would.
func introduce(t *testing.T, a, b *testNode) {
	t.Helper()
	_, err := a.registry.Observe(b.self.PublicKeyBytes(), b.addr, netip.AddrPort{})
	require.NoError(t, err)
	a.registry.SetHandshake(b.self.PeerID(), peers.HandshakeComplete)
}

// newTestOverlay returns an originator that knows relays fresh relays.
func newTestOverlay(t *testing.T, ctx context.Context, relays int, origin nodeOptions) (*testNode, []*testNode, *transport.MemoryNetwork) {
	t.Helper()
	n := transport.NewMemoryNetwork()
	o := newTestNode(t, ctx, n, origin)
	rs := make([]*testNode, relays)
	for i := range rs {
		rs[i] = newTestNode(t, ctx, n, nodeOptions{})
		introduce(t, o, rs[i])
	}
	return o, rs, n
}

// fixedSelector returns the given hops in order.
type fixedSelector []peers.Peer

func (f fixedSelector) SelectPeers(count int, _ []identity.PeerID) ([]peers.Peer, error) {
	return append([]peers.Peer(nil), f[:count]...), nil
}

func hopsOf(t *testing.T, o *testNode, nodes ...*testNode) fixedSelector {
	t.Helper()
	out := make(fixedSelector, len(nodes))
	for i, n := range nodes {
		p, ok := o.registry.Get(n.self.PeerID())
		require.True(t, ok)
		out[i] = p
	}
	return out
}
