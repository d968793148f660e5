package peers

import (
	"context"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockResolver struct {
	hosts map[string][]netip.Addr
}

func (m *mockResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if a, ok := m.hosts[host]; ok {
		return a, nil
	}
	return nil, oops.Errorf("no such host")
}

func TestResolveBootstrap(t *testing.T) {
	res := &mockResolver{hosts: map[string][]netip.Addr{
		"tracker.example.org": {netip.MustParseAddr("198.51.100.7"), netip.MustParseAddr("2001:db8::1")},
	}}
	got, err := ResolveBootstrap(context.Background(), res, []string{
		"130.161.119.206:6421",
		"tracker.example.org:6422",
		"missing.example.org:1",
		"not-an-entry",
		"[2001:db8::2]:5",
		"10.0.0.1:0",
	})
	require.NoError(t, err)
	sort.Slice(got, func(i, j int) bool { return got[i].String() < got[j].String() })
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("130.161.119.206:6421"),
		netip.MustParseAddrPort("198.51.100.7:6422"),
	}, got)
}

func TestResolveBootstrapNoneResolve(t *testing.T) {
	_, err := ResolveBootstrap(context.Background(), &mockResolver{}, []string{"missing:1"})
	assert.Error(t, err)

	got, err := ResolveBootstrap(context.Background(), &mockResolver{}, nil)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestMaintainerReseeds(t *testing.T) {
	r, clock := newTestRegistry()
	boot := []netip.AddrPort{addr("198.51.100.1:6421"), addr("198.51.100.2:6421")}
	m := &Maintainer{Registry: r, Bootstrap: boot, LowWatermark: 2}
	handshaked(t, r, key(1), "203.0.113.1:1000")

	clock.Advance(DefaultInactivity + time.Second)
	m.Sweep()
	assert.Equal(t, 2, r.Len())
	for _, a := range boot {
		p, ok := r.GetByAddr(a)
		require.True(t, ok)
		assert.True(t, p.Bootstrap)
	}
}
