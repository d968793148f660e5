package transport

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

type received struct {
	from netip.AddrPort
	data []byte
}

func collector() (Handler, chan received) {
	ch := make(chan received, 16)
	return HandlerFunc(func(from netip.AddrPort, d []byte) {
		ch <- received{from: from, data: d}
	}), ch
}

func TestMemoryNetworkDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewMemoryNetwork()
	a, b := n.Endpoint(netip.AddrPort{}), n.Endpoint(netip.AddrPort{})
	assert.NotEqual(t, a.LocalAddr(), b.LocalAddr())

	ha, _ := collector()
	hb, inbox := collector()
	_, err := a.Start(ctx, ha)
	require.NoError(t, err)
	bAddr, err := b.Start(ctx, hb)
	require.NoError(t, err)

	sent, err := a.Send([]byte("hello"), bAddr)
	require.NoError(t, err)
	assert.Equal(t, 5, sent)

	select {
	case r := <-inbox:
		assert.Equal(t, a.LocalAddr(), r.from)
		assert.Equal(t, []byte("hello"), r.data)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
	assert.Equal(t, uint64(1), a.Stats().PacketsOut)
	assert.Eventually(t, func() bool { return b.Stats().PacketsIn == 1 }, time.Second, time.Millisecond)
}

func TestMemoryNetworkFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewMemoryNetwork()
	a, b := n.Endpoint(netip.AddrPort{}), n.Endpoint(netip.AddrPort{})
	ha, _ := collector()
	hb, inbox := collector()
	_, err := a.Start(ctx, ha)
	require.NoError(t, err)
	_, err = b.Start(ctx, hb)
	require.NoError(t, err)

	n.SetFilter(func(_, _ netip.AddrPort, d []byte) bool { return string(d) != "drop" })
	_, err = a.Send([]byte("drop"), b.LocalAddr())
	require.NoError(t, err)
	_, err = a.Send([]byte("keep"), b.LocalAddr())
	require.NoError(t, err)

	select {
	case r := <-inbox:
		assert.Equal(t, []byte("keep"), r.data)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
	select {
	case r := <-inbox:
		t.Fatalf("unexpected datagram %q", r.data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryTransportLimits(t *testing.T) {
	n := NewMemoryNetwork()
	a := n.Endpoint(netip.AddrPort{})
	_, err := a.Send([]byte("x"), netip.MustParseAddrPort("10.0.0.9:1"))
	assert.True(t, errs.Is(err, errs.Transport), "send before start")

	h, _ := collector()
	_, err = a.Start(context.Background(), h)
	require.NoError(t, err)
	_, err = a.Send(make([]byte, DefaultMaxDatagram+1), a.LocalAddr())
	assert.True(t, errs.Is(err, errs.Transport))
	assert.Equal(t, uint64(1), a.Stats().Oversize)

	dup := n.Endpoint(a.LocalAddr())
	_, err = dup.Start(context.Background(), h)
	assert.Error(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.Send([]byte("x"), a.LocalAddr())
	assert.Error(t, err)
}
