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

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func TestUDPTransportLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"

	a, b := NewUDP(cfg), NewUDP(cfg)
	ha, _ := collector()
	hb, inbox := collector()
	aAddr, err := a.Start(ctx, ha)
	require.NoError(t, err)
	bAddr, err := b.Start(ctx, hb)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	assert.NotZero(t, bAddr.Port())

	_, err = a.Send([]byte("ping"), loopback(bAddr.Port()))
	require.NoError(t, err)

	select {
	case r := <-inbox:
		assert.Equal(t, []byte("ping"), r.data)
		assert.Equal(t, aAddr.Port(), r.from.Port())
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
	assert.Equal(t, uint64(1), a.Stats().PacketsOut)
	assert.Equal(t, uint64(4), a.Stats().BytesOut)
}

func TestUDPTransportRejectsOversize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	tr := NewUDP(cfg)
	h, _ := collector()
	_, err := tr.Start(context.Background(), h)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send(make([]byte, DefaultMaxDatagram+1), loopback(9))
	assert.True(t, errs.Is(err, errs.Transport))
	assert.False(t, errs.IsRetryable(err))
	assert.Equal(t, uint64(1), tr.Stats().Oversize)
}

func TestUDPTransportRateLimit(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", SendRate: 1, SendBurst: 1}
	tr := NewUDP(cfg)
	h, _ := collector()
	local, err := tr.Start(context.Background(), h)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send([]byte("a"), local)
	require.NoError(t, err)
	_, err = tr.Send([]byte("b"), local)
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, uint64(1), tr.Stats().RateLimited)
}

func TestUDPTransportStopsOnContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewUDP(cfg)
	h, _ := collector()
	local, err := tr.Start(ctx, h)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := tr.Send([]byte("x"), local)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, tr.Close())
}

func TestUDPTransportSurvivesHandlerPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	tr := NewUDP(cfg)
	local, err := tr.Start(ctx, HandlerFunc(func(_ netip.AddrPort, d []byte) {
		if string(d) == "boom" {
			panic("boom")
		}
		got <- string(d)
	}))
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Send([]byte("boom"), local)
	require.NoError(t, err)
	_, err = tr.Send([]byte("ok"), local)
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "ok", s)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not survive panic")
	}
}
