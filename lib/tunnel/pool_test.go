package tunnel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

func establishedCount(m *Manager) int {
	return m.CountByState()[StateEstablished]
}

func TestRunFillsPool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	o, _, _ := newTestOverlay(t, ctx, 4, nodeOptions{config: func(c *Config) { c.PoolSize = 3 }})

	go func() { _ = o.m.Run(ctx) }()
	require.Eventually(t, func() bool { return establishedCount(o.m) == 3 }, 10*time.Second, 20*time.Millisecond)

	// A further pass has nothing to do.
	o.m.Maintain(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, o.m.Circuits(), 3)
	assert.Equal(t, uint64(3), o.m.Stats().BuildsStarted)
}

func TestHeartbeatMissesFailAndReplaceCircuit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	o, _, n := newTestOverlay(t, ctx, 5, nodeOptions{config: func(c *Config) {
		c.PoolSize = 2
		c.HopCount = 3
	}})

	go func() { _ = o.m.Run(ctx) }()
	require.Eventually(t, func() bool { return establishedCount(o.m) == 2 }, 10*time.Second, 20*time.Millisecond)

	circuits := o.m.Circuits()
	require.Len(t, circuits, 2)
	lost, kept := circuits[0].ID, circuits[1].ID

	// Every backward cell of the lost circuit is dropped before it reaches us.
	n.SetFilter(func(_, to netip.AddrPort, datagram []byte) bool {
		if to != o.addr {
			return true
		}
		pkt, err := wire.Decode(datagram, identity.Verify)
		if err != nil {
			return true
		}
		cell, ok := pkt.Payload.(*wire.Cell)
		return !ok || cell.CircuitID != lost
	})

	for round := 0; round < 3; round++ {
		before, _ := o.m.Circuit(kept)
		o.m.Heartbeat()
		require.Eventually(t, func() bool {
			info, _ := o.m.Circuit(kept)
			return info.LastHeartbeat.After(before.LastHeartbeat)
		}, 2*time.Second, 10*time.Millisecond, "round %d", round)
	}
	info, _ := o.m.Circuit(lost)
	assert.Equal(t, StateEstablished, info.State)
	assert.Equal(t, 2, info.Missed)

	o.m.Heartbeat()
	info, _ = o.m.Circuit(lost)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, ReasonHeartbeat, info.Reason)

	stats := o.m.Stats()
	assert.Equal(t, uint64(3), stats.HeartbeatsMissed)
	assert.Equal(t, uint64(1), stats.FailuresByReason[ReasonHeartbeat])
	assert.Equal(t, uint64(1), stats.Replacements)

	require.Eventually(t, func() bool { return establishedCount(o.m) == 2 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, o.m.CountByState()[StateFailed])
	kinfo, _ := o.m.Circuit(kept)
	assert.Zero(t, kinfo.Missed)
}

func TestMaintainSweepsEndedCircuits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	o, _, _ := newTestOverlay(t, ctx, 2, nodeOptions{config: func(c *Config) {
		c.HopCount = 1
		c.PoolSize = 1
		c.HeartbeatInterval = time.Minute
		c.Now = clock.Now
	}})

	id, err := o.m.Build(ctx)
	require.NoError(t, err)
	require.NoError(t, o.m.CloseCircuit(id))

	o.m.Maintain(ctx)
	_, ok := o.m.Circuit(id)
	assert.True(t, ok, "ended circuit is kept for one heartbeat interval")

	clock.Advance(2 * time.Minute)
	o.m.Maintain(ctx)
	_, ok = o.m.Circuit(id)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return establishedCount(o.m) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestMaintainBacksOffAfterFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	o, _, _ := newTestOverlay(t, ctx, 0, nodeOptions{config: func(c *Config) {
		c.PoolSize = 1
		c.BuildRetryDelay = time.Minute
		c.Now = clock.Now
	}})

	o.m.Maintain(ctx)
	require.Eventually(t, func() bool { return o.m.Stats().BuildsFailed == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		o.m.mu.Lock()
		defer o.m.mu.Unlock()
		return o.m.buildFailures == 1 && o.m.inflight == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Within the backoff window nothing is attempted.
	o.m.Maintain(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), o.m.Stats().BuildsStarted)

	clock.Advance(61 * time.Second)
	o.m.Maintain(ctx)
	assert.Eventually(t, func() bool { return o.m.Stats().BuildsStarted == 2 }, 2*time.Second, 10*time.Millisecond)
}
