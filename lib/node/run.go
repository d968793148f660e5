package node

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/bandwidth"
	"github.com/tunnelfin/go-tunnelfin/lib/control"
	"github.com/tunnelfin/go-tunnelfin/lib/metrics"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/tunnel"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"golang.org/x/sync/errgroup"
)

const bootstrapConcurrency = 8

// Run starts the transport, contacts the bootstrap peers and runs every
// background loop until ctx is done. The node is closed when Run returns.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errs.New(errs.Validation, "(Node) Run", "already running")
	}
	n.running = true
	n.mu.Unlock()
	defer n.Close()

	local, err := n.tr.Start(ctx, n.mux)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.started = n.clock.Now()
	n.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":      "(Node) Run",
		"phase":   "startup",
		"listen":  local.String(),
		"peer_id": n.self.PeerID().Short(),
	}).Info("node listening")

	seeds := n.resolveBootstrap(ctx)
	n.upkeep.Bootstrap = seeds

	g, gctx := errgroup.WithContext(ctx)
	if len(n.cfg.Clock.NTPServers) > 0 {
		g.Go(func() error { n.clock.Run(gctx); return nil })
	}
	g.Go(func() error {
		n.Bootstrap(gctx, seeds)
		return nil
	})
	g.Go(func() error { n.rates.Run(gctx); return nil })
	g.Go(func() error { n.walker.Run(gctx); return nil })
	g.Go(func() error { n.upkeep.Run(gctx); return nil })
	g.Go(func() error { return n.tunnels.Run(gctx) })
	g.Go(func() error { n.attestLoop(gctx); return nil })
	if addr := n.cfg.Metrics.Listen; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, n.collector) })
	}
	if addr := n.cfg.Control.Listen; addr != "" {
		g.Go(func() error { return control.Listen(gctx, addr, n) })
	}
	return g.Wait()
}

func (n *Node) resolveBootstrap(ctx context.Context) []netip.AddrPort {
	if len(n.cfg.Bootstrap.Peers) == 0 {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, n.cfg.Bootstrap.Timeout)
	defer cancel()
	seeds, err := peers.ResolveBootstrap(rctx, n.resolver, n.cfg.Bootstrap.Peers)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "(Node) resolveBootstrap",
			"entries": len(n.cfg.Bootstrap.Peers),
		}).WithError(err).Warn("no bootstrap peer could be resolved")
	}
	return seeds
}

// Bootstrap seeds the registry with addrs and handshakes with each of them
// concurrently, bounded by the bootstrap timeout. It returns how many
// exchanges completed.
func (n *Node) Bootstrap(ctx context.Context, addrs []netip.AddrPort) int {
	if len(addrs) == 0 {
		return 0
	}
	bctx, cancel := context.WithTimeout(ctx, n.cfg.Bootstrap.Timeout)
	defer cancel()

	var completed atomic.Int32
	g, gctx := errgroup.WithContext(bctx)
	g.SetLimit(bootstrapConcurrency)
	for _, addr := range addrs {
		n.registry.AddBootstrap(addr)
		g.Go(func() error {
			if _, err := n.disc.Handshake(gctx, addr, nil); err != nil {
				log.WithFields(logger.Fields{
					"at":     "(Node) Bootstrap",
					"reason": "handshake failed",
				}).WithError(err).Debug("bootstrap peer did not answer")
				return nil
			}
			completed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	done := int(completed.Load())
	entry := log.WithFields(logger.Fields{
		"at":        "(Node) Bootstrap",
		"completed": done,
		"seeds":     len(addrs),
	})
	if done == 0 {
		entry.Warn("no bootstrap peer reachable")
	} else {
		entry.Info("bootstrap finished")
	}
	return done
}

// attestLoop signs the traffic exchanged since the previous block once per
// heartbeat interval.
func (n *Node) attestLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.attest()
		}
	}
}

// attest appends a block for the ledger delta since the last attestation
// and sends it to the first hop of the oldest established circuit. It
// reports whether a block was sent.
func (n *Node) attest() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	totals := n.ledger.Totals()
	rec := bandwidth.Record{
		Up:   totals.Uploaded - n.attested.Uploaded,
		Down: totals.Downloaded - n.attested.Downloaded,
	}
	if rec == (bandwidth.Record{}) {
		return false
	}
	hop, ok := n.firstHop()
	if !ok {
		return false
	}
	p, ok := n.registry.Get(hop.ID)
	if !ok || !p.Known() {
		return false
	}
	if _, err := n.attestor.Attest(p.PublicKey, hop.Addr, rec); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) attest",
			"reason": "send failed",
		}).WithError(err).Warn("bandwidth attestation not delivered")
		return false
	}
	n.attested = totals
	log.WithFields(logger.Fields{
		"at":   "(Node) attest",
		"up":   rec.Up,
		"down": rec.Down,
	}).Debug("bandwidth attested")
	return true
}

func (n *Node) firstHop() (tunnel.HopInfo, bool) {
	var best *tunnel.CircuitInfo
	circuits := n.tunnels.Circuits()
	for i := range circuits {
		c := &circuits[i]
		if c.State != tunnel.StateEstablished || len(c.Hops) == 0 {
			continue
		}
		if best == nil || c.Established.Before(best.Established) {
			best = c
		}
	}
	if best == nil {
		return tunnel.HopInfo{}, false
	}
	return best.Hops[0], true
}
