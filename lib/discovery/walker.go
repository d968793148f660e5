package discovery

import (
	"context"
	"net/netip"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// Handshake runs one exchange with addr to completion. The request is
// retransmitted with the same identifier per the retry policy until a
// response arrives or the session deadline passes.
func (d *Discovery) Handshake(ctx context.Context, addr netip.AddrPort, expectKey []byte) (SessionInfo, error) {
	id, err := d.Start(addr, expectKey)
	if err != nil {
		return SessionInfo{}, err
	}
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return SessionInfo{}, errs.New(errs.Handshake, "(Discovery) Handshake", "session %d ended before it was awaited", id)
	}
	sctx, cancel := context.WithDeadline(ctx, s.deadline)
	defer cancel()

	err = d.cfg.Retry.Do(sctx, "discovery.Handshake", func(actx context.Context, attempt int) error {
		if attempt > 0 {
			if err := d.sendRequest(s); err != nil && !errs.IsRetryable(err) {
				return err
			}
		}
		select {
		case <-s.responded:
			return nil
		case <-actx.Done():
			return actx.Err()
		}
	})
	if err == nil {
		// A response arrived; wait out the puncture phase, if any.
		select {
		case <-s.done:
		case <-sctx.Done():
		}
	}

	d.mu.Lock()
	info := s.info()
	d.mu.Unlock()
	switch {
	case info.State == StateComplete:
		return info, nil
	case info.State.Terminal():
		return info, errs.New(errs.Handshake, "(Discovery) Handshake", "session ended %s", info.State)
	case ctx.Err() != nil:
		info = d.finish(s, StateFailed, "cancelled")
		return info, errs.Wrap(errs.Handshake, "(Discovery) Handshake", oops.Wrapf(ctx.Err(), "cancelled"))
	default:
		info = d.finish(s, StateTimedOut, "no response")
		return info, errs.New(errs.Handshake, "(Discovery) Handshake", "no response from peer within %s", d.cfg.Timeout)
	}
}

// Walker keeps the peer table populated by periodically handshaking with a
// known or introduced peer.
type Walker struct {
	Discovery *Discovery
	Registry  *peers.Registry
	Interval  time.Duration
}

// Run walks until ctx is done.
func (w *Walker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Discovery.Expire()
			w.Step()
		}
	}
}

// Step starts one exchange with a peer chosen from the registry, preferring
// addresses whose key is not yet known.
func (w *Walker) Step() {
	var fresh, known []peers.Peer
	for _, p := range w.Registry.Snapshot() {
		if p.Handshake == peers.HandshakeInProgress {
			continue
		}
		if p.Known() {
			known = append(known, p)
		} else {
			fresh = append(fresh, p)
		}
	}
	pool := fresh
	if len(pool) == 0 {
		pool = known
	}
	if len(pool) == 0 {
		return
	}
	target := pool[rand.Intn(len(pool))]
	if _, err := w.Discovery.Start(target.Addr, target.PublicKey); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Walker) Step",
			"reason": "start failed",
		}).WithError(err).Debug("walk step skipped")
	}
}
