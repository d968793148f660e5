package tunnel

import (
	"context"
	"sort"
	"time"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"golang.org/x/sync/errgroup"
)

const maxBuildFailures = 10

// Run maintains the circuit pool and sends heartbeats until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	maintenance := time.NewTicker(m.cfg.MaintenanceInterval)
	defer maintenance.Stop()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	log.WithFields(logger.Fields{
		"at":        "(Manager) Run",
		"phase":     "startup",
		"pool_size": m.cfg.PoolSize,
		"interval":  m.cfg.MaintenanceInterval,
	}).Info("started circuit pool maintenance")

	m.Maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			log.WithFields(logger.Fields{
				"at":     "(Manager) Run",
				"phase":  "shutdown",
				"reason": "context done",
			}).Debug("circuit pool maintenance stopped")
			return nil
		case <-maintenance.C:
			m.Maintain(ctx)
		case <-m.kick:
			m.Maintain(ctx)
		case <-heartbeat.C:
			m.Heartbeat()
		}
	}
}

// trigger asks Run for an immediate maintenance pass.
func (m *Manager) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Maintain reaps idle relays, forgets circuits that ended more than a
// heartbeat interval ago and starts builds until the pool target is met.
func (m *Manager) Maintain(ctx context.Context) {
	m.reapRelays(3 * m.cfg.HeartbeatInterval)

	now := m.cfg.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	established, building := 0, 0
	for id, c := range m.circuits {
		switch {
		case c.state.Terminal():
			if now.Sub(c.ended) >= m.cfg.HeartbeatInterval {
				delete(m.circuits, id)
			}
		case c.state == StateEstablished:
			established++
		case c.state.Building():
			building++
		}
	}
	needed := m.cfg.PoolSize - established - max(building, m.inflight)
	if needed <= 0 {
		return
	}

	if m.buildFailures > 0 {
		delay := m.cfg.BuildRetryDelay * time.Duration(1<<uint(m.buildFailures-1))
		if delay > maxBuildBackoff {
			delay = maxBuildBackoff
		}
		if since := now.Sub(m.lastBuild); since < delay {
			log.WithFields(logger.Fields{
				"at":             "(Manager) Maintain",
				"phase":          "circuit_build",
				"reason":         "backing off after build failures",
				"failures":       m.buildFailures,
				"backoff":        delay,
				"time_remaining": delay - since,
			}).Warn("delaying circuit builds")
			return
		}
	}

	log.WithFields(logger.Fields{
		"at":          "(Manager) Maintain",
		"phase":       "circuit_build",
		"reason":      "pool below target",
		"established": established,
		"building":    building,
		"needed":      needed,
	}).Info("building circuits")
	m.lastBuild = now
	m.inflight += needed
	m.wg.Add(1)
	go m.buildPool(ctx, needed)
}

// buildPool builds count circuits concurrently and updates the backoff
// state from the outcome.
func (m *Manager) buildPool(ctx context.Context, count int) {
	defer m.wg.Done()
	succeeded := make([]bool, count)
	var g errgroup.Group
	for i := 0; i < count; i++ {
		g.Go(func() error {
			_, err := m.Build(ctx)
			succeeded[i] = err == nil
			if err != nil {
				log.WithFields(logger.Fields{
					"at":    "(Manager) buildPool",
					"phase": "circuit_build",
				}).WithError(err).Warn("circuit build failed")
			}
			return err
		})
	}
	_ = g.Wait()

	ok := 0
	for _, s := range succeeded {
		if s {
			ok++
		}
	}
	m.mu.Lock()
	m.inflight -= count
	if ok > 0 {
		m.buildFailures = 0
	} else if m.buildFailures < maxBuildFailures {
		m.buildFailures++
	}
	m.mu.Unlock()
	if ok < count {
		m.trigger()
	}
}

// established returns the established circuits ordered by identifier.
// Callers hold mu.
func (m *Manager) established() []*Circuit {
	var out []*Circuit
	for _, c := range m.circuits {
		if c.state == StateEstablished && !c.ending {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// selectCircuit picks an established circuit round-robin, building one if
// the pool has none.
func (m *Manager) selectCircuit(ctx context.Context) (*Circuit, error) {
	m.mu.Lock()
	if active := m.established(); len(active) > 0 {
		c := active[m.roundRobin%len(active)]
		m.roundRobin++
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(Manager) selectCircuit",
		"phase":  "circuit_build",
		"reason": "no established circuit",
	}).Debug("building circuit on demand")
	id, err := m.Build(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.circuits[id]
	if c == nil || c.state != StateEstablished {
		return nil, errNotEstablished(id)
	}
	return c, nil
}

// CloseCircuit tears down an originated circuit without replacing it.
func (m *Manager) CloseCircuit(id uint32) error {
	m.mu.Lock()
	c := m.circuits[id]
	m.mu.Unlock()
	if c == nil {
		return errs.New(errs.Validation, "(Manager) CloseCircuit", "unknown circuit %d", id)
	}
	m.fail(c, ReasonClosed, true)
	return nil
}
