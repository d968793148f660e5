package tunnel

import (
	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

type heartbeat struct {
	c          *Circuit
	identifier uint16
	target     int
}

// Heartbeat runs one keepalive round: every established circuit still
// waiting for its previous PONG counts a miss, circuits at MaxMissed fail,
// and the rest get a fresh PING addressed to their last hop.
func (m *Manager) Heartbeat() {
	now := m.cfg.Now()
	var lost []*Circuit
	var pings []heartbeat

	m.mu.Lock()
	for _, c := range m.circuits {
		if c.state != StateEstablished || c.ending {
			continue
		}
		if c.awaitingPong {
			c.missed++
			m.stats.heartbeatsMissed.Add(1)
			if c.missed >= m.cfg.MaxMissed {
				lost = append(lost, c)
				continue
			}
		}
		c.pingID = randomUint16()
		c.pingSent = now
		c.awaitingPong = true
		pings = append(pings, heartbeat{c: c, identifier: c.pingID, target: len(c.hops) - 1})
	}
	m.mu.Unlock()

	for _, c := range lost {
		log.WithFields(logger.Fields{
			"at":      "(Manager) Heartbeat",
			"phase":   "heartbeat",
			"circuit": c.id,
			"missed":  m.cfg.MaxMissed,
			"reason":  ReasonHeartbeat,
		}).Warn("circuit stopped answering heartbeats")
		for _, h := range c.plan {
			m.registry.RecordFailure(h.ID, ReasonHeartbeat)
		}
		m.fail(c, ReasonHeartbeat, true)
	}
	for _, hb := range pings {
		err := m.sendForward(hb.c, hb.target, &wire.Ping{CircuitID: hb.c.id, Identifier: hb.identifier})
		if err != nil {
			log.WithFields(logger.Fields{
				"at":      "(Manager) Heartbeat",
				"phase":   "heartbeat",
				"circuit": hb.c.id,
			}).WithError(err).Debug("ping not sent")
		}
	}
}

// onPong accepts the answer to the outstanding PING only.
func (m *Manager) onPong(c *Circuit, identifier uint16) {
	m.mu.Lock()
	if !c.awaitingPong || identifier != c.pingID {
		m.mu.Unlock()
		m.stats.duplicates.Add(1)
		return
	}
	now := m.cfg.Now()
	rtt := now.Sub(c.pingSent)
	c.awaitingPong = false
	c.missed = 0
	c.lastHeartbeat = now
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":      "(Manager) onPong",
		"phase":   "heartbeat",
		"circuit": c.id,
		"rtt":     rtt,
	}).Debug("heartbeat answered")
}
