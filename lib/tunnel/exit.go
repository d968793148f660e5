package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

const exitReadBuffer = 4096

// exitStream is a stream terminating at this node as the last hop, spliced
// to a TCP connection.
type exitStream struct {
	s *stream

	// decided and status are guarded by the manager lock.
	decided bool
	status  uint8

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// attach records the dialed connection unless the stream was closed first.
func (e *exitStream) attach(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conn = conn
	return true
}

func (e *exitStream) close() {
	e.mu.Lock()
	e.closed = true
	conn := e.conn
	e.mu.Unlock()
	e.s.abort(errs.New(errs.Circuit, "(exitStream) close", "relay circuit closed"))
	if conn != nil {
		_ = conn.Close()
	}
}

// exitMessage handles a stream message delivered to this hop.
func (m *Manager) exitMessage(r *relayCircuit, p wire.Payload) {
	if open, ok := p.(*wire.StreamOpen); ok {
		m.exitOpen(r, open)
		return
	}
	sid, _ := streamID(p)
	m.mu.Lock()
	e := r.exits[sid]
	m.mu.Unlock()
	if e == nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) exitMessage",
			"circuit": r.prev.cid,
			"stream":  sid,
			"reason":  "unknown stream",
		}).Debug("dropping stream message")
		return
	}
	switch msg := p.(type) {
	case *wire.StreamData:
		e.s.onData(msg.Seq, msg.Data)
	case *wire.StreamAck:
		e.s.onAck(msg.Next)
	case *wire.StreamClose:
		e.s.onRemoteClose()
	}
}

func (m *Manager) exitOpen(r *relayCircuit, msg *wire.StreamOpen) {
	m.mu.Lock()
	if e := r.exits[msg.StreamID]; e != nil {
		decided, status := e.decided, e.status
		m.mu.Unlock()
		m.stats.duplicates.Add(1)
		if decided {
			_ = m.relayReply(r, &wire.StreamOpened{StreamID: msg.StreamID, Status: status})
		}
		return
	}
	if !m.cfg.Exit || m.closed {
		m.mu.Unlock()
		log.WithFields(logger.Fields{
			"at":      "(Manager) exitOpen",
			"circuit": r.prev.cid,
			"stream":  msg.StreamID,
			"reason":  "exit disabled",
		}).Debug("refusing stream")
		_ = m.relayReply(r, &wire.StreamOpened{StreamID: msg.StreamID, Status: wire.StreamExitDisabled})
		return
	}
	s := newStream(msg.StreamID, m.cfg.Stream, func(p wire.Payload) error {
		return m.relayReply(r, p)
	}, m.cfg.Now)
	if m.ledger != nil {
		s.sent = func(n int) { _ = m.ledger.RecordRelay(int64(n)) }
	}
	e := &exitStream{s: s}
	r.exits[msg.StreamID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	go m.exitDial(r, e, msg)
}

// exitDial connects the stream to its destination and splices the two.
func (m *Manager) exitDial(r *relayCircuit, e *exitStream, msg *wire.StreamOpen) {
	defer m.wg.Done()
	addr := joinTarget(msg.Host, msg.Port)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	conn, err := m.cfg.Dial(ctx, "tcp", addr)
	cancel()

	status := wire.StreamOK
	if err != nil {
		status = wire.StreamUnreachable
	}
	m.mu.Lock()
	e.decided = true
	e.status = status
	gone := r.exits[msg.StreamID] != e
	m.mu.Unlock()

	fields := logger.Fields{
		"at":      "(Manager) exitDial",
		"phase":   "exit",
		"circuit": r.prev.cid,
		"stream":  msg.StreamID,
		"target":  addr,
	}
	if conn != nil && (gone || !e.attach(conn)) {
		_ = conn.Close()
		return
	}
	if gone {
		return
	}
	_ = m.relayReply(r, &wire.StreamOpened{StreamID: msg.StreamID, Status: status})
	if err != nil {
		log.WithFields(fields).WithError(err).Debug("exit dial failed")
		m.dropExit(r, e, msg.StreamID)
		return
	}
	log.WithFields(fields).Debug("exit stream open")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(conn, e.s)
		if tcp, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = tcp.CloseWrite()
		} else {
			_ = conn.Close()
		}
	}()

	buf := make([]byte, exitReadBuffer)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if _, werr := e.s.Write(buf[:n]); werr != nil {
				break
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, net.ErrClosed) {
				log.WithFields(fields).WithError(rerr).Debug("exit connection error")
			}
			break
		}
	}
	_ = e.s.Close()
	<-done
	_ = conn.Close()
	m.dropExit(r, e, msg.StreamID)
}

func (m *Manager) dropExit(r *relayCircuit, e *exitStream, sid uint32) {
	m.mu.Lock()
	if r.exits[sid] == e {
		delete(r.exits, sid)
	}
	m.mu.Unlock()
	e.s.finish()
}

func joinTarget(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
