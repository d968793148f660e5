package tunnel

import (
	"context"

	"github.com/go-i2p/logger"
	"github.com/rs/xid"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

const maxHostLength = 255

// Channel is an anonymous byte stream to a remote host, multiplexed over
// an established circuit. Reads return the error that tore the channel
// down if its circuit is lost.
type Channel struct {
	handle xid.ID
	target string
	m      *Manager
	c      *Circuit
	s      *stream
}

// Handle identifies the channel for CloseChannel.
func (ch *Channel) Handle() string { return ch.handle.String() }

// Circuit returns the identifier of the circuit carrying the channel.
func (ch *Channel) Circuit() uint32 { return ch.c.id }

// Target returns the host:port the exit connected to.
func (ch *Channel) Target() string { return ch.target }

func (ch *Channel) Read(p []byte) (int, error) { return ch.s.Read(p) }

func (ch *Channel) Write(p []byte) (int, error) { return ch.s.Write(p) }

// Close flushes pending writes and closes the channel.
func (ch *Channel) Close() error {
	err := ch.m.CloseChannel(ch.Handle())
	if errs.Is(err, errs.Validation) {
		return nil
	}
	return err
}

func errNotEstablished(id uint32) error {
	return errs.New(errs.Circuit, "(Manager) selectCircuit", "circuit %d is not established", id)
}

func openStatusText(status uint8) string {
	switch status {
	case wire.StreamRefused:
		return "refused by exit"
	case wire.StreamUnreachable:
		return "destination unreachable"
	case wire.StreamExitDisabled:
		return "exit disabled"
	default:
		return "unknown status"
	}
}

// OpenAnonymousChannel opens a stream to host:port through an established
// circuit, building one if the pool is empty. ctx bounds the whole open.
func (m *Manager) OpenAnonymousChannel(ctx context.Context, host string, port uint16) (*Channel, error) {
	if host == "" || len(host) > maxHostLength {
		return nil, errs.New(errs.Validation, "(Manager) OpenAnonymousChannel", "host length %d outside [1,%d]", len(host), maxHostLength)
	}
	if port == 0 {
		return nil, errs.New(errs.Validation, "(Manager) OpenAnonymousChannel", "port must be non-zero")
	}
	c, err := m.selectCircuit(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Circuit, "(Manager) OpenAnonymousChannel", err)
	}

	m.mu.Lock()
	if c.state != StateEstablished || c.ending {
		m.mu.Unlock()
		return nil, errNotEstablished(c.id)
	}
	c.nextStream++
	sid := c.nextStream
	exit := len(c.hops) - 1
	s := newStream(sid, m.cfg.Stream, func(p wire.Payload) error {
		return m.sendForward(c, exit, p)
	}, m.cfg.Now)
	if m.ledger != nil {
		s.sent = func(n int) { _ = m.ledger.RecordUpload(int64(n)) }
		s.delivered = func(n int) { _ = m.ledger.RecordDownload(int64(n)) }
	}
	c.streams[sid] = s
	ch := &Channel{
		handle: xid.New(),
		target: joinTarget(host, port),
		m:      m,
		c:      c,
		s:      s,
	}
	m.channels[ch.handle] = ch
	m.mu.Unlock()

	open := &wire.StreamOpen{StreamID: sid, Host: host, Port: port}
	err = m.cfg.Retry.Do(ctx, "tunnel.open", func(actx context.Context, attempt int) error {
		if err := m.sendForward(c, exit, open); err != nil {
			return err
		}
		select {
		case status := <-s.opened:
			if status != wire.StreamOK {
				return errs.New(errs.Circuit, "tunnel.open", "stream to %s: %s", ch.target, openStatusText(status))
			}
			return nil
		case <-c.done:
			return errs.New(errs.Circuit, "tunnel.open", "circuit %d lost", c.id)
		case <-actx.Done():
			return actx.Err()
		}
	})
	if err != nil {
		m.dropChannel(ch)
		s.abort(err)
		log.WithFields(logger.Fields{
			"at":      "(Manager) OpenAnonymousChannel",
			"phase":   "channel",
			"circuit": c.id,
			"stream":  sid,
		}).WithError(err).Warn("channel open failed")
		return nil, errs.Wrap(errs.Circuit, "(Manager) OpenAnonymousChannel", err)
	}

	log.WithFields(logger.Fields{
		"at":      "(Manager) OpenAnonymousChannel",
		"phase":   "channel",
		"circuit": c.id,
		"stream":  sid,
		"handle":  ch.Handle(),
	}).Debug("channel open")
	return ch, nil
}

// CloseChannel flushes and closes the channel named by handle.
func (m *Manager) CloseChannel(handle string) error {
	id, err := xid.FromString(handle)
	if err != nil {
		return errs.New(errs.Validation, "(Manager) CloseChannel", "malformed channel handle %q", handle)
	}
	m.mu.Lock()
	ch := m.channels[id]
	m.mu.Unlock()
	if ch == nil {
		return errs.New(errs.Validation, "(Manager) CloseChannel", "unknown channel %s", handle)
	}
	err = ch.s.Close()
	m.dropChannel(ch)
	log.WithFields(logger.Fields{
		"at":      "(Manager) CloseChannel",
		"phase":   "channel",
		"circuit": ch.c.id,
		"handle":  handle,
	}).Debug("channel closed")
	return err
}

func (m *Manager) dropChannel(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, ch.handle)
	if ch.c.streams[ch.s.id] == ch.s {
		delete(ch.c.streams, ch.s.id)
	}
}

// ChannelCount returns the number of open channels.
func (m *Manager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// originStream hands a stream message from the exit to its stream.
func (m *Manager) originStream(c *Circuit, p wire.Payload) {
	sid, _ := streamID(p)
	m.mu.Lock()
	s := c.streams[sid]
	m.mu.Unlock()
	if s == nil {
		log.WithFields(logger.Fields{
			"at":      "(Manager) originStream",
			"circuit": c.id,
			"stream":  sid,
			"reason":  "unknown stream",
		}).Debug("dropping stream message")
		return
	}
	switch msg := p.(type) {
	case *wire.StreamOpened:
		select {
		case s.opened <- msg.Status:
		default:
		}
	case *wire.StreamData:
		s.onData(msg.Seq, msg.Data)
	case *wire.StreamAck:
		s.onAck(msg.Next)
	case *wire.StreamClose:
		s.onRemoteClose()
	}
}
