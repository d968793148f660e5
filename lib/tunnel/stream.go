package tunnel

import (
	"io"
	"sync"
	"time"

	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

const (
	DefaultStreamWindow         = 32
	DefaultStreamChunk          = 1024
	DefaultStreamRTO            = time.Second
	DefaultStreamMaxRetransmits = 8
)

// StreamConfig tunes the reliable stream carried over a circuit.
type StreamConfig struct {
	// Window is the number of unacknowledged chunks allowed in flight.
	Window int
	// ChunkSize bounds the data carried by one StreamData.
	ChunkSize int
	// RTO is the initial retransmission timeout; it doubles per retry.
	RTO            time.Duration
	MaxRetransmits int
}

// DefaultStreamConfig returns chunking sized for a three-hop cell within
// the default datagram limit.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Window:         DefaultStreamWindow,
		ChunkSize:      DefaultStreamChunk,
		RTO:            DefaultStreamRTO,
		MaxRetransmits: DefaultStreamMaxRetransmits,
	}
}

type segment struct {
	seq   uint32
	data  []byte
	sent  time.Time
	tries int
}

// stream is one end of a sequenced, acknowledged byte stream. The sender
// retransmits unacknowledged chunks; the receiver reorders and acks
// cumulatively.
type stream struct {
	id   uint32
	cfg  StreamConfig
	send func(wire.Payload) error
	now  func() time.Time

	// sent and delivered count first transmissions and in-order deliveries.
	sent      func(n int)
	delivered func(n int)

	// opened receives the exit's answer on the originator end.
	opened chan uint8

	mu           sync.Mutex
	cond         *sync.Cond
	nextSeq      uint32
	unacked      []*segment
	expected     uint32
	ooo          map[uint32][]byte
	buf          []byte
	localClosed  bool
	remoteClosed bool
	err          error

	done     chan struct{}
	doneOnce sync.Once
}

func newStream(id uint32, cfg StreamConfig, send func(wire.Payload) error, now func() time.Time) *stream {
	s := &stream{
		id:        id,
		cfg:       cfg,
		send:      send,
		now:       now,
		sent:      func(int) {},
		delivered: func(int) {},
		opened:    make(chan uint8, 1),
		ooo:       make(map[uint32][]byte),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.retransmitLoop()
	return s
}

func (s *stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Write splits p into chunks and sends them, blocking while the window is
// full.
func (s *stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), s.cfg.ChunkSize)
		s.mu.Lock()
		for len(s.unacked) >= s.cfg.Window && s.writable() == nil {
			s.cond.Wait()
		}
		if err := s.writable(); err != nil {
			s.mu.Unlock()
			return written, err
		}
		seg := &segment{seq: s.nextSeq, data: append([]byte(nil), p[:n]...), sent: s.now(), tries: 1}
		s.nextSeq++
		s.unacked = append(s.unacked, seg)
		s.mu.Unlock()

		err := s.send(&wire.StreamData{StreamID: s.id, Seq: seg.seq, Data: seg.data})
		if err != nil && !errs.IsRetryable(err) {
			return written, err
		}
		s.sent(n)
		written += n
		p = p[n:]
	}
	return written, nil
}

// writable must be called with mu held.
func (s *stream) writable() error {
	switch {
	case s.err != nil:
		return s.err
	case s.localClosed:
		return io.ErrClosedPipe
	case s.remoteClosed:
		return errs.New(errs.Circuit, "(stream) Write", "stream %d closed by peer", s.id)
	default:
		return nil
	}
}

// Read returns delivered bytes in order, io.EOF after the peer closed, or
// the error that aborted the stream.
func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && s.err == nil && !s.remoteClosed && !s.localClosed {
		s.cond.Wait()
	}
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	return 0, io.EOF
}

// onData accepts one chunk and acknowledges everything received in order.
func (s *stream) onData(seq uint32, data []byte) {
	s.mu.Lock()
	delivered := 0
	switch {
	case seq == s.expected:
		s.buf = append(s.buf, data...)
		delivered += len(data)
		s.expected++
		for {
			d, ok := s.ooo[s.expected]
			if !ok {
				break
			}
			delete(s.ooo, s.expected)
			s.buf = append(s.buf, d...)
			delivered += len(d)
			s.expected++
		}
	case seq > s.expected && seq-s.expected < uint32(2*s.cfg.Window):
		if _, dup := s.ooo[seq]; !dup {
			s.ooo[seq] = append([]byte(nil), data...)
		}
	}
	next := s.expected
	s.cond.Broadcast()
	s.mu.Unlock()

	if delivered > 0 {
		s.delivered(delivered)
	}
	_ = s.send(&wire.StreamAck{StreamID: s.id, Next: next})
}

// onAck releases every chunk below next.
func (s *stream) onAck(next uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.unacked) && s.unacked[i].seq < next {
		i++
	}
	if i > 0 {
		s.unacked = s.unacked[i:]
		s.cond.Broadcast()
	}
}

func (s *stream) onRemoteClose() {
	s.mu.Lock()
	s.remoteClosed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// abort fails the stream with err.
func (s *stream) abort(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.finish()
}

// Close waits for outstanding chunks to be acknowledged, within the
// retransmission budget, and then tells the peer.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	deadline := s.now().Add(s.cfg.RTO * time.Duration(s.cfg.MaxRetransmits+1))
	for len(s.unacked) > 0 && s.err == nil && !s.remoteClosed && s.now().Before(deadline) {
		s.cond.Wait()
	}
	aborted := s.err != nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if !aborted {
		_ = s.send(&wire.StreamClose{StreamID: s.id, Reason: wire.StreamClosedNormally})
	}
	s.finish()
	return nil
}

func (s *stream) retransmitLoop() {
	ticker := time.NewTicker(max(s.cfg.RTO/4, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.retransmit()
		}
	}
}

// retransmit resends chunks whose timeout passed, backing off per try.
func (s *stream) retransmit() {
	now := s.now()
	s.mu.Lock()
	var due []*wire.StreamData
	for _, seg := range s.unacked {
		rto := s.cfg.RTO << min(seg.tries-1, 6)
		if now.Sub(seg.sent) < rto {
			continue
		}
		if seg.tries > s.cfg.MaxRetransmits {
			if s.err == nil {
				s.err = errs.New(errs.Circuit, "(stream) retransmit", "stream %d: chunk %d unacknowledged after %d tries", s.id, seg.seq, seg.tries)
			}
			due = nil
			break
		}
		seg.tries++
		seg.sent = now
		due = append(due, &wire.StreamData{StreamID: s.id, Seq: seg.seq, Data: seg.data})
	}
	failed := s.err != nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if failed {
		s.finish()
		return
	}
	for _, d := range due {
		_ = s.send(d)
	}
}

// streamID returns the stream a stream message belongs to.
func streamID(p wire.Payload) (uint32, bool) {
	switch msg := p.(type) {
	case *wire.StreamOpen:
		return msg.StreamID, true
	case *wire.StreamOpened:
		return msg.StreamID, true
	case *wire.StreamData:
		return msg.StreamID, true
	case *wire.StreamAck:
		return msg.StreamID, true
	case *wire.StreamClose:
		return msg.StreamID, true
	default:
		return 0, false
	}
}
