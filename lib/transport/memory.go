package transport

import (
	"context"
	"net/netip"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// Filter decides whether a datagram in flight is delivered. Returning false
// drops it silently, as a lossy network would.
type Filter func(from, to netip.AddrPort, datagram []byte) bool

const memoryInboxSize = 1024

// MemoryNetwork is an in-process datagram network. Delivery is asynchronous
// and unordered across senders, like UDP.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]*MemoryTransport
	filter    Filter
	nextHost  uint32
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[netip.AddrPort]*MemoryTransport)}
}

// SetFilter installs f for every subsequent datagram. A nil filter delivers
// everything.
func (n *MemoryNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Endpoint returns an unstarted transport. A zero addr allocates a fresh
// 10.0.0.0/8 address with port 7759.
func (n *MemoryNetwork) Endpoint(addr netip.AddrPort) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !addr.IsValid() {
		n.nextHost++
		h := n.nextHost
		addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, byte(h >> 16), byte(h >> 8), byte(h)}), 7759)
	}
	return &MemoryTransport{
		network:     n,
		local:       addr,
		maxDatagram: DefaultMaxDatagram,
	}
}

func (n *MemoryNetwork) deliver(from, to netip.AddrPort, datagram []byte) {
	n.mu.RLock()
	dst := n.endpoints[to]
	filter := n.filter
	n.mu.RUnlock()
	if dst == nil {
		return
	}
	if filter != nil && !filter(from, to, datagram) {
		return
	}
	select {
	case dst.inbox <- memoryDatagram{from: from, data: datagram}:
	default:
		log.WithFields(logger.Fields{
			"at":     "(MemoryNetwork) deliver",
			"reason": "inbox full",
		}).Debug("dropping datagram")
	}
}

type memoryDatagram struct {
	from netip.AddrPort
	data []byte
}

// MemoryTransport is a Transport attached to a MemoryNetwork.
type MemoryTransport struct {
	network     *MemoryNetwork
	local       netip.AddrPort
	maxDatagram int

	mu      sync.Mutex
	inbox   chan memoryDatagram
	stop    chan struct{}
	started bool
	closed  bool

	stats counters
}

var _ Transport = (*MemoryTransport)(nil)

// Start registers the endpoint and starts its receive loop.
func (t *MemoryTransport) Start(ctx context.Context, h Handler) (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return netip.AddrPort{}, closed("(MemoryTransport) Start")
	}
	if t.started {
		return netip.AddrPort{}, errs.New(errs.Transport, "(MemoryTransport) Start", "already started")
	}
	t.network.mu.Lock()
	if _, taken := t.network.endpoints[t.local]; taken {
		t.network.mu.Unlock()
		return netip.AddrPort{}, errs.New(errs.Transport, "(MemoryTransport) Start", "address %s in use", t.local)
	}
	t.inbox = make(chan memoryDatagram, memoryInboxSize)
	t.network.endpoints[t.local] = t
	t.network.mu.Unlock()

	t.stop = make(chan struct{})
	t.started = true
	go t.receiveLoop(ctx, h)
	return t.local, nil
}

func (t *MemoryTransport) receiveLoop(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			go func() { _ = t.Close() }()
			return
		case <-t.stop:
			return
		case d := <-t.inbox:
			t.stats.received(len(d.data))
			dispatch(h, d.from, d.data)
		}
	}
}

// LocalAddr returns the endpoint address.
func (t *MemoryTransport) LocalAddr() netip.AddrPort {
	return t.local
}

// Send copies datagram onto the network.
func (t *MemoryTransport) Send(datagram []byte, to netip.AddrPort) (int, error) {
	t.mu.Lock()
	ok := t.started && !t.closed
	t.mu.Unlock()
	if !ok {
		return 0, closed("(MemoryTransport) Send")
	}
	if len(datagram) > t.maxDatagram {
		t.stats.oversize.Add(1)
		return 0, oversize("(MemoryTransport) Send", len(datagram), t.maxDatagram)
	}
	t.stats.sent(len(datagram))
	t.network.deliver(t.local, to, append([]byte(nil), datagram...))
	return len(datagram), nil
}

// Stats returns a snapshot of the counters.
func (t *MemoryTransport) Stats() Stats {
	return t.stats.snapshot()
}

// Close detaches the endpoint from the network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil
	}
	t.network.mu.Lock()
	delete(t.network.endpoints, t.local)
	t.network.mu.Unlock()
	close(t.stop)
	return nil
}
