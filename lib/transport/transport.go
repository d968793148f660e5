package transport

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	// DefaultMaxDatagram keeps a datagram inside one Ethernet frame after IP
	// and UDP headers.
	DefaultMaxDatagram = 1472
	// DefaultSendRate is the outbound packet budget per second.
	DefaultSendRate = 2000
	// DefaultSendBurst is the limiter burst size.
	DefaultSendBurst = 256
)

// Handler receives inbound datagrams. It is called from the receive loop and
// must not block.
type Handler interface {
	HandleDatagram(from netip.AddrPort, datagram []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(from netip.AddrPort, datagram []byte)

func (f HandlerFunc) HandleDatagram(from netip.AddrPort, datagram []byte) {
	f(from, datagram)
}

// Transport is a datagram endpoint.
type Transport interface {
	// Start binds the endpoint and starts the receive loop. The loop stops
	// when ctx is done or Close is called.
	Start(ctx context.Context, h Handler) (netip.AddrPort, error)
	// LocalAddr is the bound endpoint, or the zero value before Start.
	LocalAddr() netip.AddrPort
	// Send transmits one datagram. It never waits for delivery.
	Send(datagram []byte, to netip.AddrPort) (int, error)
	Stats() Stats
	Close() error
}

// Stats is a snapshot of transport counters.
type Stats struct {
	PacketsIn   uint64
	PacketsOut  uint64
	BytesIn     uint64
	BytesOut    uint64
	SendErrors  uint64
	Oversize    uint64
	RateLimited uint64
}

type counters struct {
	packetsIn   atomic.Uint64
	packetsOut  atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	sendErrors  atomic.Uint64
	oversize    atomic.Uint64
	rateLimited atomic.Uint64
}

func (c *counters) received(n int) {
	c.packetsIn.Add(1)
	c.bytesIn.Add(uint64(n))
}

func (c *counters) sent(n int) {
	c.packetsOut.Add(1)
	c.bytesOut.Add(uint64(n))
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsIn:   c.packetsIn.Load(),
		PacketsOut:  c.packetsOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		SendErrors:  c.sendErrors.Load(),
		Oversize:    c.oversize.Load(),
		RateLimited: c.rateLimited.Load(),
	}
}

// dispatch calls h and contains any panic so the receive loop survives a
// faulty handler.
func dispatch(h Handler, from netip.AddrPort, datagram []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":     "transport.dispatch",
				"reason": "handler panic",
				"length": len(datagram),
				"panic":  r,
			}).Error("recovered from handler panic")
		}
	}()
	h.HandleDatagram(from, datagram)
}
