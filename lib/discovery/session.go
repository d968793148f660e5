package discovery

import (
	"net/netip"
	"time"

	"github.com/tunnelfin/go-tunnelfin/lib/identity"
)

// State is the progress of one discovery exchange.
type State uint8

const (
	StateNone State = iota
	StateRequestSent
	StateResponseReceived
	StatePunctureRequestSent
	StatePunctureReceived
	StateComplete
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequestSent:
		return "request-sent"
	case StateResponseReceived:
		return "response-received"
	case StatePunctureRequestSent:
		return "puncture-request-sent"
	case StatePunctureReceived:
		return "puncture-received"
	case StateComplete:
		return "complete"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateTimedOut || s == StateFailed
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	Identifier uint16
	Addr       netip.AddrPort
	Peer       identity.PeerID
	PeerKnown  bool
	State      State
	Introduced netip.AddrPort
	Created    time.Time
	Deadline   time.Time
}

type session struct {
	identifier uint16
	addr       netip.AddrPort
	// expectKey is set when the peer's key is known in advance; a response
	// signed by any other key is ignored.
	expectKey  []byte
	peerKey    []byte
	peer       identity.PeerID
	state      State
	introduced netip.AddrPort
	created    time.Time
	sentAt     time.Time
	deadline   time.Time
	// responded closes when the session leaves RequestSent, done when it
	// reaches a terminal state.
	responded chan struct{}
	done      chan struct{}
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Identifier: s.identifier,
		Addr:       s.addr,
		Peer:       s.peer,
		PeerKnown:  len(s.peerKey) > 0,
		State:      s.state,
		Introduced: s.introduced,
		Created:    s.created,
		Deadline:   s.deadline,
	}
}

// advance moves to next, closing responded and done as they are passed.
// Callers hold the discovery lock.
func (s *session) advance(next State) {
	if s.state.Terminal() {
		return
	}
	leaving := s.state == StateNone || s.state == StateRequestSent
	s.state = next
	if leaving && next != StateRequestSent {
		close(s.responded)
	}
	if next.Terminal() {
		close(s.done)
	}
}
