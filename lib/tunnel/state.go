package tunnel

// State is the lifecycle of an originated circuit.
type State uint8

const (
	StateCreating State = iota
	StateExtending
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateExtending:
		return "extending"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the circuit can no longer change state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Building reports whether the circuit is still being established.
func (s State) Building() bool {
	return s == StateCreating || s == StateExtending
}

// Failure reasons reported in stats and circuit snapshots.
const (
	ReasonTimeout      = "timeout"
	ReasonRejected     = "rejected"
	ReasonProtocol     = "protocol error"
	ReasonHeartbeat    = "heartbeat missed"
	ReasonDestroyed    = "destroyed by relay"
	ReasonNoCandidates = "not enough relay candidates"
	ReasonSend         = "send failed"
	ReasonClosed       = "closed"
	ReasonShutdown     = "shutdown"
)
