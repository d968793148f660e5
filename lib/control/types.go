package control

import "time"

// Status summarises the node.
type Status struct {
	PeerID        string         `json:"peer_id"`
	Community     string         `json:"community"`
	ListenAddr    string         `json:"listen_addr"`
	WANAddr       string         `json:"wan_addr,omitempty"`
	Started       time.Time      `json:"started"`
	Circuits      map[string]int `json:"circuits"`
	RelayCircuits int            `json:"relay_circuits"`
	Channels      int            `json:"channels"`
	Peers         int            `json:"peers"`
	RelayEnabled  bool           `json:"relay_enabled"`
	ExitEnabled   bool           `json:"exit_enabled"`
	ClockOffset   string         `json:"clock_offset"`
	ClockSynced   bool           `json:"clock_synced"`
}

// Hop is one relay of a circuit.
type Hop struct {
	Index  int    `json:"index"`
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

// Circuit describes one originated circuit.
type Circuit struct {
	ID            uint32    `json:"id"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Hops          []Hop     `json:"hops"`
	Planned       int       `json:"planned"`
	Created       time.Time `json:"created"`
	Established   time.Time `json:"established,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Missed        int       `json:"missed"`
	Streams       int       `json:"streams"`
}

// Bandwidth reports ledger totals and the relay contribution.
type Bandwidth struct {
	Downloaded         uint64  `json:"downloaded"`
	Uploaded           uint64  `json:"uploaded"`
	Relayed            uint64  `json:"relayed"`
	RelayRatio         float64 `json:"relay_ratio"`
	RequiredRelayBytes uint64  `json:"required_relay_bytes"`
	Proportional       bool    `json:"proportional"`
	Download1s         uint64  `json:"download_1s"`
	Download15s        uint64  `json:"download_15s"`
	Upload1s           uint64  `json:"upload_1s"`
	Upload15s          uint64  `json:"upload_15s"`
	Relay1s            uint64  `json:"relay_1s"`
	Relay15s           uint64  `json:"relay_15s"`
}

// Peer is one registry entry.
type Peer struct {
	PeerID         string    `json:"peer_id,omitempty"`
	Addr           string    `json:"addr"`
	NAT            string    `json:"nat"`
	Handshake      string    `json:"handshake"`
	RelayCandidate bool      `json:"relay_candidate"`
	Bootstrap      bool      `json:"bootstrap"`
	SuccessRate    float64   `json:"success_rate"`
	RTTMillis      int64     `json:"rtt_ms"`
	LastSeen       time.Time `json:"last_seen"`
}

// CloseCircuitArgs names the circuit to close.
type CloseCircuitArgs struct {
	ID uint32 `json:"id"`
}
