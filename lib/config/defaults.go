package config

import (
	"path/filepath"
	"time"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// DefaultCommunityID is the overlay this node joins unless told otherwise.
const DefaultCommunityID = "74756e6e656c66696e2f636f6d6d756e69747931"

// Config is the effective node configuration.
type Config struct {
	// BaseDir holds config.yaml and the identity key.
	// Default: $HOME/.tunnelfin
	BaseDir string

	// CommunityID names the overlay as 40 hex characters.
	CommunityID string

	// HopCount is the number of relays per circuit, 1 to 3.
	// Default: 3
	HopCount int

	// PoolSize is the number of established circuits kept ready, 2 to 3.
	// Default: 2
	PoolSize int

	// UDPPort is the listen port; 0 picks an ephemeral port.
	// Default: 0
	UDPPort int

	Bootstrap BootstrapConfig
	Heartbeat HeartbeatConfig
	Handshake HandshakeConfig
	Circuit   CircuitConfig
	Relay     RelayConfig
	NAT       NATConfig
	Retry     RetryConfig
	Transport TransportConfig
	Peers     PeersConfig
	Identity  IdentityConfig
	Metrics   MetricsConfig
	Control   ControlConfig
	Clock     ClockConfig
}

// BootstrapConfig controls initial peer discovery.
type BootstrapConfig struct {
	// Peers are host:port entries contacted at startup.
	Peers []string

	// Timeout bounds the initial handshake round.
	// Default: 30 seconds
	Timeout time.Duration

	// LowPeerThreshold re-seeds the bootstrap peers when the registry
	// shrinks below it.
	// Default: 10
	LowPeerThreshold int
}

// HeartbeatConfig controls circuit liveness checks.
type HeartbeatConfig struct {
	// Interval between pings on each established circuit.
	// Default: 30 seconds
	Interval time.Duration

	// MaxMissed consecutive pongs before a circuit is failed.
	// Default: 3
	MaxMissed int
}

// HandshakeConfig controls the introduction exchange.
type HandshakeConfig struct {
	// Timeout for one exchange including retries.
	// Default: 10 seconds
	Timeout time.Duration

	// WalkInterval between walker steps.
	// Default: 5 seconds
	WalkInterval time.Duration

	// RequestRate and RequestBurst limit introduction requests per source.
	// Default: 5 per second, burst 10
	RequestRate  float64
	RequestBurst int
}

// CircuitConfig controls circuit construction.
type CircuitConfig struct {
	// BuildTimeout bounds a whole circuit build.
	// Default: 30 seconds
	BuildTimeout time.Duration

	// MaintenanceInterval between pool checks.
	// Default: 5 seconds
	MaintenanceInterval time.Duration

	// BuildRetryDelay is the first backoff step after a failed build.
	// Default: 5 seconds
	BuildRetryDelay time.Duration
}

// RelayConfig controls participation in other nodes' circuits.
type RelayConfig struct {
	// Enabled accepts CREATE from other nodes.
	// Default: true
	Enabled bool

	// Exit dials TCP destinations when this node is the final hop.
	// Default: false
	Exit bool

	// MaxCircuits is the relay limit while this node owes relay bandwidth.
	// Default: 32
	MaxCircuits int

	// BaselineCircuits is the relay limit otherwise.
	// Default: 8
	BaselineCircuits int

	// ProportionalityThreshold is the accepted distance of the relay ratio
	// from 1.0, in [0,1].
	// Default: 0.05
	ProportionalityThreshold float64
}

// NATConfig controls symmetric NAT classification.
type NATConfig struct {
	// MinSamples puncture attempts before a peer is classified.
	// Default: 5
	MinSamples int

	// FailureThreshold is the puncture failure rate above which a peer is
	// treated as behind a symmetric NAT.
	// Default: 0.5
	FailureThreshold float64
}

// RetryConfig is the backoff applied to request/response exchanges.
type RetryConfig struct {
	// Default: 100 milliseconds
	Initial time.Duration
	// Default: 2
	Multiplier float64
	// Default: 5 seconds
	Max time.Duration
	// Jitter is the relative spread applied to each delay, in [0,1].
	// Default: 0.25
	Jitter float64
	// Default: 5
	Attempts int
	// Default: 2 seconds
	AttemptTimeout time.Duration
}

// TransportConfig controls the UDP socket.
type TransportConfig struct {
	// Host is the bind address; empty binds all interfaces.
	Host string

	// MaxDatagram caps outbound datagram size.
	// Default: 1472 bytes
	MaxDatagram int

	// SendRate in packets per second; 0 disables limiting.
	// Default: 2000
	SendRate float64

	// Default: 256
	SendBurst int
}

// PeersConfig controls the peer registry.
type PeersConfig struct {
	// Inactivity after which an unseen peer is evicted.
	// Default: 10 minutes
	Inactivity time.Duration

	// SweepInterval between eviction passes.
	// Default: 1 minute
	SweepInterval time.Duration
}

// IdentityConfig locates the signing key.
type IdentityConfig struct {
	// KeyFile holds the raw 32-byte seed.
	// Default: $HOME/.tunnelfin/identity.key
	KeyFile string
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	// Listen is the /metrics address; empty disables it.
	Listen string
}

// ControlConfig controls the JSON-RPC endpoint.
type ControlConfig struct {
	// Listen is the control address.
	// Default: 127.0.0.1:7651
	Listen string
}

// ClockConfig controls wall clock correction.
type ClockConfig struct {
	// NTPServers are queried for the clock offset; empty uses the local
	// clock.
	// Default: pool.ntp.org
	NTPServers []string

	// SyncInterval between offset refreshes.
	// Default: 1 hour
	SyncInterval time.Duration
}

// Defaults returns the default configuration rooted at DefaultBaseDir.
func Defaults() *Config {
	return DefaultsIn(DefaultBaseDir())
}

// DefaultsIn returns the default configuration rooted at baseDir.
func DefaultsIn(baseDir string) *Config {
	return &Config{
		BaseDir:     baseDir,
		CommunityID: DefaultCommunityID,
		HopCount:    3,
		PoolSize:    2,
		Bootstrap:   buildBootstrapDefaults(),
		Heartbeat: HeartbeatConfig{
			Interval:  30 * time.Second,
			MaxMissed: 3,
		},
		Handshake: HandshakeConfig{
			Timeout:      10 * time.Second,
			WalkInterval: 5 * time.Second,
			RequestRate:  5,
			RequestBurst: 10,
		},
		Circuit: CircuitConfig{
			BuildTimeout:        30 * time.Second,
			MaintenanceInterval: 5 * time.Second,
			BuildRetryDelay:     5 * time.Second,
		},
		Relay:     buildRelayDefaults(),
		NAT:       NATConfig{MinSamples: 5, FailureThreshold: 0.5},
		Retry:     buildRetryDefaults(),
		Transport: TransportConfig{MaxDatagram: 1472, SendRate: 2000, SendBurst: 256},
		Peers:     PeersConfig{Inactivity: 10 * time.Minute, SweepInterval: time.Minute},
		Identity:  IdentityConfig{KeyFile: filepath.Join(baseDir, "identity.key")},
		Control:   ControlConfig{Listen: "127.0.0.1:7651"},
		Clock: ClockConfig{
			NTPServers:   []string{"pool.ntp.org"},
			SyncInterval: time.Hour,
		},
	}
}

func buildBootstrapDefaults() BootstrapConfig {
	return BootstrapConfig{
		Peers:            []string{},
		Timeout:          30 * time.Second,
		LowPeerThreshold: 10,
	}
}

func buildRelayDefaults() RelayConfig {
	return RelayConfig{
		Enabled:                  true,
		MaxCircuits:              32,
		BaselineCircuits:         8,
		ProportionalityThreshold: 0.05,
	}
}

func buildRetryDefaults() RetryConfig {
	return RetryConfig{
		Initial:        100 * time.Millisecond,
		Multiplier:     2,
		Max:            5 * time.Second,
		Jitter:         0.25,
		Attempts:       5,
		AttemptTimeout: 2 * time.Second,
	}
}

// Community decodes CommunityID.
func (c *Config) Community() (wire.CommunityID, error) {
	id, err := wire.ParseCommunityID(c.CommunityID)
	if err != nil {
		return id, errs.Wrap(errs.Validation, "(Config) Community", err)
	}
	return id, nil
}

// Validate reports the first out-of-range value as a Validation error.
func (c *Config) Validate() error {
	log.WithFields(logger.Fields{
		"at":     "(Config) Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	validators := []func() error{
		c.validateTopLevel,
		c.validateBootstrap,
		c.validateHeartbeat,
		c.validateHandshake,
		c.validateCircuit,
		c.validateRelay,
		c.validateNAT,
		c.validateRetry,
		c.validateTransport,
		c.validatePeers,
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("configuration validation failed")
			return err
		}
	}
	return nil
}

func (c *Config) validateTopLevel() error {
	if _, err := c.Community(); err != nil {
		return err
	}
	if c.HopCount < 1 || c.HopCount > 3 {
		return newValidationError("hop_count must be between 1 and 3, got %d", c.HopCount)
	}
	if c.PoolSize < 2 || c.PoolSize > 3 {
		return newValidationError("pool_size must be between 2 and 3, got %d", c.PoolSize)
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return newValidationError("udp_port out of range: %d", c.UDPPort)
	}
	if c.Identity.KeyFile == "" {
		return newValidationError("identity.key_file must be set")
	}
	return nil
}

func (c *Config) validateBootstrap() error {
	if c.Bootstrap.Timeout <= 0 {
		return newValidationError("bootstrap.timeout must be positive")
	}
	if c.Bootstrap.LowPeerThreshold < 0 {
		return newValidationError("bootstrap.low_peer_threshold must not be negative")
	}
	return nil
}

func (c *Config) validateHeartbeat() error {
	if c.Heartbeat.Interval <= 0 {
		return newValidationError("heartbeat.interval must be positive")
	}
	if c.Heartbeat.MaxMissed < 1 {
		return newValidationError("heartbeat.max_missed must be at least 1, got %d", c.Heartbeat.MaxMissed)
	}
	return nil
}

func (c *Config) validateHandshake() error {
	h := c.Handshake
	if h.Timeout <= 0 || h.WalkInterval <= 0 {
		return newValidationError("handshake.timeout and handshake.walk_interval must be positive")
	}
	if h.RequestRate <= 0 || h.RequestBurst < 1 {
		return newValidationError("handshake.request_rate and handshake.request_burst must be positive")
	}
	return nil
}

func (c *Config) validateCircuit() error {
	cc := c.Circuit
	if cc.BuildTimeout <= 0 || cc.MaintenanceInterval <= 0 || cc.BuildRetryDelay <= 0 {
		return newValidationError("circuit durations must be positive")
	}
	return nil
}

func (c *Config) validateRelay() error {
	r := c.Relay
	if r.ProportionalityThreshold < 0 || r.ProportionalityThreshold > 1 {
		return newValidationError("relay.proportionality_threshold must be in [0,1], got %v", r.ProportionalityThreshold)
	}
	if r.BaselineCircuits < 0 || r.MaxCircuits < r.BaselineCircuits {
		return newValidationError("need 0 <= relay.baseline_circuits (%d) <= relay.max_circuits (%d)", r.BaselineCircuits, r.MaxCircuits)
	}
	return nil
}

func (c *Config) validateNAT() error {
	if c.NAT.MinSamples < 1 {
		return newValidationError("nat.min_samples must be at least 1, got %d", c.NAT.MinSamples)
	}
	if c.NAT.FailureThreshold < 0 || c.NAT.FailureThreshold > 1 {
		return newValidationError("nat.failure_threshold must be in [0,1], got %v", c.NAT.FailureThreshold)
	}
	return nil
}

func (c *Config) validateRetry() error {
	r := c.Retry
	if r.Initial <= 0 || r.Max < r.Initial {
		return newValidationError("need 0 < retry.initial <= retry.max")
	}
	if r.Multiplier < 1 {
		return newValidationError("retry.multiplier must be at least 1, got %v", r.Multiplier)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return newValidationError("retry.jitter must be in [0,1], got %v", r.Jitter)
	}
	if r.Attempts < 1 || r.AttemptTimeout <= 0 {
		return newValidationError("retry.attempts and retry.attempt_timeout must be positive")
	}
	return nil
}

func (c *Config) validateTransport() error {
	t := c.Transport
	if t.MaxDatagram < wire.PrefixLength+1 || t.MaxDatagram > 65507 {
		return newValidationError("transport.max_datagram out of range: %d", t.MaxDatagram)
	}
	if t.SendRate < 0 || (t.SendRate > 0 && t.SendBurst < 1) {
		return newValidationError("transport.send_rate must not be negative and needs a positive send_burst")
	}
	return nil
}

func (c *Config) validatePeers() error {
	if c.Peers.Inactivity <= 0 || c.Peers.SweepInterval <= 0 {
		return newValidationError("peers.inactivity and peers.sweep_interval must be positive")
	}
	return nil
}

func newValidationError(format string, args ...interface{}) error {
	return errs.New(errs.Validation, "config.Validate", format, args...)
}
