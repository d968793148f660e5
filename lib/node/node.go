package node

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/bandwidth"
	"github.com/tunnelfin/go-tunnelfin/lib/config"
	"github.com/tunnelfin/go-tunnelfin/lib/discovery"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/metrics"
	"github.com/tunnelfin/go-tunnelfin/lib/peers"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/tunnel"
	"github.com/tunnelfin/go-tunnelfin/lib/util/clock"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

var log = logger.GetGoI2PLogger()

// Option overrides a component New would otherwise build from the config.
type Option func(*options)

type options struct {
	tr       transport.Transport
	self     *identity.Identity
	ntp      clock.NTPClient
	resolver peers.Resolver
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

// WithTransport runs the node over tr instead of a UDP socket.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) { o.tr = tr }
}

// WithIdentity uses id instead of the key file.
func WithIdentity(id *identity.Identity) Option {
	return func(o *options) { o.self = id }
}

// WithNTPClient queries c instead of the network.
func WithNTPClient(c clock.NTPClient) Option {
	return func(o *options) { o.ntp = c }
}

// WithResolver resolves bootstrap host names through r.
func WithResolver(r peers.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithDialer replaces the TCP dialer used when acting as an exit.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(o *options) { o.dial = dial }
}

// Node is a running overlay participant: it discovers peers, keeps a pool
// of circuits, relays for others and accounts for the bandwidth involved.
type Node struct {
	cfg       *config.Config
	community wire.CommunityID
	self      *identity.Identity
	resolver  peers.Resolver

	clock    *clock.Clock
	tr       transport.Transport
	mux      *transport.Mux
	registry *peers.Registry
	disc     *discovery.Discovery
	walker   *discovery.Walker
	upkeep   *peers.Maintainer

	ledger    *bandwidth.Ledger
	rates     *bandwidth.Tracker
	validator *bandwidth.Validator
	attestor  *bandwidth.Attestor
	tunnels   *tunnel.Manager

	collector *metrics.Collector

	mu       sync.Mutex
	started  time.Time
	running  bool
	attested bandwidth.Totals

	closeOnce sync.Once
	closeErr  error
}

// New builds every component from cfg. The identity key must already exist
// unless WithIdentity is given.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errs.New(errs.Validation, "node.New", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	community, err := cfg.Community()
	if err != nil {
		return nil, err
	}

	self := o.self
	if self == nil {
		if self, err = loadIdentity(cfg.Identity.KeyFile); err != nil {
			return nil, err
		}
	}

	n := &Node{
		cfg:       cfg,
		community: community,
		self:      self,
		resolver:  o.resolver,
		clock:     clock.New(cfg.Clock.NTPServers, cfg.Clock.SyncInterval, o.ntp),
	}

	n.tr = o.tr
	if n.tr == nil {
		n.tr = transport.NewUDP(transport.Config{
			Host:        cfg.Transport.Host,
			Port:        cfg.UDPPort,
			MaxDatagram: cfg.Transport.MaxDatagram,
			SendRate:    cfg.Transport.SendRate,
			SendBurst:   cfg.Transport.SendBurst,
		})
	}
	n.mux = transport.NewMux(community, identity.Verify)

	n.registry = peers.NewRegistry(peers.Config{
		NATMinSamples:       cfg.NAT.MinSamples,
		NATFailureThreshold: cfg.NAT.FailureThreshold,
		Inactivity:          cfg.Peers.Inactivity,
		Now:                 n.clock.Now,
	})

	retry := retryPolicy(cfg)
	n.disc = discovery.New(discovery.Config{
		Community:    community,
		Timeout:      cfg.Handshake.Timeout,
		Retry:        retry,
		RequestRate:  cfg.Handshake.RequestRate,
		RequestBurst: cfg.Handshake.RequestBurst,
		Now:          n.clock.Now,
	}, self, n.tr, n.registry)
	n.disc.Register(n.mux)
	n.walker = &discovery.Walker{
		Discovery: n.disc,
		Registry:  n.registry,
		Interval:  cfg.Handshake.WalkInterval,
	}
	n.upkeep = &peers.Maintainer{
		Registry:     n.registry,
		LowWatermark: cfg.Bootstrap.LowPeerThreshold,
		Interval:     cfg.Peers.SweepInterval,
	}

	n.ledger = bandwidth.NewLedger()
	n.rates = bandwidth.NewTracker(n.ledger)
	policy, err := bandwidth.NewRelayPolicy(bandwidth.PolicyConfig{
		Enabled:          cfg.Relay.Enabled,
		MaxCircuits:      cfg.Relay.MaxCircuits,
		BaselineCircuits: cfg.Relay.BaselineCircuits,
		Threshold:        cfg.Relay.ProportionalityThreshold,
	}, n.ledger)
	if err != nil {
		return nil, err
	}
	n.validator = bandwidth.NewValidator(identity.Verify)
	n.attestor = bandwidth.NewAttestor(bandwidth.NewChain(self, n.clock.Now), n.validator, n.tr, community)
	n.attestor.Register(n.mux)

	tcfg := tunnel.DefaultConfig(community)
	tcfg.HopCount = cfg.HopCount
	tcfg.PoolSize = cfg.PoolSize
	tcfg.BuildTimeout = cfg.Circuit.BuildTimeout
	tcfg.HeartbeatInterval = cfg.Heartbeat.Interval
	tcfg.MaxMissed = cfg.Heartbeat.MaxMissed
	tcfg.MaintenanceInterval = cfg.Circuit.MaintenanceInterval
	tcfg.BuildRetryDelay = cfg.Circuit.BuildRetryDelay
	tcfg.Retry = retry
	tcfg.Exit = cfg.Relay.Exit
	tcfg.Dial = o.dial
	tcfg.Now = n.clock.Now
	n.tunnels, err = tunnel.New(tcfg, self, n.tr, n.registry, n.ledger, policy)
	if err != nil {
		return nil, err
	}
	n.tunnels.Register(n.mux)

	n.collector = metrics.NewCollector(metrics.Sources{
		Tunnel:    n.tunnels,
		Ledger:    n.ledger,
		Rates:     n.rates,
		Transport: n.tr,
		Decode:    n.mux,
		Handshake: n.disc,
		Peers:     n.registry,
		Now:       n.clock.Now,
	})

	log.WithFields(logger.Fields{
		"at":        "node.New",
		"peer_id":   self.PeerID().Short(),
		"hop_count": cfg.HopCount,
		"pool_size": cfg.PoolSize,
		"relay":     cfg.Relay.Enabled,
		"exit":      cfg.Relay.Exit,
	}).Info("node created")
	return n, nil
}

func loadIdentity(path string) (*identity.Identity, error) {
	id, err := identity.NewKeystore(path).Load()
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "node.New", oops.
			With("key_file", path).
			Hint("create one with `tunnelfin keygen`").
			Wrapf(err, "cannot load identity key"))
	}
	if secure, err := config.IsPathSecure(path, config.SecureFilePermissions); err == nil && !secure {
		log.WithFields(logger.Fields{
			"at":       "node.New",
			"key_file": path,
			"reason":   "permissions wider than 0600",
		}).Warn("identity key file is readable by other users")
	}
	return id, nil
}

func retryPolicy(cfg *config.Config) transport.RetryPolicy {
	return transport.RetryPolicy{
		Initial:        cfg.Retry.Initial,
		Multiplier:     cfg.Retry.Multiplier,
		Max:            cfg.Retry.Max,
		Jitter:         cfg.Retry.Jitter,
		Attempts:       cfg.Retry.Attempts,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}
}

// Identity returns the node's signing identity.
func (n *Node) Identity() *identity.Identity { return n.self }

// Attested returns the traffic creator has attested to us so far and the
// sequence number of its latest block.
func (n *Node) Attested(creator []byte) (bandwidth.Record, uint32) {
	return n.validator.Attested(creator)
}

// Metrics returns the node's collector.
func (n *Node) Metrics() *metrics.Collector { return n.collector }

// OpenAnonymousChannel opens a byte stream to host:port through an
// established circuit, building one first if the pool is empty.
func (n *Node) OpenAnonymousChannel(ctx context.Context, host string, port uint16) (*tunnel.Channel, error) {
	return n.tunnels.OpenAnonymousChannel(ctx, host, port)
}

// CloseChannel tears down the channel with the given handle.
func (n *Node) CloseChannel(handle string) error {
	return n.tunnels.CloseChannel(handle)
}

// Close destroys every circuit and releases the transport.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		err := n.tunnels.Close()
		if terr := n.tr.Close(); err == nil {
			err = terr
		}
		n.closeErr = err
		log.WithFields(logger.Fields{
			"at":    "(Node) Close",
			"phase": "shutdown",
		}).Info("node stopped")
	})
	return n.closeErr
}
