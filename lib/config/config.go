package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"github.com/tunnelfin/go-tunnelfin/lib/util"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

const (
	// BaseDirName is the state directory under the user's home.
	BaseDirName = ".tunnelfin"
	// FileName is the config file inside the base directory.
	FileName = "config.yaml"
	// EnvPrefix prefixes environment overrides, e.g. TUNNELFIN_HOP_COUNT.
	EnvPrefix = "TUNNELFIN"
)

// DefaultBaseDir returns $HOME/.tunnelfin.
func DefaultBaseDir() string {
	return filepath.Join(util.UserHome(), BaseDirName)
}

// NewViper returns a private viper instance seeded with defaults and bound
// to TUNNELFIN_* environment variables.
func NewViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults.Settings() {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads the config file at path over the defaults. An empty path
// reads config.yaml in the default base directory, creating it first if it
// does not exist.
func Load(path string) (*Config, error) {
	return LoadViper(NewViper(Defaults()), path)
}

// LoadViper is Load over a caller-supplied instance, typically one with
// command-line flags bound to it.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	if err := handleConfigFile(v, path); err != nil {
		return nil, err
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func handleConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errs.Wrap(errs.Validation, "config.Load", oops.Wrapf(err, "read config file %s", path))
		}
		log.WithField("path", path).Debug("using config file")
		return nil
	}
	dir := v.GetString("base_dir")
	file := filepath.Join(dir, FileName)
	v.SetConfigFile(file)
	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		return createDefaultConfig(v, dir, file)
	}
	if err := v.ReadInConfig(); err != nil {
		return errs.Wrap(errs.Validation, "config.Load", oops.Wrapf(err, "read config file %s", file))
	}
	log.WithField("path", file).Debug("using config file")
	return nil
}

func createDefaultConfig(v *viper.Viper, dir, file string) error {
	if err := CreateSecureDirectory(dir); err != nil {
		return err
	}
	data, err := FromViper(v).YAML()
	if err != nil {
		return err
	}
	if err := WriteSecureFile(file, data); err != nil {
		return err
	}
	log.WithFields(logger.Fields{
		"at":     "config.createDefaultConfig",
		"reason": "config_file_missing",
		"path":   file,
	}).Info("created default configuration")
	return nil
}

// FromViper reads every key from v without validating.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		BaseDir:     v.GetString("base_dir"),
		CommunityID: v.GetString("community_id"),
		HopCount:    v.GetInt("hop_count"),
		PoolSize:    v.GetInt("pool_size"),
		UDPPort:     v.GetInt("udp_port"),
		Bootstrap: BootstrapConfig{
			Peers:            v.GetStringSlice("bootstrap.peers"),
			Timeout:          v.GetDuration("bootstrap.timeout"),
			LowPeerThreshold: v.GetInt("bootstrap.low_peer_threshold"),
		},
		Heartbeat: HeartbeatConfig{
			Interval:  v.GetDuration("heartbeat.interval"),
			MaxMissed: v.GetInt("heartbeat.max_missed"),
		},
		Handshake: HandshakeConfig{
			Timeout:      v.GetDuration("handshake.timeout"),
			WalkInterval: v.GetDuration("handshake.walk_interval"),
			RequestRate:  v.GetFloat64("handshake.request_rate"),
			RequestBurst: v.GetInt("handshake.request_burst"),
		},
		Circuit: CircuitConfig{
			BuildTimeout:        v.GetDuration("circuit.build_timeout"),
			MaintenanceInterval: v.GetDuration("circuit.maintenance_interval"),
			BuildRetryDelay:     v.GetDuration("circuit.build_retry_delay"),
		},
		Relay: RelayConfig{
			Enabled:                  v.GetBool("relay.enabled"),
			Exit:                     v.GetBool("relay.exit"),
			MaxCircuits:              v.GetInt("relay.max_circuits"),
			BaselineCircuits:         v.GetInt("relay.baseline_circuits"),
			ProportionalityThreshold: v.GetFloat64("relay.proportionality_threshold"),
		},
		NAT: NATConfig{
			MinSamples:       v.GetInt("nat.min_samples"),
			FailureThreshold: v.GetFloat64("nat.failure_threshold"),
		},
		Retry: RetryConfig{
			Initial:        v.GetDuration("retry.initial"),
			Multiplier:     v.GetFloat64("retry.multiplier"),
			Max:            v.GetDuration("retry.max"),
			Jitter:         v.GetFloat64("retry.jitter"),
			Attempts:       v.GetInt("retry.attempts"),
			AttemptTimeout: v.GetDuration("retry.attempt_timeout"),
		},
		Transport: TransportConfig{
			Host:        v.GetString("transport.host"),
			MaxDatagram: v.GetInt("transport.max_datagram"),
			SendRate:    v.GetFloat64("transport.send_rate"),
			SendBurst:   v.GetInt("transport.send_burst"),
		},
		Peers: PeersConfig{
			Inactivity:    v.GetDuration("peers.inactivity"),
			SweepInterval: v.GetDuration("peers.sweep_interval"),
		},
		Identity: IdentityConfig{KeyFile: v.GetString("identity.key_file")},
		Metrics:  MetricsConfig{Listen: v.GetString("metrics.listen")},
		Control:  ControlConfig{Listen: v.GetString("control.listen")},
		Clock: ClockConfig{
			NTPServers:   v.GetStringSlice("clock.ntp_servers"),
			SyncInterval: v.GetDuration("clock.sync_interval"),
		},
	}
}

// Settings flattens c into dotted keys.
func (c *Config) Settings() map[string]interface{} {
	return map[string]interface{}{
		"base_dir":                        c.BaseDir,
		"community_id":                    c.CommunityID,
		"hop_count":                       c.HopCount,
		"pool_size":                       c.PoolSize,
		"udp_port":                        c.UDPPort,
		"bootstrap.peers":                 c.Bootstrap.Peers,
		"bootstrap.timeout":               c.Bootstrap.Timeout,
		"bootstrap.low_peer_threshold":    c.Bootstrap.LowPeerThreshold,
		"heartbeat.interval":              c.Heartbeat.Interval,
		"heartbeat.max_missed":            c.Heartbeat.MaxMissed,
		"handshake.timeout":               c.Handshake.Timeout,
		"handshake.walk_interval":         c.Handshake.WalkInterval,
		"handshake.request_rate":          c.Handshake.RequestRate,
		"handshake.request_burst":         c.Handshake.RequestBurst,
		"circuit.build_timeout":           c.Circuit.BuildTimeout,
		"circuit.maintenance_interval":    c.Circuit.MaintenanceInterval,
		"circuit.build_retry_delay":       c.Circuit.BuildRetryDelay,
		"relay.enabled":                   c.Relay.Enabled,
		"relay.exit":                      c.Relay.Exit,
		"relay.max_circuits":              c.Relay.MaxCircuits,
		"relay.baseline_circuits":         c.Relay.BaselineCircuits,
		"relay.proportionality_threshold": c.Relay.ProportionalityThreshold,
		"nat.min_samples":                 c.NAT.MinSamples,
		"nat.failure_threshold":           c.NAT.FailureThreshold,
		"retry.initial":                   c.Retry.Initial,
		"retry.multiplier":                c.Retry.Multiplier,
		"retry.max":                       c.Retry.Max,
		"retry.jitter":                    c.Retry.Jitter,
		"retry.attempts":                  c.Retry.Attempts,
		"retry.attempt_timeout":           c.Retry.AttemptTimeout,
		"transport.host":                  c.Transport.Host,
		"transport.max_datagram":          c.Transport.MaxDatagram,
		"transport.send_rate":             c.Transport.SendRate,
		"transport.send_burst":            c.Transport.SendBurst,
		"peers.inactivity":                c.Peers.Inactivity,
		"peers.sweep_interval":            c.Peers.SweepInterval,
		"identity.key_file":               c.Identity.KeyFile,
		"metrics.listen":                  c.Metrics.Listen,
		"control.listen":                  c.Control.Listen,
		"clock.ntp_servers":               c.Clock.NTPServers,
		"clock.sync_interval":             c.Clock.SyncInterval,
	}
}

// Keys returns the sorted setting keys.
func (c *Config) Keys() []string {
	settings := c.Settings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// YAML renders c as a nested document that Load accepts.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(nest(c.Settings()))
	if err != nil {
		return nil, oops.Wrapf(err, "render config")
	}
	return data, nil
}

// nest turns dotted keys into nested maps; durations become strings.
func nest(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range flat {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			sub, ok := m[p].(map[string]interface{})
			if !ok {
				sub = make(map[string]interface{})
				m[p] = sub
			}
			m = sub
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}
