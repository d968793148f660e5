package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"gopkg.in/yaml.v3"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultsIn(t.TempDir())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.HopCount)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 1472, cfg.Transport.MaxDatagram)
	assert.Equal(t, 0.05, cfg.Relay.ProportionalityThreshold)

	id, err := cfg.Community()
	require.NoError(t, err)
	assert.Equal(t, []byte("tunnelfin/community1"), id[:])
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := map[string]func(*Config){
		"hop count zero":     func(c *Config) { c.HopCount = 0 },
		"hop count four":     func(c *Config) { c.HopCount = 4 },
		"pool size one":      func(c *Config) { c.PoolSize = 1 },
		"pool size four":     func(c *Config) { c.PoolSize = 4 },
		"bad community":      func(c *Config) { c.CommunityID = "abc" },
		"threshold above 1":  func(c *Config) { c.Relay.ProportionalityThreshold = 1.5 },
		"threshold negative": func(c *Config) { c.Relay.ProportionalityThreshold = -0.1 },
		"baseline above max": func(c *Config) { c.Relay.BaselineCircuits = 40 },
		"missed zero":        func(c *Config) { c.Heartbeat.MaxMissed = 0 },
		"jitter above 1":     func(c *Config) { c.Retry.Jitter = 2 },
		"tiny datagram":      func(c *Config) { c.Transport.MaxDatagram = 10 },
		"nat threshold":      func(c *Config) { c.NAT.FailureThreshold = 1.1 },
		"port":               func(c *Config) { c.UDPPort = 70000 },
		"no key file":        func(c *Config) { c.Identity.KeyFile = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultsIn(t.TempDir())
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.Validation, errs.KindOf(err))
		})
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	cfg, err := LoadViper(NewViper(DefaultsIn(dir)), "")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.BaseDir)

	file := filepath.Join(dir, FileName)
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SecureFilePermissions), info.Mode().Perm())

	again, err := LoadViper(NewViper(DefaultsIn(dir)), "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Settings()["hop_count"], again.Settings()["hop_count"])
	assert.Equal(t, cfg.Heartbeat, again.Heartbeat)
	assert.Equal(t, cfg.Retry, again.Retry)
	assert.Equal(t, cfg.Identity.KeyFile, again.Identity.KeyFile)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "node.yaml")
	doc := `
hop_count: 2
pool_size: 3
heartbeat:
  interval: 5s
  max_missed: 4
relay:
  exit: true
  proportionality_threshold: 0.2
bootstrap:
  peers:
    - 192.0.2.1:7759
    - seed.example.org:7759
`
	require.NoError(t, os.WriteFile(file, []byte(doc), 0o600))

	cfg, err := LoadViper(NewViper(DefaultsIn(dir)), file)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.HopCount)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 4, cfg.Heartbeat.MaxMissed)
	assert.True(t, cfg.Relay.Exit)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, 0.2, cfg.Relay.ProportionalityThreshold)
	assert.Equal(t, []string{"192.0.2.1:7759", "seed.example.org:7759"}, cfg.Bootstrap.Peers)
	assert.Equal(t, 10*time.Second, cfg.Handshake.Timeout)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(file, []byte("hop_count: 7\n"), 0o600))

	_, err := LoadViper(NewViper(DefaultsIn(dir)), file)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadViper(NewViper(DefaultsIn(t.TempDir())), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("TUNNELFIN_HOP_COUNT", "1")
	t.Setenv("TUNNELFIN_HEARTBEAT_MAX_MISSED", "6")
	dir := t.TempDir()
	cfg, err := LoadViper(NewViper(DefaultsIn(dir)), "")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.HopCount)
	assert.Equal(t, 6, cfg.Heartbeat.MaxMissed)
}

func TestYAMLNestsSections(t *testing.T) {
	cfg := DefaultsIn("/var/lib/tunnelfin")
	data, err := cfg.YAML()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	heartbeat, ok := doc["heartbeat"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "30s", heartbeat["interval"])
	assert.Equal(t, 3, heartbeat["max_missed"])
	assert.Equal(t, "/var/lib/tunnelfin", doc["base_dir"])
}

func TestKeysSorted(t *testing.T) {
	keys := DefaultsIn("/tmp/x").Keys()
	assert.IsIncreasing(t, keys)
	assert.Contains(t, keys, "relay.proportionality_threshold")
	assert.Len(t, keys, len(DefaultsIn("/tmp/x").Settings()))
}

func TestIsPathSecure(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "key")
	require.NoError(t, WriteSecureFile(file, []byte("x")))
	ok, err := IsPathSecure(file, SecureFilePermissions)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.Chmod(file, 0o644))
	ok, err = IsPathSecure(file, SecureFilePermissions)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = IsPathSecure(filepath.Join(dir, "none"), SecureFilePermissions)
	require.NoError(t, err)
	assert.True(t, ok)
}
