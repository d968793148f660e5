package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigShowUsesBaseDir(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "config", "show", "--base-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "hop_count: 3")
	assert.Contains(t, out, filepath.Join(dir, "identity.key"))
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
}

func TestKeygenRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "keygen", "--base-dir", dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "wrote "))

	first, err := identity.NewKeystore(filepath.Join(dir, "identity.key")).Load()
	require.NoError(t, err)

	_, err = execute(t, "keygen", "--base-dir", dir)
	require.Error(t, err)

	_, err = execute(t, "keygen", "--base-dir", dir, "--force")
	require.NoError(t, err)
	second, err := identity.NewKeystore(filepath.Join(dir, "identity.key")).Load()
	require.NoError(t, err)
	assert.NotEqual(t, first.PeerID(), second.PeerID())
}

func TestKeygenHonoursKeyFileFlag(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "keys", "node.key")
	_, err := execute(t, "keygen", "--base-dir", dir, "--key-file", key)
	require.NoError(t, err)
	assert.FileExists(t, key)
}

func TestRunWithoutKeyFails(t *testing.T) {
	_, err := execute(t, "run", "--base-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity key")
}

func TestStatusWithoutNodeFails(t *testing.T) {
	_, err := execute(t, "status", "--base-dir", t.TempDir(), "--control-listen", "127.0.0.1:1")
	require.Error(t, err)
}
