package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeystoreLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")
	ks := NewKeystore(path)

	first, err := ks.LoadOrCreate()
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := ks.LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyBytes(), second.PublicKeyBytes())
	assert.Equal(t, first.PeerID(), second.PeerID())
}

func TestKeystoreCorruptFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"not-hex":  "zzzz\n",
		"short":    "abcd\n",
		"too-long": "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff00\n",
		"empty":    "",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		_, err := NewKeystore(path).LoadOrCreate()
		assert.Error(t, err, name)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(data), "%s was overwritten", name)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.key")
	id, err := Generate(nil)
	require.NoError(t, err)
	ks := NewKeystore(path)
	require.NoError(t, ks.Store(id))

	loaded, err := ks.Load()
	require.NoError(t, err)
	assert.Equal(t, id.Seed(), loaded.Seed())
	assert.Equal(t, path, ks.Path())
}
