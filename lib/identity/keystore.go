package identity

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Keystore persists an identity seed as a hex line in a single file.
type Keystore struct {
	path string
}

// NewKeystore returns a keystore backed by path.
func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

// Path returns the key file location.
func (ks *Keystore) Path() string {
	return ks.path
}

// LoadOrCreate loads the stored identity, generating and storing a new one if
// the file does not exist. A file that exists but cannot be parsed is an
// error; it is never silently replaced.
func (ks *Keystore) LoadOrCreate() (*Identity, error) {
	id, err := ks.Load()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	id, err = Generate(nil)
	if err != nil {
		return nil, err
	}
	if err := ks.Store(id); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":      "(Keystore) LoadOrCreate",
		"path":    ks.path,
		"peer_id": id.PeerID().Short(),
	}).Info("created new identity")
	return id, nil
}

// Load reads the identity stored at the keystore path.
func (ks *Keystore) Load() (*Identity, error) {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, oops.Wrapf(err, "identity key file %s is corrupt", ks.path)
	}
	if len(seed) != SeedSize {
		return nil, oops.Errorf("identity key file %s is corrupt: %d-byte seed", ks.path, len(seed))
	}
	return FromSeed(seed)
}

// Store writes id's seed, creating parent directories as needed.
func (ks *Keystore) Store(id *Identity) error {
	if dir := filepath.Dir(ks.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return oops.Wrapf(err, "failed to create key directory")
		}
	}
	data := hex.EncodeToString(id.Seed()) + "\n"
	if err := os.WriteFile(ks.path, []byte(data), 0o600); err != nil {
		return oops.Wrapf(err, "failed to write identity key")
	}
	return nil
}
