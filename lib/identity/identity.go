// Package identity holds the node's long-term Ed25519 signing key.
package identity

import (
	stded25519 "crypto/ed25519"
	"crypto/sha1"
	"encoding/hex"
	"io"

	"github.com/go-i2p/crypto/ed25519"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/crypto/types"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

var log = logger.GetGoI2PLogger()

const (
	// SeedSize is the length of a raw private seed.
	SeedSize = stded25519.SeedSize
	// PublicKeySize is the length of a raw public key.
	PublicKeySize = stded25519.PublicKeySize
	// SignatureSize is the length of a signature.
	SignatureSize = stded25519.SignatureSize
	// PeerIDSize is the length of a PeerID.
	PeerIDSize = sha1.Size
)

// PeerID is the SHA-1 of a raw public key, the overlay's member identifier.
type PeerID [PeerIDSize]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first eight hex characters, for logs.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

// PeerIDFromKey derives the identifier of a raw public key.
func PeerIDFromKey(publicKey []byte) PeerID {
	return sha1.Sum(publicKey)
}

// Identity is a signing keypair. It is safe for concurrent use.
type Identity struct {
	priv   ed25519.Ed25519PrivateKey
	pub    []byte
	signer types.Signer
	id     PeerID
}

// FromSeed builds an identity from a 32-byte raw seed. The same seed always
// yields the same public key.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, errs.New(errs.Validation, "identity.FromSeed", "seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv, err := ed25519.NewEd25519PrivateKey(stded25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "identity.FromSeed", err)
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "identity.FromSeed", err)
	}
	signer, err := priv.NewSigner()
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "identity.FromSeed", err)
	}
	return &Identity{
		priv:   priv,
		pub:    pub.Bytes(),
		signer: signer,
		id:     PeerIDFromKey(pub.Bytes()),
	}, nil
}

// Generate creates a fresh identity from rnd, or from the go-i2p secure
// reader if rnd is nil.
func Generate(rnd io.Reader) (*Identity, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, oops.Wrapf(err, "failed to read identity seed")
	}
	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":      "identity.Generate",
		"peer_id": id.id.Short(),
	}).Debug("generated identity")
	return id, nil
}

// Seed returns a copy of the raw private seed.
func (i *Identity) Seed() []byte {
	return append([]byte(nil), stded25519.PrivateKey(i.priv).Seed()...)
}

// PublicKeyBytes returns a copy of the raw public key.
func (i *Identity) PublicKeyBytes() []byte {
	return append([]byte(nil), i.pub...)
}

// PeerID returns the identifier derived from the public key.
func (i *Identity) PeerID() PeerID {
	return i.id
}

// Sign returns the deterministic Ed25519 signature of message.
func (i *Identity) Sign(message []byte) []byte {
	sig, err := i.signer.Sign(message)
	if err != nil {
		// FromSeed checked the key length, the only failure Sign reports.
		log.WithFields(logger.Fields{
			"at":      "(Identity) Sign",
			"peer_id": i.id.Short(),
		}).WithError(err).Error("signing failed")
		return nil
	}
	return sig
}

// Verify reports whether signature is a valid signature of message by
// publicKey. Malformed keys or signatures yield false.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	pub, err := ed25519.NewEd25519PublicKey(publicKey)
	if err != nil {
		return false
	}
	v, err := pub.NewVerifier()
	if err != nil {
		return false
	}
	return v.Verify(message, signature) == nil
}
