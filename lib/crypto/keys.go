package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/go-i2p/crypto/curve25519"
	"github.com/go-i2p/crypto/hkdf"
	"github.com/go-i2p/crypto/hmac"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

var log = logger.GetGoI2PLogger()

const (
	// KeySize is the length of X25519 keys and derived symmetric keys.
	KeySize = 32
	// AuthSize is the length of the key-agreement auth tag.
	AuthSize = sha256.Size
)

var kdfLabel = []byte("tunnelfin hop keys v1")

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair returns a fresh ephemeral key pair drawn from rnd, or from
// the go-i2p secure reader if rnd is nil.
func GenerateKeyPair(rnd io.Reader) (*KeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	kp := &KeyPair{}
	if _, err := io.ReadFull(rnd, kp.Private[:]); err != nil {
		return nil, oops.Wrapf(err, "failed to read ephemeral key")
	}
	priv, err := curve25519.NewCurve25519PrivateKey(kp.Private[:])
	if err != nil {
		return nil, oops.Wrapf(err, "invalid ephemeral key")
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, oops.Wrapf(err, "failed to derive ephemeral public key")
	}
	copy(kp.Public[:], pub.Bytes())
	return kp, nil
}

// SessionKeys are the symmetric keys one hop shares with the originator.
type SessionKeys struct {
	Forward  [KeySize]byte
	Backward [KeySize]byte
	Auth     [KeySize]byte
}

// Transcript binds a key agreement to both ephemeral keys and the hop's
// long-term public key.
type Transcript struct {
	InitiatorKey []byte
	ResponderKey []byte
	HopKey       []byte
}

func (t Transcript) bytes() []byte {
	out := make([]byte, 0, len(t.InitiatorKey)+len(t.ResponderKey)+len(t.HopKey))
	out = append(out, t.InitiatorKey...)
	out = append(out, t.ResponderKey...)
	return append(out, t.HopKey...)
}

// DeriveSessionKeys computes the X25519 secret between local and remote and
// expands it for the given transcript.
func DeriveSessionKeys(local *KeyPair, remote []byte, t Transcript) (SessionKeys, error) {
	var keys SessionKeys
	if len(remote) != KeySize {
		return keys, errs.New(errs.Protocol, "crypto.DeriveSessionKeys", "ephemeral key must be %d bytes, got %d", KeySize, len(remote))
	}
	shared, err := curve25519.SharedKey(local.Private[:], remote)
	if err != nil {
		return keys, errs.Wrap(errs.Protocol, "crypto.DeriveSessionKeys", oops.Wrapf(err, "key agreement failed"))
	}
	if subtle.ConstantTimeCompare(shared, make([]byte, len(shared))) == 1 {
		return keys, errs.New(errs.Protocol, "crypto.DeriveSessionKeys", "low-order ephemeral key")
	}
	info := append(append([]byte(nil), kdfLabel...), t.bytes()...)
	okm, err := hkdf.NewHKDF().Derive(shared, nil, info, 3*KeySize)
	if err != nil {
		return keys, oops.Wrapf(err, "hkdf expand failed")
	}
	copy(keys.Forward[:], okm[:KeySize])
	copy(keys.Backward[:], okm[KeySize:2*KeySize])
	copy(keys.Auth[:], okm[2*KeySize:])
	return keys, nil
}

// AuthTag returns the HMAC proving the hop derived the same keys.
func (k SessionKeys) AuthTag(t Transcript) []byte {
	mac := hmac.New(sha256.New, k.Auth[:])
	mac.Write(t.bytes())
	return mac.Sum(nil)
}

// CheckAuth compares tag against the expected auth tag in constant time.
func (k SessionKeys) CheckAuth(t Transcript, tag []byte) bool {
	return hmac.Equal(k.AuthTag(t), tag)
}

// Respond is the hop side of a key agreement: it generates the hop's
// ephemeral key, derives the session keys and the auth tag to return.
func Respond(hopKey, initiatorKey []byte, rnd io.Reader) (*KeyPair, SessionKeys, []byte, error) {
	kp, err := GenerateKeyPair(rnd)
	if err != nil {
		return nil, SessionKeys{}, nil, err
	}
	t := Transcript{InitiatorKey: initiatorKey, ResponderKey: kp.Public[:], HopKey: hopKey}
	keys, err := DeriveSessionKeys(kp, initiatorKey, t)
	if err != nil {
		return nil, SessionKeys{}, nil, err
	}
	return kp, keys, keys.AuthTag(t), nil
}

// Complete is the originator side: it derives the session keys from the hop's
// ephemeral key and checks the returned auth tag.
func Complete(local *KeyPair, hopKey, responderKey, tag []byte) (SessionKeys, error) {
	t := Transcript{InitiatorKey: local.Public[:], ResponderKey: responderKey, HopKey: hopKey}
	keys, err := DeriveSessionKeys(local, responderKey, t)
	if err != nil {
		return SessionKeys{}, err
	}
	if !keys.CheckAuth(t, tag) {
		log.WithFields(logger.Fields{
			"at":     "crypto.Complete",
			"reason": "auth tag mismatch",
		}).Debug("key agreement rejected")
		return SessionKeys{}, errs.New(errs.Protocol, "crypto.Complete", "key agreement auth tag mismatch")
	}
	return keys, nil
}
