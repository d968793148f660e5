package crypto

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/crypto/chacha20poly1305"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

const (
	// NonceSize is the per-layer nonce length.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 tag length.
	TagSize = chacha20poly1305.TagSize
	// LayerOverhead is what one onion layer adds: flag, nonce and tag.
	LayerOverhead = 1 + NonceSize + TagSize
)

// Direction selects the forward or backward key of a hop.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// layerKey is one direction of a hop: its AEAD and the counter its nonces
// are drawn from. Only one side of a circuit ever seals under a given key,
// so the counter alone keeps nonces unique.
type layerKey struct {
	aead    *chacha20poly1305.AEAD
	counter atomic.Uint64
}

func (k *layerKey) nextNonce() ([]byte, error) {
	n := k.counter.Add(1)
	if n == math.MaxUint64 {
		return nil, errs.New(errs.Circuit, "(HopCipher) Encrypt", "nonce space exhausted")
	}
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], n)
	return nonce, nil
}

// HopCipher holds the symmetric state of one hop. A zero HopCipher is not
// usable: Encrypt and Decrypt panic until Establish has been called.
type HopCipher struct {
	mu       sync.RWMutex
	forward  *layerKey
	backward *layerKey
}

// NewHopCipher returns an established cipher for keys.
func NewHopCipher(keys SessionKeys) (*HopCipher, error) {
	h := &HopCipher{}
	if err := h.Establish(keys); err != nil {
		return nil, err
	}
	return h, nil
}

// Establish installs the session keys. It may be called once.
func (h *HopCipher) Establish(keys SessionKeys) error {
	fwd, err := chacha20poly1305.NewAEAD(keys.Forward)
	if err != nil {
		return oops.Wrapf(err, "failed to create forward cipher")
	}
	bwd, err := chacha20poly1305.NewAEAD(keys.Backward)
	if err != nil {
		return oops.Wrapf(err, "failed to create backward cipher")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.forward != nil {
		return oops.Errorf("hop cipher already established")
	}
	h.forward, h.backward = &layerKey{aead: fwd}, &layerKey{aead: bwd}
	return nil
}

// Ready reports whether key exchange has completed.
func (h *HopCipher) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.forward != nil
}

func (h *HopCipher) key(d Direction) *layerKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.forward == nil {
		panic("crypto: hop cipher used before key exchange completed")
	}
	if d == Backward {
		return h.backward
	}
	return h.forward
}

// Encrypt seals plaintext under the key for d. The result is
// nonce || ciphertext || tag, the nonce being the next value of the
// direction's counter.
func (h *HopCipher) Encrypt(d Direction, plaintext []byte) ([]byte, error) {
	k := h.key(d)
	nonce, err := k.nextNonce()
	if err != nil {
		return nil, err
	}
	ct, tag, err := k.aead.Encrypt(plaintext, nil, nonce)
	if err != nil {
		return nil, oops.Wrapf(err, "%s layer encryption failed", d)
	}
	out := make([]byte, 0, NonceSize+len(ct)+TagSize)
	out = append(out, nonce...)
	out = append(out, ct...)
	return append(out, tag[:]...), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same direction.
// Tampered input fails with a Protocol error and no plaintext.
func (h *HopCipher) Decrypt(d Direction, ciphertext []byte) ([]byte, error) {
	k := h.key(d)
	if len(ciphertext) < NonceSize+TagSize {
		return nil, errs.New(errs.Protocol, "(HopCipher) Decrypt", "ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce := ciphertext[:NonceSize]
	body := ciphertext[NonceSize : len(ciphertext)-TagSize]
	tag := ciphertext[len(ciphertext)-TagSize:]
	pt, err := k.aead.Decrypt(body, tag, nil, nonce)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "(HopCipher) Decrypt", oops.Wrapf(err, "%s layer authentication failed", d))
	}
	return pt, nil
}
