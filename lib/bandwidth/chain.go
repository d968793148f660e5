package bandwidth

import (
	"bytes"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// recordLength is the encoded size of a Record.
const recordLength = 16

// Record is the message of one attestation block: bytes the creator sent to
// and received from the counterparty since the previous block.
type Record struct {
	Up   uint64
	Down uint64
}

// Marshal encodes r as two big-endian u64.
func (r Record) Marshal() []byte {
	w := wire.NewWriter(recordLength)
	w.Uint64(r.Up)
	w.Uint64(r.Down)
	b, _ := w.Bytes()
	return b
}

// ParseRecord decodes a block message.
func ParseRecord(b []byte) (Record, error) {
	rd := wire.NewReader(b)
	r := Record{Up: rd.Uint64("up"), Down: rd.Uint64("down")}
	if err := rd.Done(); err != nil {
		return Record{}, errs.Wrap(errs.Validation, "bandwidth.ParseRecord", err)
	}
	return r, nil
}

// Chain is this node's own attestation chain. Sequence numbers start at 1
// and each block stores the hash of its predecessor; the genesis block
// stores a zero hash.
type Chain struct {
	signer wire.Signer
	now    func() time.Time

	mu     sync.Mutex
	seq    uint32
	head   [wire.BlockHashLength]byte
	blocks []*wire.BandwidthBlock
}

// NewChain returns an empty chain signed by signer. now stamps blocks; nil
// means time.Now.
func NewChain(signer wire.Signer, now func() time.Time) *Chain {
	if now == nil {
		now = time.Now
	}
	return &Chain{signer: signer, now: now}
}

// Append signs and links a new block recording rec with counterparty.
func (c *Chain) Append(counterparty []byte, rec Record) (*wire.BandwidthBlock, error) {
	if len(counterparty) != wire.BlockKeyLength {
		return nil, errs.New(errs.Validation, "(Chain) Append", "counterparty key is %d bytes, want %d", len(counterparty), wire.BlockKeyLength)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b := &wire.BandwidthBlock{
		Sequence:     c.seq + 1,
		PreviousHash: c.head,
		Timestamp:    uint64(c.now().UnixMilli()),
		Message:      rec.Marshal(),
	}
	copy(b.Creator[:], c.signer.PublicKeyBytes())
	copy(b.Counterparty[:], counterparty)
	signed, err := b.SignedBytes()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "(Chain) Append", err)
	}
	copy(b.Signature[:], c.signer.Sign(signed))
	hash, err := b.Hash()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "(Chain) Append", err)
	}
	c.seq = b.Sequence
	c.head = hash
	c.blocks = append(c.blocks, b)
	return b, nil
}

// Head returns the latest sequence number and block hash.
func (c *Chain) Head() (uint32, [wire.BlockHashLength]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, c.head
}

// Blocks returns the chain in order.
func (c *Chain) Blocks() []*wire.BandwidthBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.BandwidthBlock(nil), c.blocks...)
}

// VerifyBlock checks the creator's signature over b.
func VerifyBlock(b *wire.BandwidthBlock, verify wire.Verifier) error {
	signed, err := b.SignedBytes()
	if err != nil {
		return errs.Wrap(errs.Validation, "bandwidth.VerifyBlock", err)
	}
	if !verify(b.Creator[:], signed, b.Signature[:]) {
		return errs.New(errs.Validation, "bandwidth.VerifyBlock", "bad signature on block %d", b.Sequence)
	}
	return nil
}

type chainHead struct {
	seq    uint32
	hash   [wire.BlockHashLength]byte
	totals Record
}

// Validator tracks the chains of other creators and accepts only blocks that
// extend them.
type Validator struct {
	verify wire.Verifier

	mu    sync.Mutex
	heads map[[wire.BlockKeyLength]byte]*chainHead
}

// NewValidator returns a validator checking signatures with verify.
func NewValidator(verify wire.Verifier) *Validator {
	return &Validator{verify: verify, heads: make(map[[wire.BlockKeyLength]byte]*chainHead)}
}

// Accept verifies b and appends it to its creator's chain. Replays of the
// current head are accepted without effect.
func (v *Validator) Accept(b *wire.BandwidthBlock) error {
	if err := VerifyBlock(b, v.verify); err != nil {
		return err
	}
	rec, err := ParseRecord(b.Message)
	if err != nil {
		return err
	}
	hash, err := b.Hash()
	if err != nil {
		return errs.Wrap(errs.Validation, "(Validator) Accept", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.heads[b.Creator]
	if !ok {
		h = &chainHead{}
	}
	if b.Sequence == h.seq && bytes.Equal(hash[:], h.hash[:]) {
		return nil
	}
	if b.Sequence != h.seq+1 {
		return errs.New(errs.Validation, "(Validator) Accept", "block sequence %d does not follow %d", b.Sequence, h.seq)
	}
	if b.PreviousHash != h.hash {
		return errs.New(errs.Validation, "(Validator) Accept", "block %d does not link to the previous block", b.Sequence)
	}
	h.seq = b.Sequence
	h.hash = hash
	h.totals.Up += rec.Up
	h.totals.Down += rec.Down
	v.heads[b.Creator] = h
	log.WithFields(logger.Fields{
		"at":       "(Validator) Accept",
		"sequence": b.Sequence,
		"up":       rec.Up,
		"down":     rec.Down,
	}).Debug("accepted bandwidth block")
	return nil
}

// Attested returns the cumulative record of every accepted block by
// creator.
func (v *Validator) Attested(creator []byte) (Record, uint32) {
	var key [wire.BlockKeyLength]byte
	copy(key[:], creator)
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.heads[key]
	if !ok {
		return Record{}, 0
	}
	return h.totals, h.seq
}
