package wire

import (
	"crypto/sha256"
)

const (
	// BlockKeyLength is the size of the creator and counterparty keys.
	BlockKeyLength = 32
	// BlockHashLength is the size of the previous-block hash.
	BlockHashLength = 32
	// blockFixedLength counts every fixed-width field of a block.
	blockFixedLength = BlockKeyLength*2 + 4 + BlockHashLength + 8 + 2 + SignatureLength
)

// BandwidthBlock is a TrustChain-style bandwidth attestation.
//
//	creator key       32
//	counterparty key  32
//	sequence           4
//	previous hash     32
//	timestamp (ms)     8
//	message length     2
//	message            n
//	signature         64
//
// The signature covers exactly the bytes of every field before it.
type BandwidthBlock struct {
	Creator      [BlockKeyLength]byte
	Counterparty [BlockKeyLength]byte
	Sequence     uint32
	PreviousHash [BlockHashLength]byte
	Timestamp    uint64
	Message      []byte
	Signature    [SignatureLength]byte
}

func (*BandwidthBlock) Kind() Kind { return KindBandwidthBlock }

func (b *BandwidthBlock) encodeUnsigned(w *Writer) {
	w.Raw(b.Creator[:])
	w.Raw(b.Counterparty[:])
	w.Uint32(b.Sequence)
	w.Raw(b.PreviousHash[:])
	w.Uint64(b.Timestamp)
	w.VarLenH(b.Message)
}

func (b *BandwidthBlock) encodePayload(w *Writer) {
	b.encodeUnsigned(w)
	w.Raw(b.Signature[:])
}

// SignedBytes returns the bytes the signature covers.
func (b *BandwidthBlock) SignedBytes() ([]byte, error) {
	w := NewWriter(blockFixedLength - SignatureLength + len(b.Message))
	b.encodeUnsigned(w)
	return w.Bytes()
}

// Marshal returns the full block encoding.
func (b *BandwidthBlock) Marshal() ([]byte, error) {
	w := NewWriter(blockFixedLength + len(b.Message))
	b.encodePayload(w)
	return w.Bytes()
}

// Hash is the SHA-256 of the full block encoding. The next block in the
// creator's chain stores it as PreviousHash.
func (b *BandwidthBlock) Hash() ([BlockHashLength]byte, error) {
	raw, err := b.Marshal()
	if err != nil {
		return [BlockHashLength]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// UnmarshalBandwidthBlock decodes a block produced by Marshal.
func UnmarshalBandwidthBlock(raw []byte) (*BandwidthBlock, error) {
	r := NewReader(raw)
	b := decodeBandwidthBlock(r)
	if err := r.Done(); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeBandwidthBlock(r *Reader) *BandwidthBlock {
	b := &BandwidthBlock{}
	copy(b.Creator[:], r.Fixed(BlockKeyLength, "creator key"))
	copy(b.Counterparty[:], r.Fixed(BlockKeyLength, "counterparty key"))
	b.Sequence = r.Uint32("sequence")
	copy(b.PreviousHash[:], r.Fixed(BlockHashLength, "previous hash"))
	b.Timestamp = r.Uint64("timestamp")
	b.Message = r.VarLenH("message")
	copy(b.Signature[:], r.Fixed(SignatureLength, "signature"))
	return b
}
