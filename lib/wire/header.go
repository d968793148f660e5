package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/samber/oops"
)

const (
	// VersionMarker is the two-byte protocol version every datagram starts with.
	VersionMarker uint16 = 0x0002
	// CommunityIDLength is the size of the network identifier.
	CommunityIDLength = 20
	// PrefixLength is the size of version marker plus community id.
	PrefixLength = 2 + CommunityIDLength
	// HeaderLength is the prefix plus the message-kind byte.
	HeaderLength = PrefixLength + 1
)

// CommunityID identifies the overlay network a datagram belongs to.
type CommunityID [CommunityIDLength]byte

// ParseCommunityID decodes a 40-character hex string.
func ParseCommunityID(s string) (CommunityID, error) {
	var id CommunityID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, oops.Wrapf(err, "community id is not hex")
	}
	if len(b) != CommunityIDLength {
		return id, oops.Errorf("community id must be %d bytes, got %d", CommunityIDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (c CommunityID) String() string {
	return hex.EncodeToString(c[:])
}

// Kind is the one-byte message tag that follows the prefix.
type Kind uint8

// Message kinds. Values follow the overlay's numbering.
const (
	KindCell                 Kind = 0
	KindCreate               Kind = 2
	KindCreated              Kind = 3
	KindExtend               Kind = 4
	KindExtended             Kind = 5
	KindPing                 Kind = 6
	KindPong                 Kind = 7
	KindDestroy              Kind = 10
	KindStreamOpen           Kind = 30
	KindStreamOpened         Kind = 31
	KindStreamData           Kind = 32
	KindStreamAck            Kind = 33
	KindStreamClose          Kind = 34
	KindBandwidthBlock       Kind = 40
	KindIntroductionResponse Kind = 245
	KindIntroductionRequest  Kind = 246
	KindPuncture             Kind = 249
	KindPunctureRequest      Kind = 250
)

func (k Kind) String() string {
	switch k {
	case KindCell:
		return "cell"
	case KindCreate:
		return "create"
	case KindCreated:
		return "created"
	case KindExtend:
		return "extend"
	case KindExtended:
		return "extended"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindDestroy:
		return "destroy"
	case KindStreamOpen:
		return "stream-open"
	case KindStreamOpened:
		return "stream-opened"
	case KindStreamData:
		return "stream-data"
	case KindStreamAck:
		return "stream-ack"
	case KindStreamClose:
		return "stream-close"
	case KindBandwidthBlock:
		return "bandwidth-block"
	case KindIntroductionResponse:
		return "introduction-response"
	case KindIntroductionRequest:
		return "introduction-request"
	case KindPuncture:
		return "puncture"
	case KindPunctureRequest:
		return "puncture-request"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope describes how a kind is framed on the wire.
type Envelope int

const (
	// EnvelopeNone marks kinds that are never valid at the top level.
	EnvelopeNone Envelope = iota
	// EnvelopePlain is prefix, kind, payload.
	EnvelopePlain
	// EnvelopeUnsigned is prefix, kind, global time, payload.
	EnvelopeUnsigned
	// EnvelopeSigned is prefix, kind, public key, global time, payload, signature.
	EnvelopeSigned
)

// Envelope returns the top-level framing for k.
func (k Kind) Envelope() Envelope {
	switch k {
	case KindIntroductionRequest, KindIntroductionResponse:
		return EnvelopeSigned
	case KindPunctureRequest, KindPuncture:
		return EnvelopeUnsigned
	case KindCell, KindCreate, KindCreated, KindDestroy, KindBandwidthBlock:
		return EnvelopePlain
	case KindExtend, KindExtended, KindPing, KindPong,
		KindStreamOpen, KindStreamOpened, KindStreamData, KindStreamAck, KindStreamClose:
		return EnvelopeNone
	default:
		return EnvelopeNone
	}
}

// Inner reports whether k may appear inside an onion cell.
func (k Kind) Inner() bool {
	switch k {
	case KindExtend, KindExtended, KindPing, KindPong,
		KindStreamOpen, KindStreamOpened, KindStreamData, KindStreamAck, KindStreamClose:
		return true
	default:
		return false
	}
}

// Discovery reports whether k belongs to the handshake family.
func (k Kind) Discovery() bool {
	switch k {
	case KindIntroductionRequest, KindIntroductionResponse, KindPunctureRequest, KindPuncture:
		return true
	default:
		return false
	}
}

// appendHeader writes the version marker, community id and kind.
func appendHeader(w *Writer, community CommunityID, kind Kind) {
	w.Uint16(VersionMarker)
	w.Raw(community[:])
	w.Uint8(uint8(kind))
}

// Header is the fixed part every datagram begins with.
type Header struct {
	Community CommunityID
	Kind      Kind
}

// PeekHeader decodes the fixed header without touching the payload.
func PeekHeader(datagram []byte) (Header, error) {
	var h Header
	r := NewReader(datagram)
	version := r.Uint16("version marker")
	community := r.Fixed(CommunityIDLength, "community id")
	kind := r.Uint8("message kind")
	if err := r.Err(); err != nil {
		return h, err
	}
	if version != VersionMarker {
		return h, oops.Errorf("unsupported version marker 0x%04x", version)
	}
	copy(h.Community[:], community)
	h.Kind = Kind(kind)
	return h, nil
}
