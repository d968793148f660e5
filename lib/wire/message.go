package wire

import (
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// SignatureLength is the size of an Ed25519 signature.
const SignatureLength = 64

// Payload is implemented by every message body. The set is closed: only this
// package defines payloads, and decodePayload switches over all of them.
type Payload interface {
	Kind() Kind
	encodePayload(w *Writer)
}

// CircuitPayload is a payload whose first field is a circuit identifier.
type CircuitPayload interface {
	Payload
	Circuit() uint32
}

// Signer produces signatures for signed envelopes.
type Signer interface {
	PublicKeyBytes() []byte
	Sign(message []byte) []byte
}

// Verifier checks a signature against a raw public key. It must return false,
// not panic, for malformed input.
type Verifier func(publicKey, message, signature []byte) bool

// Packet is a decoded top-level datagram.
type Packet struct {
	Header
	// PublicKey and GlobalTime are set for signed envelopes; GlobalTime is
	// also set for unsigned ones.
	PublicKey  []byte
	GlobalTime uint64
	Payload    Payload
}

// MarshalPayload encodes p's fields alone, without any envelope.
func MarshalPayload(p Payload) ([]byte, error) {
	w := NewWriter(64)
	p.encodePayload(w)
	return w.Bytes()
}

// EncodePlain frames a circuit or block payload: prefix, kind, payload.
func EncodePlain(community CommunityID, p Payload) ([]byte, error) {
	if p.Kind().Envelope() != EnvelopePlain {
		return nil, errs.New(errs.Protocol, "EncodePlain", "%s does not use the plain envelope", p.Kind())
	}
	w := NewWriter(HeaderLength + 64)
	appendHeader(w, community, p.Kind())
	p.encodePayload(w)
	return w.Bytes()
}

// EncodeUnsigned frames a puncture-family payload: prefix, kind, global time, payload.
func EncodeUnsigned(community CommunityID, p Payload, globalTime uint64) ([]byte, error) {
	if p.Kind().Envelope() != EnvelopeUnsigned {
		return nil, errs.New(errs.Protocol, "EncodeUnsigned", "%s does not use the unsigned envelope", p.Kind())
	}
	w := NewWriter(HeaderLength + 8 + 32)
	appendHeader(w, community, p.Kind())
	w.Uint64(globalTime)
	p.encodePayload(w)
	return w.Bytes()
}

// EncodeSigned frames an authenticated payload. The signature covers every
// byte that precedes it, header included.
func EncodeSigned(community CommunityID, p Payload, globalTime uint64, signer Signer) ([]byte, error) {
	if p.Kind().Envelope() != EnvelopeSigned {
		return nil, errs.New(errs.Protocol, "EncodeSigned", "%s does not use the signed envelope", p.Kind())
	}
	w := NewWriter(HeaderLength + 2 + 32 + 8 + 64 + SignatureLength)
	appendHeader(w, community, p.Kind())
	w.VarLenH(signer.PublicKeyBytes())
	w.Uint64(globalTime)
	p.encodePayload(w)
	unsigned, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	sig := signer.Sign(unsigned)
	if len(sig) != SignatureLength {
		return nil, oops.Errorf("signer produced %d-byte signature", len(sig))
	}
	return append(unsigned, sig...), nil
}

// Decode parses a top-level datagram. Signed envelopes are verified with
// verify before the payload is decoded; a failed check is a Protocol error.
func Decode(datagram []byte, verify Verifier) (*Packet, error) {
	h, err := PeekHeader(datagram)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "Decode", err)
	}
	pkt := &Packet{Header: h}
	body := datagram[HeaderLength:]

	switch h.Kind.Envelope() {
	case EnvelopePlain:
	case EnvelopeUnsigned:
		r := NewReader(body)
		pkt.GlobalTime = r.Uint64("global time")
		if err := r.Err(); err != nil {
			return nil, errs.Wrap(errs.Protocol, "Decode", err)
		}
		body = body[r.Offset():]
	case EnvelopeSigned:
		if len(body) < SignatureLength {
			return nil, errs.Wrap(errs.Protocol, "Decode", &ShortBufferError{
				Field: "signature", Need: HeaderLength + SignatureLength, Have: len(datagram),
			})
		}
		signed := datagram[:len(datagram)-SignatureLength]
		sig := datagram[len(datagram)-SignatureLength:]
		r := NewReader(signed[HeaderLength:])
		pkt.PublicKey = r.VarLenH("public key")
		pkt.GlobalTime = r.Uint64("global time")
		if err := r.Err(); err != nil {
			return nil, errs.Wrap(errs.Protocol, "Decode", err)
		}
		if verify == nil || !verify(pkt.PublicKey, signed, sig) {
			return nil, errs.New(errs.Protocol, "Decode", "signature verification failed for %s", h.Kind)
		}
		body = signed[HeaderLength+r.Offset():]
	case EnvelopeNone:
		return nil, errs.New(errs.Protocol, "Decode", "%s is not valid at top level", h.Kind)
	default:
		return nil, errs.New(errs.Protocol, "Decode", "unknown envelope for %s", h.Kind)
	}

	p, err := decodePayload(h.Kind, NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "Decode", err)
	}
	pkt.Payload = p
	return pkt, nil
}

// EncodeInner encodes a message carried inside an onion cell: kind, payload.
func EncodeInner(p Payload) ([]byte, error) {
	if !p.Kind().Inner() {
		return nil, errs.New(errs.Protocol, "EncodeInner", "%s cannot travel inside a cell", p.Kind())
	}
	w := NewWriter(64)
	w.Uint8(uint8(p.Kind()))
	p.encodePayload(w)
	return w.Bytes()
}

// DecodeInner decodes a message recovered from an onion cell.
func DecodeInner(b []byte) (Payload, error) {
	r := NewReader(b)
	kind := Kind(r.Uint8("inner kind"))
	if err := r.Err(); err != nil {
		return nil, errs.Wrap(errs.Protocol, "DecodeInner", err)
	}
	if !kind.Inner() {
		return nil, errs.New(errs.Protocol, "DecodeInner", "%s cannot travel inside a cell", kind)
	}
	p, err := decodePayload(kind, r)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "DecodeInner", err)
	}
	return p, nil
}

func decodePayload(kind Kind, r *Reader) (Payload, error) {
	var p Payload
	switch kind {
	case KindIntroductionRequest:
		p = decodeIntroductionRequest(r)
	case KindIntroductionResponse:
		p = decodeIntroductionResponse(r)
	case KindPunctureRequest:
		p = decodePunctureRequest(r)
	case KindPuncture:
		p = decodePuncture(r)
	case KindCreate:
		p = decodeCreate(r)
	case KindCreated:
		p = decodeCreated(r)
	case KindExtend:
		p = decodeExtend(r)
	case KindExtended:
		p = decodeExtended(r)
	case KindDestroy:
		p = decodeDestroy(r)
	case KindPing:
		p = decodePing(r)
	case KindPong:
		p = decodePong(r)
	case KindCell:
		p = decodeCell(r)
	case KindStreamOpen:
		p = decodeStreamOpen(r)
	case KindStreamOpened:
		p = decodeStreamOpened(r)
	case KindStreamData:
		p = decodeStreamData(r)
	case KindStreamAck:
		p = decodeStreamAck(r)
	case KindStreamClose:
		p = decodeStreamClose(r)
	case KindBandwidthBlock:
		p = decodeBandwidthBlock(r)
	default:
		return nil, oops.Errorf("unknown message kind %d", uint8(kind))
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return p, nil
}
