package wire

import "net/netip"

// ConnectionType is a peer's self-reported reachability class.
type ConnectionType uint8

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionPublic
	ConnectionSymmetricNAT
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionPublic:
		return "public"
	case ConnectionSymmetricNAT:
		return "symmetric-nat"
	default:
		return "unknown"
	}
}

const (
	bitAdvice         = 0x01
	connectionTypeMsk = 0x06
)

func packBits(advice bool, ct ConnectionType) uint8 {
	var b uint8
	if advice {
		b |= bitAdvice
	}
	b |= (uint8(ct) << 1) & connectionTypeMsk
	return b
}

func unpackBits(b uint8) (bool, ConnectionType) {
	return b&bitAdvice != 0, ConnectionType((b & connectionTypeMsk) >> 1)
}

// IntroductionRequest asks a peer to respond and, when Advice is set, to
// introduce another peer.
type IntroductionRequest struct {
	Destination    netip.AddrPort
	SourceLAN      netip.AddrPort
	SourceWAN      netip.AddrPort
	Advice         bool
	ConnectionType ConnectionType
	Identifier     uint16
}

func (*IntroductionRequest) Kind() Kind { return KindIntroductionRequest }

func (m *IntroductionRequest) encodePayload(w *Writer) {
	w.Address(m.Destination)
	w.Address(m.SourceLAN)
	w.Address(m.SourceWAN)
	w.Uint8(packBits(m.Advice, m.ConnectionType))
	w.Uint16(m.Identifier)
}

func decodeIntroductionRequest(r *Reader) *IntroductionRequest {
	m := &IntroductionRequest{
		Destination: r.Address("destination address"),
		SourceLAN:   r.Address("source lan address"),
		SourceWAN:   r.Address("source wan address"),
	}
	m.Advice, m.ConnectionType = unpackBits(r.Uint8("bitfield"))
	m.Identifier = r.Uint16("identifier")
	return m
}

// IntroductionResponse answers an IntroductionRequest. Destination is the
// address the responder saw the request come from. The introduction
// addresses are zero when nobody was introduced.
type IntroductionResponse struct {
	Destination     netip.AddrPort
	SourceLAN       netip.AddrPort
	SourceWAN       netip.AddrPort
	LANIntroduction netip.AddrPort
	WANIntroduction netip.AddrPort
	ConnectionType  ConnectionType
	Identifier      uint16
}

func (*IntroductionResponse) Kind() Kind { return KindIntroductionResponse }

func (m *IntroductionResponse) encodePayload(w *Writer) {
	w.Address(m.Destination)
	w.Address(m.SourceLAN)
	w.Address(m.SourceWAN)
	w.Address(m.LANIntroduction)
	w.Address(m.WANIntroduction)
	w.Uint8(packBits(false, m.ConnectionType))
	w.Uint16(m.Identifier)
}

func decodeIntroductionResponse(r *Reader) *IntroductionResponse {
	m := &IntroductionResponse{
		Destination:     r.Address("destination address"),
		SourceLAN:       r.Address("source lan address"),
		SourceWAN:       r.Address("source wan address"),
		LANIntroduction: r.Address("lan introduction address"),
		WANIntroduction: r.Address("wan introduction address"),
	}
	_, m.ConnectionType = unpackBits(r.Uint8("bitfield"))
	m.Identifier = r.Uint16("identifier")
	return m
}

// Introduced reports whether the response names a third peer.
func (m *IntroductionResponse) Introduced() bool {
	return m.WANIntroduction.IsValid() || m.LANIntroduction.IsValid()
}

// PunctureRequest is sent by an introducer to the introduced peer, naming the
// walker it should puncture towards.
type PunctureRequest struct {
	LANWalker  netip.AddrPort
	WANWalker  netip.AddrPort
	Identifier uint16
}

func (*PunctureRequest) Kind() Kind { return KindPunctureRequest }

func (m *PunctureRequest) encodePayload(w *Writer) {
	w.Address(m.LANWalker)
	w.Address(m.WANWalker)
	w.Uint16(m.Identifier)
}

func decodePunctureRequest(r *Reader) *PunctureRequest {
	return &PunctureRequest{
		LANWalker:  r.Address("lan walker address"),
		WANWalker:  r.Address("wan walker address"),
		Identifier: r.Uint16("identifier"),
	}
}

// Puncture is the unsolicited datagram that opens the walker's NAT mapping.
type Puncture struct {
	SourceLAN  netip.AddrPort
	SourceWAN  netip.AddrPort
	Identifier uint16
}

func (*Puncture) Kind() Kind { return KindPuncture }

func (m *Puncture) encodePayload(w *Writer) {
	w.Address(m.SourceLAN)
	w.Address(m.SourceWAN)
	w.Uint16(m.Identifier)
}

func decodePuncture(r *Reader) *Puncture {
	return &Puncture{
		SourceLAN:  r.Address("source lan address"),
		SourceWAN:  r.Address("source wan address"),
		Identifier: r.Uint16("identifier"),
	}
}
