package wire

import "net/netip"

/*
Circuit messages. The circuit identifier is always the first field.

CREATE    I H varlenH varlenH         circuit, identifier, node key, ephemeral key
CREATED   I H varlenH varlenH raw     circuit, identifier, ephemeral key, auth, candidates
EXTEND    I H varlenH varlenH 4sH     circuit, identifier, node key, ephemeral key, node address
EXTENDED  I H varlenH varlenH raw     as CREATED
DESTROY   I H                         circuit, reason
PING/PONG I H                         circuit, identifier
CELL      I raw                       circuit, onion layers
*/

// Destroy reasons.
const (
	DestroyRequested uint16 = iota
	DestroyTimeout
	DestroyProtocolError
	DestroyRejected
	DestroyShutdown
)

// Create asks a relay to become a hop of the sender's circuit.
type Create struct {
	CircuitID     uint32
	Identifier    uint16
	NodePublicKey []byte
	Key           []byte
}

func (*Create) Kind() Kind        { return KindCreate }
func (m *Create) Circuit() uint32 { return m.CircuitID }

func (m *Create) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Identifier)
	w.VarLenH(m.NodePublicKey)
	w.VarLenH(m.Key)
}

func decodeCreate(r *Reader) *Create {
	return &Create{
		CircuitID:     r.Uint32("circuit id"),
		Identifier:    r.Uint16("identifier"),
		NodePublicKey: r.VarLenH("node public key"),
		Key:           r.VarLenH("ephemeral key"),
	}
}

// Created is a relay's answer to Create.
type Created struct {
	CircuitID     uint32
	Identifier    uint16
	Key           []byte
	Auth          []byte
	CandidatesEnc []byte
}

func (*Created) Kind() Kind        { return KindCreated }
func (m *Created) Circuit() uint32 { return m.CircuitID }

func (m *Created) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Identifier)
	w.VarLenH(m.Key)
	w.VarLenH(m.Auth)
	w.Raw(m.CandidatesEnc)
}

func decodeCreated(r *Reader) *Created {
	return &Created{
		CircuitID:     r.Uint32("circuit id"),
		Identifier:    r.Uint16("identifier"),
		Key:           r.VarLenH("ephemeral key"),
		Auth:          r.VarLenH("auth"),
		CandidatesEnc: r.Rest(),
	}
}

// Extend instructs the last hop to grow the circuit by one relay.
type Extend struct {
	CircuitID     uint32
	Identifier    uint16
	NodePublicKey []byte
	Key           []byte
	NodeAddr      netip.AddrPort
}

func (*Extend) Kind() Kind        { return KindExtend }
func (m *Extend) Circuit() uint32 { return m.CircuitID }

func (m *Extend) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Identifier)
	w.VarLenH(m.NodePublicKey)
	w.VarLenH(m.Key)
	w.Address(m.NodeAddr)
}

func decodeExtend(r *Reader) *Extend {
	return &Extend{
		CircuitID:     r.Uint32("circuit id"),
		Identifier:    r.Uint16("identifier"),
		NodePublicKey: r.VarLenH("node public key"),
		Key:           r.VarLenH("ephemeral key"),
		NodeAddr:      r.Address("node address"),
	}
}

// Extended relays the new hop's Created back to the originator.
type Extended struct {
	CircuitID     uint32
	Identifier    uint16
	Key           []byte
	Auth          []byte
	CandidatesEnc []byte
}

func (*Extended) Kind() Kind        { return KindExtended }
func (m *Extended) Circuit() uint32 { return m.CircuitID }

func (m *Extended) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Identifier)
	w.VarLenH(m.Key)
	w.VarLenH(m.Auth)
	w.Raw(m.CandidatesEnc)
}

func decodeExtended(r *Reader) *Extended {
	return &Extended{
		CircuitID:     r.Uint32("circuit id"),
		Identifier:    r.Uint16("identifier"),
		Key:           r.VarLenH("ephemeral key"),
		Auth:          r.VarLenH("auth"),
		CandidatesEnc: r.Rest(),
	}
}

// Destroy tears a circuit down.
type Destroy struct {
	CircuitID uint32
	Reason    uint16
}

func (*Destroy) Kind() Kind        { return KindDestroy }
func (m *Destroy) Circuit() uint32 { return m.CircuitID }

func (m *Destroy) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Reason)
}

func decodeDestroy(r *Reader) *Destroy {
	return &Destroy{
		CircuitID: r.Uint32("circuit id"),
		Reason:    r.Uint16("reason"),
	}
}

// Ping is the circuit heartbeat.
type Ping struct {
	CircuitID  uint32
	Identifier uint16
}

func (*Ping) Kind() Kind        { return KindPing }
func (m *Ping) Circuit() uint32 { return m.CircuitID }

func (m *Ping) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Identifier)
}

func decodePing(r *Reader) *Ping {
	return &Ping{CircuitID: r.Uint32("circuit id"), Identifier: r.Uint16("identifier")}
}

// Pong answers a Ping with the same identifier.
type Pong struct {
	CircuitID  uint32
	Identifier uint16
}

func (*Pong) Kind() Kind        { return KindPong }
func (m *Pong) Circuit() uint32 { return m.CircuitID }

func (m *Pong) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Uint16(m.Identifier)
}

func decodePong(r *Reader) *Pong {
	return &Pong{CircuitID: r.Uint32("circuit id"), Identifier: r.Uint16("identifier")}
}

// Cell carries onion-encrypted data along one link of a circuit.
type Cell struct {
	CircuitID uint32
	Data      []byte
}

func (*Cell) Kind() Kind        { return KindCell }
func (m *Cell) Circuit() uint32 { return m.CircuitID }

func (m *Cell) encodePayload(w *Writer) {
	w.Uint32(m.CircuitID)
	w.Raw(m.Data)
}

func decodeCell(r *Reader) *Cell {
	return &Cell{CircuitID: r.Uint32("circuit id"), Data: r.Rest()}
}
