package transport

import (
	"crypto/ed25519"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

var testCommunity = wire.CommunityID{1, 2, 3}

func verifyEd25519(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func TestMuxDispatchesByKind(t *testing.T) {
	m := NewMux(testCommunity, verifyEd25519)
	var got []*wire.Packet
	m.Handle(wire.KindDestroy, func(_ netip.AddrPort, pkt *wire.Packet) {
		got = append(got, pkt)
	})

	d, err := wire.EncodePlain(testCommunity, &wire.Destroy{CircuitID: 9, Reason: wire.DestroyRequested})
	require.NoError(t, err)
	m.HandleDatagram(netip.MustParseAddrPort("10.0.0.1:1"), d)

	require.Len(t, got, 1)
	assert.Equal(t, uint32(9), got[0].Payload.(*wire.Destroy).CircuitID)
	assert.Equal(t, MuxStats{}, m.Stats())
}

func TestMuxDropsMalformed(t *testing.T) {
	m := NewMux(testCommunity, verifyEd25519)
	called := false
	m.Handle(wire.KindDestroy, func(netip.AddrPort, *wire.Packet) { called = true })
	from := netip.MustParseAddrPort("10.0.0.1:1")

	m.HandleDatagram(from, []byte{0x00})
	d, err := wire.EncodePlain(testCommunity, &wire.Destroy{CircuitID: 9})
	require.NoError(t, err)
	m.HandleDatagram(from, d[:len(d)-1])

	other, err := wire.EncodePlain(wire.CommunityID{9}, &wire.Destroy{CircuitID: 9})
	require.NoError(t, err)
	m.HandleDatagram(from, other)

	cell, err := wire.EncodePlain(testCommunity, &wire.Cell{CircuitID: 1})
	require.NoError(t, err)
	m.HandleDatagram(from, cell)

	assert.False(t, called)
	assert.Equal(t, MuxStats{DecodeDrops: 2, Foreign: 1, Unhandled: 1}, m.Stats())
}

func TestMuxRejectsBadSignature(t *testing.T) {
	m := NewMux(testCommunity, verifyEd25519)
	called := false
	m.Handle(wire.KindIntroductionRequest, func(netip.AddrPort, *wire.Packet) { called = true })

	priv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	signer := signerFunc{pub: priv.Public().(ed25519.PublicKey), priv: priv}
	d, err := wire.EncodeSigned(testCommunity, &wire.IntroductionRequest{Identifier: 1}, 1, signer)
	require.NoError(t, err)
	d[len(d)-1] ^= 0xFF
	m.HandleDatagram(netip.MustParseAddrPort("10.0.0.1:1"), d)

	assert.False(t, called)
	assert.Equal(t, uint64(1), m.Stats().DecodeDrops)
}

type signerFunc struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (s signerFunc) PublicKeyBytes() []byte { return s.pub }
func (s signerFunc) Sign(m []byte) []byte   { return ed25519.Sign(s.priv, m) }
