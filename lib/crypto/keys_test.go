package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

func TestKeyAgreement(t *testing.T) {
	hopKey := bytes.Repeat([]byte{0xAA}, 32)
	origin, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	hopEph, hopKeys, tag, err := Respond(hopKey, origin.Public[:], nil)
	require.NoError(t, err)
	assert.Len(t, tag, AuthSize)

	keys, err := Complete(origin, hopKey, hopEph.Public[:], tag)
	require.NoError(t, err)
	assert.Equal(t, hopKeys, keys)
	assert.NotEqual(t, keys.Forward, keys.Backward)
	assert.NotEqual(t, keys.Forward, keys.Auth)
}

func TestKeyAgreementBindsHopKey(t *testing.T) {
	origin, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	hopEph, _, tag, err := Respond(bytes.Repeat([]byte{1}, 32), origin.Public[:], nil)
	require.NoError(t, err)

	_, err = Complete(origin, bytes.Repeat([]byte{2}, 32), hopEph.Public[:], tag)
	assert.True(t, errs.Is(err, errs.Protocol))
}

func TestCompleteRejectsTamperedAuth(t *testing.T) {
	hopKey := bytes.Repeat([]byte{7}, 32)
	origin, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	hopEph, _, tag, err := Respond(hopKey, origin.Public[:], nil)
	require.NoError(t, err)

	tag[0] ^= 0x80
	_, err = Complete(origin, hopKey, hopEph.Public[:], tag)
	assert.Error(t, err)
}

func TestDeriveRejectsBadPeerKey(t *testing.T) {
	kp, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	_, err = DeriveSessionKeys(kp, make([]byte, 31), Transcript{})
	assert.True(t, errs.Is(err, errs.Protocol))

	// The all-zero point is low order and yields an all-zero secret.
	_, err = DeriveSessionKeys(kp, make([]byte, 32), Transcript{})
	assert.Error(t, err)
}

func TestGenerateKeyPairDeterministicReader(t *testing.T) {
	a, err := GenerateKeyPair(bytes.NewReader(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, err)
	b, err := GenerateKeyPair(bytes.NewReader(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, err)
	assert.Equal(t, a.Public, b.Public)

	_, err = GenerateKeyPair(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}
