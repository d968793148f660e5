package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelfin/go-tunnelfin/lib/identity"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(nil)
	require.NoError(t, err)
	return id
}

func TestRecordMarshal(t *testing.T) {
	rec := Record{Up: 0x0102030405060708, Down: 42}
	raw := rec.Marshal()
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0, 0, 42}, raw)
	got, err := ParseRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = ParseRecord(raw[:15])
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestChainLinksBlocks(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	stamp := time.UnixMilli(1700000000123)
	c := NewChain(alice, func() time.Time { return stamp })

	first, err := c.Append(bob.PublicKeyBytes(), Record{Up: 10})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Sequence)
	assert.Equal(t, [wire.BlockHashLength]byte{}, first.PreviousHash)
	assert.Equal(t, uint64(1700000000123), first.Timestamp)
	assert.NoError(t, VerifyBlock(first, identity.Verify))

	second, err := c.Append(bob.PublicKeyBytes(), Record{Down: 20})
	require.NoError(t, err)
	firstHash, err := first.Hash()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.Sequence)
	assert.Equal(t, firstHash, second.PreviousHash)

	seq, head := c.Head()
	secondHash, _ := second.Hash()
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, secondHash, head)
	assert.Len(t, c.Blocks(), 2)
}

func TestChainRejectsBadCounterparty(t *testing.T) {
	c := NewChain(newIdentity(t), nil)
	_, err := c.Append([]byte{1, 2, 3}, Record{})
	assert.True(t, errs.Is(err, errs.Validation))
	seq, _ := c.Head()
	assert.Equal(t, uint32(0), seq)
}

func TestVerifyBlockDetectsTampering(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	b, err := NewChain(alice, nil).Append(bob.PublicKeyBytes(), Record{Up: 5})
	require.NoError(t, err)

	b.Message[0] ^= 0x01
	assert.True(t, errs.Is(VerifyBlock(b, identity.Verify), errs.Validation))
}

func TestValidatorAcceptsChainInOrder(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	c := NewChain(alice, nil)
	v := NewValidator(identity.Verify)

	b1, _ := c.Append(bob.PublicKeyBytes(), Record{Up: 100, Down: 1})
	b2, _ := c.Append(bob.PublicKeyBytes(), Record{Up: 50, Down: 2})
	b3, _ := c.Append(bob.PublicKeyBytes(), Record{Up: 25})

	assert.True(t, errs.Is(v.Accept(b2), errs.Validation), "gap before genesis")
	require.NoError(t, v.Accept(b1))
	require.NoError(t, v.Accept(b1), "replaying the head is harmless")
	require.NoError(t, v.Accept(b2))
	require.NoError(t, v.Accept(b3))

	rec, seq := v.Attested(alice.PublicKeyBytes())
	assert.Equal(t, uint32(3), seq)
	assert.Equal(t, Record{Up: 175, Down: 3}, rec)
	assert.True(t, errs.Is(v.Accept(b1), errs.Validation), "old blocks do not rewind the chain")
}

func TestValidatorRejectsForkedBlock(t *testing.T) {
	alice, bob := newIdentity(t), newIdentity(t)
	v := NewValidator(identity.Verify)
	b1, _ := NewChain(alice, nil).Append(bob.PublicKeyBytes(), Record{Up: 1})
	require.NoError(t, v.Accept(b1))

	// A second chain by the same creator produces a sequence-2 block that
	// does not link to b1.
	fork := NewChain(alice, nil)
	_, _ = fork.Append(bob.PublicKeyBytes(), Record{Up: 9})
	b2, _ := fork.Append(bob.PublicKeyBytes(), Record{Up: 9})
	assert.True(t, errs.Is(v.Accept(b2), errs.Validation))

	_, seq := v.Attested(alice.PublicKeyBytes())
	assert.Equal(t, uint32(1), seq)
}
