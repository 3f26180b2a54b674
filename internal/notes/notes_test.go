package notes

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enygma/internal/commitment"
)

func TestSealOpen(t *testing.T) {
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	r, err := commitment.RandomScalar()
	require.NoError(t, err)
	op := Opening{Value: big.NewInt(250), Blinding: r}

	sealedNote, err := Seal(&bob.Public, op)
	require.NoError(t, err)

	got, err := Recognize(bob, sealedNote, op.Commitment())
	require.NoError(t, err)
	assert.Equal(t, 0, got.Value.Cmp(op.Value))
	assert.Equal(t, 0, got.Blinding.Cmp(op.Blinding))
}

func TestSealIsRandomized(t *testing.T) {
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	op := Opening{Value: big.NewInt(1), Blinding: big.NewInt(2)}

	a, err := Seal(&bob.Public, op)
	require.NoError(t, err)
	b, err := Seal(&bob.Public, op)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRecognizeRejectsOtherRecipients(t *testing.T) {
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	eve, err := GenerateKeyPair()
	require.NoError(t, err)

	op := Opening{Value: big.NewInt(42), Blinding: big.NewInt(99)}
	sealedNote, err := Seal(&bob.Public, op)
	require.NoError(t, err)

	_, err = Recognize(eve, sealedNote, op.Commitment())
	assert.ErrorIs(t, err, ErrNotRecipient)

	// right key, wrong delta
	_, err = Recognize(bob, sealedNote, commitment.CommitUint64(42, 100))
	assert.ErrorIs(t, err, ErrNotRecipient)
}

func TestOpenRejectsGarbage(t *testing.T) {
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Open(bob, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformedNote)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	raw := bob.PublicKeyBytes()
	require.Len(t, raw, PublicKeySize)

	pk, err := ParsePublicKey(raw)
	require.NoError(t, err)
	assert.True(t, pk.Equal(&bob.Public))

	_, err = ParsePublicKey(make([]byte, 3))
	assert.Error(t, err)
}

func TestXorStreamInvolution(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	data := make([]byte, 131)
	for i := range data {
		data[i] = byte(i)
	}
	once := xorStream(data, &kp.Public)
	assert.NotEqual(t, data, once)
	assert.Equal(t, data, xorStream(once, &kp.Public))
}
