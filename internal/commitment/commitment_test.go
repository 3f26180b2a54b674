// commitment_test.go - Tests for Pedersen commitment algebra and encodings.

package commitment

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorsAreIndependent(t *testing.T) {
	g, h := Generators()
	require.True(t, g.IsOnCurve())
	require.True(t, h.IsOnCurve())
	assert.False(t, g.Equal(&h))

	// H must be in the prime-order subgroup
	_, err := FromCoordinates(h.X.BigInt(new(big.Int)), h.Y.BigInt(new(big.Int)))
	require.NoError(t, err)

	// derivation is deterministic
	assert.Equal(t, h, deriveBlindingGenerator(&curve))
}

func TestOrderIsCopied(t *testing.T) {
	l := Order()
	l.SetInt64(7)
	assert.Equal(t, "2736030358979909402780800718157159386076813972158567259200215660948447373041", Order().String())
}

func TestHomomorphism(t *testing.T) {
	a := CommitUint64(1000, 11)
	b := CommitUint64(234, 5)
	assert.True(t, Equal(Add(a, b), CommitUint64(1234, 16)))
	assert.True(t, Equal(Add(a, b), Add(b, a)))
}

func TestNegateAndIdentity(t *testing.T) {
	a := CommitUint64(42, 9)
	assert.True(t, Add(a, Negate(a)).IsIdentity())
	assert.True(t, Equal(Add(a, Identity()), a))
	assert.True(t, Commitment{}.IsIdentity())
	assert.True(t, Equal(Commitment{}, Commit(nil, nil)))
	assert.True(t, Sum().IsIdentity())
}

func TestNegativeAmountWrapsModOrder(t *testing.T) {
	minus300 := new(big.Int).Sub(Order(), big.NewInt(300))
	spent := Commit(minus300, big.NewInt(0))
	assert.True(t, Equal(spent, Negate(CommitUint64(300, 0))))

	balance := Sum(CommitUint64(1000, 0), spent)
	assert.True(t, Equal(balance, CommitUint64(700, 0)))

	// a balanced transfer sums to the identity
	assert.True(t, Sum(spent, CommitUint64(300, 0)).IsIdentity())
}

func TestBinaryRoundTrip(t *testing.T) {
	c := CommitUint64(77, 1234)
	raw, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 32)

	var back Commitment
	require.NoError(t, back.UnmarshalBinary(raw))
	assert.True(t, back.Equal(c))
}

func TestJSONRoundTrip(t *testing.T) {
	c := CommitUint64(5, 6)
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"c1"`)

	var back Commitment
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Equal(c))
}

func TestRejectsMalformedPoints(t *testing.T) {
	_, err := FromCoordinates(big.NewInt(1), big.NewInt(1))
	require.ErrorIs(t, err, ErrMalformedPoint)

	_, err = Validate(nil, big.NewInt(1))
	require.ErrorIs(t, err, ErrMalformedPoint)

	_, err = FromCoordinates(big.NewInt(-1), big.NewInt(1))
	require.ErrorIs(t, err, ErrMalformedPoint)

	var c Commitment
	err = json.Unmarshal([]byte(`{"c1":"abc","c2":"1"}`), &c)
	require.ErrorIs(t, err, ErrMalformedPoint)

	// the identity itself is a valid point
	id, err := FromCoordinates(big.NewInt(0), big.NewInt(1))
	require.NoError(t, err)
	assert.True(t, id.IsIdentity())
}

func TestRandomScalarInRange(t *testing.T) {
	for i := 0; i < 8; i++ {
		s, err := RandomScalar()
		require.NoError(t, err)
		assert.True(t, s.Sign() >= 0 && s.Cmp(Order()) < 0)
	}
}
