// commitment.go - Additively homomorphic Pedersen commitments for confidential balances.
//
// A commitment C(v, r) = v·G + r·H is a point of the prime-order subgroup of the
// BN254 twisted Edwards curve (Baby Jubjub). Commitments can be added, negated
// and compared; the committed value and blinding factor never leave this package.
//
// Values and blinding factors live in Z_l where l is the subgroup order, so a
// "negative" amount -a is committed as l - a.

package commitment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	edwards "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
)

// ErrMalformedPoint is returned when coordinates or bytes do not describe a
// point of the prime-order subgroup.
var ErrMalformedPoint = errors.New("malformed commitment point")

// Commitment is an opaque Pedersen commitment. The zero value is the identity
// commitment Commit(0, 0).
type Commitment struct {
	p edwards.PointAffine
}

// Identity returns Commit(0, 0).
func Identity() Commitment {
	return Commitment{p: identityPoint()}
}

// Commit computes value·G + blinding·H. Both scalars are reduced modulo the
// subgroup order; nil is treated as zero.
func Commit(value, blinding *big.Int) Commitment {
	g, h := Generators()
	var vG, rH, sum edwards.PointAffine
	vG.ScalarMultiplication(&g, reduce(value))
	rH.ScalarMultiplication(&h, reduce(blinding))
	sum.Add(&vG, &rH)
	return Commitment{p: sum}
}

// CommitUint64 is Commit for small cleartext amounts.
func CommitUint64(value, blinding uint64) Commitment {
	return Commit(new(big.Int).SetUint64(value), new(big.Int).SetUint64(blinding))
}

// Add returns a + b, a commitment to (v_a + v_b, r_a + r_b).
func Add(a, b Commitment) Commitment {
	pa, pb := a.point(), b.point()
	var sum edwards.PointAffine
	sum.Add(&pa, &pb)
	return Commitment{p: sum}
}

// Sum folds Add over cs. Sum() is the identity.
func Sum(cs ...Commitment) Commitment {
	acc := Identity()
	for _, c := range cs {
		acc = Add(acc, c)
	}
	return acc
}

// Negate returns -a, a commitment to (-v, -r).
func Negate(a Commitment) Commitment {
	pa := a.point()
	var neg edwards.PointAffine
	neg.Neg(&pa)
	return Commitment{p: neg}
}

// Equal reports whether a and b are the same point.
func Equal(a, b Commitment) bool {
	pa, pb := a.point(), b.point()
	return pa.Equal(&pb)
}

// Equal is the method form of Equal.
func (c Commitment) Equal(other Commitment) bool {
	return Equal(c, other)
}

// IsIdentity reports whether c commits to (0, 0).
func (c Commitment) IsIdentity() bool {
	p := c.point()
	return isIdentity(&p)
}

// C1 returns the affine X coordinate.
func (c Commitment) C1() *big.Int {
	p := c.point()
	return p.X.BigInt(new(big.Int))
}

// C2 returns the affine Y coordinate.
func (c Commitment) C2() *big.Int {
	p := c.point()
	return p.Y.BigInt(new(big.Int))
}

// FromCoordinates validates (c1, c2) and returns the commitment they describe.
// Points off the curve or outside the prime-order subgroup are rejected.
func FromCoordinates(c1, c2 *big.Int) (Commitment, error) {
	if c1 == nil || c2 == nil {
		return Commitment{}, fmt.Errorf("%w: missing coordinate", ErrMalformedPoint)
	}
	mod := fr.Modulus()
	if c1.Sign() < 0 || c1.Cmp(mod) >= 0 || c2.Sign() < 0 || c2.Cmp(mod) >= 0 {
		return Commitment{}, fmt.Errorf("%w: coordinate out of field range", ErrMalformedPoint)
	}
	var x, y fr.Element
	x.SetBigInt(c1)
	y.SetBigInt(c2)
	p := edwards.NewPointAffine(x, y)
	if err := checkPoint(&p); err != nil {
		return Commitment{}, err
	}
	return Commitment{p: p}, nil
}

// Validate is FromCoordinates under the name callers use at trust boundaries.
func Validate(c1, c2 *big.Int) (Commitment, error) {
	return FromCoordinates(c1, c2)
}

// Bytes returns the 32-byte compressed encoding.
func (c Commitment) Bytes() [32]byte {
	p := c.point()
	return p.Bytes()
}

// SetBytes decodes a compressed point and checks subgroup membership.
func (c *Commitment) SetBytes(buf []byte) error {
	var p edwards.PointAffine
	if _, err := p.SetBytes(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPoint, err)
	}
	if err := checkPoint(&p); err != nil {
		return err
	}
	c.p = p
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c Commitment) MarshalBinary() ([]byte, error) {
	b := c.Bytes()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Commitment) UnmarshalBinary(data []byte) error {
	return c.SetBytes(data)
}

type pointJSON struct {
	C1 string `json:"c1"`
	C2 string `json:"c2"`
}

// MarshalJSON encodes the commitment as {"c1": "...", "c2": "..."} in decimal.
func (c Commitment) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{C1: c.C1().String(), C2: c.C2().String()})
}

// UnmarshalJSON decodes and validates {"c1": "...", "c2": "..."}.
func (c *Commitment) UnmarshalJSON(data []byte) error {
	var pj pointJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	c1, ok1 := new(big.Int).SetString(pj.C1, 10)
	c2, ok2 := new(big.Int).SetString(pj.C2, 10)
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: coordinates must be decimal integers", ErrMalformedPoint)
	}
	parsed, err := FromCoordinates(c1, c2)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// String returns a short hex form of the compressed point, for logs.
func (c Commitment) String() string {
	b := c.Bytes()
	return fmt.Sprintf("%x", b[:8])
}

func (c Commitment) point() edwards.PointAffine {
	// the all-zero struct is not on the curve; it stands for the identity
	if c.p.X.IsZero() && c.p.Y.IsZero() {
		return identityPoint()
	}
	return c.p
}

func identityPoint() edwards.PointAffine {
	var p edwards.PointAffine
	p.X.SetZero()
	p.Y.SetOne()
	return p
}

func isIdentity(p *edwards.PointAffine) bool {
	return p.X.IsZero() && p.Y.IsOne()
}

func checkPoint(p *edwards.PointAffine) error {
	if !p.IsOnCurve() {
		return fmt.Errorf("%w: not on curve", ErrMalformedPoint)
	}
	var q edwards.PointAffine
	q.ScalarMultiplication(p, Order())
	if !isIdentity(&q) {
		return fmt.Errorf("%w: not in prime-order subgroup", ErrMalformedPoint)
	}
	return nil
}

func reduce(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Mod(x, Order())
}
