// generators.go - Base points for the Pedersen commitment scheme.
//
// G is the curve's standard base point. H is derived by hash-and-increment from
// a fixed domain tag and multiplied by the cofactor, so nobody knows log_G(H).

package commitment

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	edwards "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	"golang.org/x/crypto/sha3"
)

const blindingDomain = "enygma/pedersen/blinding-generator/v1"

var (
	setupOnce sync.Once
	curve     edwards.CurveParams
	baseG     edwards.PointAffine
	baseH     edwards.PointAffine
)

func setup() {
	setupOnce.Do(func() {
		curve = edwards.GetEdwardsCurve()
		baseG = curve.Base
		baseH = deriveBlindingGenerator(&curve)
	})
}

// Generators returns the (G, H) base pair.
func Generators() (g, h edwards.PointAffine) {
	setup()
	return baseG, baseH
}

// Order returns the prime order l of the commitment group. Callers get a copy.
func Order() *big.Int {
	setup()
	return new(big.Int).Set(&curve.Order)
}

// BlindingGeneratorCoordinates returns H as big integers, for circuits that
// need it as a constant.
func BlindingGeneratorCoordinates() (x, y *big.Int) {
	_, h := Generators()
	return h.X.BigInt(new(big.Int)), h.Y.BigInt(new(big.Int))
}

// RandomScalar returns a uniformly random scalar in [0, l).
func RandomScalar() (*big.Int, error) {
	return rand.Int(rand.Reader, Order())
}

func deriveBlindingGenerator(params *edwards.CurveParams) edwards.PointAffine {
	cofactor := params.Cofactor.BigInt(new(big.Int))
	var counter [4]byte
	for i := uint32(0); ; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h := sha3.NewLegacyKeccak256()
		h.Write([]byte(blindingDomain))
		h.Write(counter[:])

		var y fr.Element
		y.SetBytes(h.Sum(nil))

		// a·x² + y² = 1 + d·x²·y²  =>  x² = (1 - y²) / (a - d·y²)
		var y2, num, den, x2, x fr.Element
		y2.Square(&y)
		num.SetOne()
		num.Sub(&num, &y2)
		den.Mul(&params.D, &y2)
		den.Sub(&params.A, &den)
		if den.IsZero() {
			continue
		}
		den.Inverse(&den)
		x2.Mul(&num, &den)
		if x.Sqrt(&x2) == nil {
			continue
		}

		p := edwards.NewPointAffine(x, y)
		if !p.IsOnCurve() {
			continue
		}
		var q edwards.PointAffine
		q.ScalarMultiplication(&p, cofactor)
		if isIdentity(&q) {
			continue
		}
		return q
	}
}
