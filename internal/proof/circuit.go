// circuit.go - Transfer statement circuits, one fixed shape per supported arity.
//
// A transfer proof shows, without revealing amounts, that:
//  1. every commitment opens to (value, blinding) over the generators (G, H)
//  2. the commitments sum to the identity, so no value is created
//  3. the chain ids are pairwise distinct and exactly one is the origin
//  4. every credit is a 64-bit amount and the origin's leg is a 64-bit debit
//  5. the sender knows the opening of the origin's balance and the debit
//     does not exceed it
//  6. nullifier = MiMC(balance value, balance blinding, block, balances...),
//     so one balance snapshot admits exactly one spend

package proof

import (
	"fmt"
	"math/big"

	tedwards "github.com/consensys/gnark-crypto/ecc/twistededwards"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/twistededwards"
	"github.com/consensys/gnark/std/hash/mimc"
	"github.com/consensys/gnark/std/rangecheck"

	"enygma/internal/commitment"
)

// Arity tags a circuit shape by the number of chains it covers.
type Arity int

const (
	Arity2 Arity = 2
	Arity6 Arity = 6
)

// Arities lists every supported shape.
var Arities = []Arity{Arity2, Arity6}

// AmountBits bounds every transferred amount and balance.
const AmountBits = 64

// Transfer2Circuit is the statement of a two-chain transfer.
type Transfer2Circuit struct {
	Commitments [2]twistededwards.Point `gnark:",public"`
	Balances    [2]twistededwards.Point `gnark:",public"`
	ChainIDs    [2]frontend.Variable    `gnark:",public"`
	Origin      frontend.Variable       `gnark:",public"`
	Nullifier   frontend.Variable       `gnark:",public"`
	Block       frontend.Variable       `gnark:",public"`

	Values          [2]frontend.Variable
	Blindings       [2]frontend.Variable
	BalanceValue    frontend.Variable
	BalanceBlinding frontend.Variable
}

func (c *Transfer2Circuit) Define(api frontend.API) error {
	return defineTransfer(api, transferVars{
		commitments: c.Commitments[:],
		balances:    c.Balances[:],
		chainIDs:    c.ChainIDs[:],
		values:      c.Values[:],
		blindings:   c.Blindings[:],
		origin:      c.Origin,
		nullifier:   c.Nullifier,
		block:       c.Block,
		balValue:    c.BalanceValue,
		balBlinding: c.BalanceBlinding,
	})
}

// Transfer6Circuit is the statement of a six-chain transfer.
type Transfer6Circuit struct {
	Commitments [6]twistededwards.Point `gnark:",public"`
	Balances    [6]twistededwards.Point `gnark:",public"`
	ChainIDs    [6]frontend.Variable    `gnark:",public"`
	Origin      frontend.Variable       `gnark:",public"`
	Nullifier   frontend.Variable       `gnark:",public"`
	Block       frontend.Variable       `gnark:",public"`

	Values          [6]frontend.Variable
	Blindings       [6]frontend.Variable
	BalanceValue    frontend.Variable
	BalanceBlinding frontend.Variable
}

func (c *Transfer6Circuit) Define(api frontend.API) error {
	return defineTransfer(api, transferVars{
		commitments: c.Commitments[:],
		balances:    c.Balances[:],
		chainIDs:    c.ChainIDs[:],
		values:      c.Values[:],
		blindings:   c.Blindings[:],
		origin:      c.Origin,
		nullifier:   c.Nullifier,
		block:       c.Block,
		balValue:    c.BalanceValue,
		balBlinding: c.BalanceBlinding,
	})
}

type transferVars struct {
	commitments []twistededwards.Point
	balances    []twistededwards.Point
	chainIDs    []frontend.Variable
	values      []frontend.Variable
	blindings   []frontend.Variable
	origin      frontend.Variable
	nullifier   frontend.Variable
	block       frontend.Variable
	balValue    frontend.Variable
	balBlinding frontend.Variable
}

func defineTransfer(api frontend.API, v transferVars) error {
	curve, err := twistededwards.NewEdCurve(api, tedwards.BN254)
	if err != nil {
		return err
	}
	base := curve.Params().Base
	g := twistededwards.Point{X: base[0], Y: base[1]}
	hx, hy := commitment.BlindingGeneratorCoordinates()
	h := twistededwards.Point{X: hx, Y: hy}

	// Step 1: each commitment opens to (value, blinding)
	for i := range v.commitments {
		opened := curve.DoubleBaseScalarMul(g, h, v.values[i], v.blindings[i])
		api.AssertIsEqual(v.commitments[i].X, opened.X)
		api.AssertIsEqual(v.commitments[i].Y, opened.Y)
	}

	// Step 2: conservation, the commitments sum to (0, 1)
	sum := v.commitments[0]
	for i := 1; i < len(v.commitments); i++ {
		sum = curve.Add(sum, v.commitments[i])
	}
	api.AssertIsEqual(sum.X, 0)
	api.AssertIsEqual(sum.Y, 1)

	// Step 3: no chain appears twice, and the origin appears once
	for i := 0; i < len(v.chainIDs); i++ {
		for j := i + 1; j < len(v.chainIDs); j++ {
			api.AssertIsDifferent(v.chainIDs[i], v.chainIDs[j])
		}
	}
	isOrigin := make([]frontend.Variable, len(v.chainIDs))
	origins := frontend.Variable(0)
	for i := range v.chainIDs {
		isOrigin[i] = api.IsZero(api.Sub(v.chainIDs[i], v.origin))
		origins = api.Add(origins, isOrigin[i])
	}
	api.AssertIsEqual(origins, 1)

	// Step 4: credits are amounts, the origin leg is l - debit
	order := commitment.Order()
	rc := rangecheck.New(api)
	debit := frontend.Variable(0)
	for i := range v.values {
		negated := api.Select(api.IsZero(v.values[i]), 0, api.Sub(order, v.values[i]))
		amount := api.Select(isOrigin[i], negated, v.values[i])
		rc.Check(amount, AmountBits)
		debit = api.Add(debit, api.Mul(isOrigin[i], negated))
	}

	// Step 5: the origin balance opens and covers the debit
	var bx, by frontend.Variable = 0, 0
	for i, b := range v.balances {
		bx = api.Add(bx, api.Mul(isOrigin[i], b.X))
		by = api.Add(by, api.Mul(isOrigin[i], b.Y))
	}
	held := curve.DoubleBaseScalarMul(g, h, v.balValue, v.balBlinding)
	api.AssertIsEqual(bx, held.X)
	api.AssertIsEqual(by, held.Y)
	rc.Check(v.balValue, AmountBits)
	rc.Check(api.Sub(v.balValue, debit), AmountBits)
	// canonical blinding, so the nullifier of a snapshot is unique
	api.AssertIsLessOrEqual(v.balBlinding, new(big.Int).Sub(order, big.NewInt(1)))

	// Step 6: nullifier derivation
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(v.balValue, v.balBlinding, v.block)
	for _, b := range v.balances {
		hasher.Write(b.X, b.Y)
	}
	api.AssertIsEqual(v.nullifier, hasher.Sum())
	return nil
}

// NewCircuit returns an empty circuit of the given shape, for compilation.
func NewCircuit(arity Arity) (frontend.Circuit, error) {
	switch arity {
	case Arity2:
		return &Transfer2Circuit{}, nil
	case Arity6:
		return &Transfer6Circuit{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArity, arity)
	}
}
