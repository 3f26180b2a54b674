// witness.go - Mapping statements and openings onto circuit assignments.

package proof

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/twistededwards"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/settlement"
)

var (
	// ErrUnsupportedArity is returned for transfers with no circuit shape.
	ErrUnsupportedArity = errors.New("unsupported transfer arity")

	// ErrWitnessMismatch is returned when an opening does not fit the
	// statement it is meant to prove.
	ErrWitnessMismatch = errors.New("witness does not match statement")
)

// Opening is the private side of a transfer: the cleartext amounts and
// blindings of each commitment, and the opening of the origin chain's
// finalized balance the transfer spends from.
type Opening struct {
	Values          []*big.Int
	Blindings       []*big.Int
	BalanceValue    *big.Int
	BalanceBlinding *big.Int
}

// DeriveNullifier computes MiMC(balance value, balance blinding, block,
// balances...) over the BN254 scalar field, each balance contributing its two
// coordinates. The balance opening is reduced to its canonical form first.
func DeriveNullifier(balanceValue, balanceBlinding *big.Int, block uint64, balances []commitment.Commitment) ledger.Nullifier {
	h := mimc.NewMiMC()
	writeElement(h, scalar(balanceValue))
	writeElement(h, scalar(balanceBlinding))
	writeElement(h, new(big.Int).SetUint64(block))
	for _, b := range balances {
		writeElement(h, b.C1())
		writeElement(h, b.C2())
	}
	var n ledger.Nullifier
	copy(n[:], h.Sum(nil))
	return n
}

func writeElement(h interface{ Write([]byte) (int, error) }, v *big.Int) {
	var e fr.Element
	e.SetBigInt(v)
	b := e.Bytes()
	h.Write(b[:])
}

func point(c commitment.Commitment) twistededwards.Point {
	return twistededwards.Point{X: c.C1(), Y: c.C2()}
}

func scalar(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Mod(v, commitment.Order())
}

// Assignment builds the circuit assignment of st. With a nil opening only the
// public part is filled, which is what verification needs.
func Assignment(st *settlement.Statement, op *Opening) (frontend.Circuit, error) {
	k := st.Arity()
	if len(st.ChainIDs) != k || len(st.Balances) != k {
		return nil, fmt.Errorf("%w: %d commitments, %d chain ids, %d balances",
			ErrWitnessMismatch, k, len(st.ChainIDs), len(st.Balances))
	}
	if op != nil && (len(op.Values) != k || len(op.Blindings) != k) {
		return nil, fmt.Errorf("%w: opening covers %d values and %d blindings for %d chains",
			ErrWitnessMismatch, len(op.Values), len(op.Blindings), k)
	}

	nullifier := new(big.Int).SetBytes(st.Nullifier[:])
	block := new(big.Int).SetUint64(st.Block)
	origin := uint64(st.Origin)

	fill := func(commitments, balances []twistededwards.Point, chainIDs, values, blindings []frontend.Variable) (frontend.Variable, frontend.Variable) {
		for i := 0; i < k; i++ {
			commitments[i] = point(st.Commitments[i])
			balances[i] = point(st.Balances[i])
			chainIDs[i] = uint64(st.ChainIDs[i])
			if op != nil {
				values[i] = scalar(op.Values[i])
				blindings[i] = scalar(op.Blindings[i])
			}
		}
		if op != nil {
			return scalar(op.BalanceValue), scalar(op.BalanceBlinding)
		}
		return nil, nil
	}

	switch Arity(k) {
	case Arity2:
		var c Transfer2Circuit
		c.BalanceValue, c.BalanceBlinding = fill(c.Commitments[:], c.Balances[:], c.ChainIDs[:], c.Values[:], c.Blindings[:])
		c.Origin, c.Nullifier, c.Block = origin, nullifier, block
		return &c, nil
	case Arity6:
		var c Transfer6Circuit
		c.BalanceValue, c.BalanceBlinding = fill(c.Commitments[:], c.Balances[:], c.ChainIDs[:], c.Values[:], c.Blindings[:])
		c.Origin, c.Nullifier, c.Block = origin, nullifier, block
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArity, k)
	}
}

// CheckOpening recomputes the statement from op natively and reports the
// first mismatch. It enforces everything the circuit does, so provers call it
// before spending time on a proof.
func CheckOpening(st *settlement.Statement, op *Opening) error {
	if len(op.Values) != st.Arity() || len(op.Blindings) != st.Arity() || len(st.ChainIDs) != st.Arity() || len(st.Balances) != st.Arity() {
		return fmt.Errorf("%w: opening size", ErrWitnessMismatch)
	}
	for i, c := range st.Commitments {
		if !commitment.Commit(op.Values[i], op.Blindings[i]).Equal(c) {
			return fmt.Errorf("%w: commitment %d does not open", ErrWitnessMismatch, i)
		}
	}
	if !commitment.Sum(st.Commitments...).IsIdentity() {
		return fmt.Errorf("%w: commitments do not balance", ErrWitnessMismatch)
	}

	sender := -1
	for i, c := range st.ChainIDs {
		if c != st.Origin {
			continue
		}
		if sender >= 0 {
			return fmt.Errorf("%w: origin %s listed twice", ErrWitnessMismatch, st.Origin)
		}
		sender = i
	}
	if sender < 0 {
		return fmt.Errorf("%w: origin %s not listed", ErrWitnessMismatch, st.Origin)
	}

	order := commitment.Order()
	debit := new(big.Int)
	for i := range op.Values {
		amount := scalar(op.Values[i])
		if i == sender {
			amount.Sub(order, amount).Mod(amount, order)
			debit = amount
		}
		if !fitsAmount(amount) {
			return fmt.Errorf("%w: leg %d is not a %d-bit amount", ErrWitnessMismatch, i, AmountBits)
		}
	}

	if op.BalanceValue == nil || op.BalanceBlinding == nil {
		return fmt.Errorf("%w: missing balance opening", ErrWitnessMismatch)
	}
	if !commitment.Commit(op.BalanceValue, op.BalanceBlinding).Equal(st.Balances[sender]) {
		return fmt.Errorf("%w: origin balance does not open", ErrWitnessMismatch)
	}
	held := scalar(op.BalanceValue)
	if !fitsAmount(held) || held.Cmp(debit) < 0 {
		return fmt.Errorf("%w: debit exceeds the origin balance", ErrWitnessMismatch)
	}

	if DeriveNullifier(op.BalanceValue, op.BalanceBlinding, st.Block, st.Balances) != st.Nullifier {
		return fmt.Errorf("%w: nullifier", ErrWitnessMismatch)
	}
	return nil
}

func fitsAmount(v *big.Int) bool {
	return v.Sign() >= 0 && v.BitLen() <= AmountBits
}
