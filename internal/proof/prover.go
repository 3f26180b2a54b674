// prover.go - Client-side construction of transfer proofs.

package proof

import (
	"bytes"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"enygma/internal/settlement"
)

// Prover produces Groth16 transfer proofs.
type Prover struct {
	keys map[Arity]*Keys
}

// NewProver returns a prover holding keys for each shape it can prove.
func NewProver(keys ...*Keys) *Prover {
	p := &Prover{keys: make(map[Arity]*Keys, len(keys))}
	for _, k := range keys {
		p.keys[k.Arity] = k
	}
	return p
}

// Prove checks op against st and returns the serialized proof.
func (p *Prover) Prove(st *settlement.Statement, op *Opening) ([]byte, error) {
	keys, ok := p.keys[Arity(st.Arity())]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArity, st.Arity())
	}
	if err := CheckOpening(st, op); err != nil {
		return nil, err
	}

	assignment, err := Assignment(st, op)
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(keys.CCS, keys.PK, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyingKeys returns the verifying keys the prover's proofs check against.
func (p *Prover) VerifyingKeys() map[Arity]groth16.VerifyingKey {
	out := make(map[Arity]groth16.VerifyingKey, len(p.keys))
	for a, k := range p.keys {
		out[a] = k.VK
	}
	return out
}
