// verifier.go - Groth16 verification of transfer statements.

package proof

import (
	"bytes"
	"context"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/rs/zerolog"

	"enygma/internal/settlement"
)

// Groth16Verifier checks transfer proofs against one verifying key per
// supported arity.
type Groth16Verifier struct {
	keys map[Arity]groth16.VerifyingKey
	log  zerolog.Logger
}

var _ settlement.Verifier = (*Groth16Verifier)(nil)

// NewGroth16Verifier returns a verifier for the given keys.
func NewGroth16Verifier(keys map[Arity]groth16.VerifyingKey, log zerolog.Logger) *Groth16Verifier {
	return &Groth16Verifier{keys: keys, log: log.With().Str("component", "verifier").Logger()}
}

// LoadGroth16Verifier reads every supported verifying key from dir.
func LoadGroth16Verifier(dir string, log zerolog.Logger) (*Groth16Verifier, error) {
	keys := make(map[Arity]groth16.VerifyingKey, len(Arities))
	for _, a := range Arities {
		vk, err := LoadVerifyingKey(dir, a)
		if err != nil {
			return nil, fmt.Errorf("arity %d: %w", a, err)
		}
		keys[a] = vk
	}
	return NewGroth16Verifier(keys, log), nil
}

// Verify implements settlement.Verifier. A proof that does not decode is an
// error; a proof that decodes but does not verify is a plain rejection.
func (v *Groth16Verifier) Verify(ctx context.Context, st *settlement.Statement) (bool, error) {
	// Step 1: pick the key for this shape
	vk, ok := v.keys[Arity(st.Arity())]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnsupportedArity, st.Arity())
	}

	// Step 2: rebuild the public witness
	assignment, err := Assignment(st, nil)
	if err != nil {
		return false, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("public witness creation failed: %w", err)
	}

	// Step 3: unmarshal the proof
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(st.Proof)); err != nil {
		return false, fmt.Errorf("proof unmarshaling failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// Step 4: verify
	if err := groth16.Verify(proof, vk, w); err != nil {
		v.log.Debug().Err(err).Int("arity", st.Arity()).Msg("proof rejected")
		return false, nil
	}
	return true, nil
}
