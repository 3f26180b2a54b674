package main

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/proof"
	"enygma/internal/settlement"
)

// The fast path stands in for Groth16: the "proof" carries the opening and
// the verifier checks it natively against the engine's statement.
func sealOpening(_ *settlement.Statement, op *proof.Opening) ([]byte, error) {
	return cbor.Marshal(op)
}

var openingVerifier = settlement.VerifierFunc(func(_ context.Context, st *settlement.Statement) (bool, error) {
	var op proof.Opening
	if err := cbor.Unmarshal(st.Proof, &op); err != nil {
		return false, err
	}
	err := proof.CheckOpening(st, &op)
	if errors.Is(err, proof.ErrWitnessMismatch) {
		return false, nil
	}
	return err == nil, err
})

func assertDemo(t *testing.T, res *DemoResult, minted, sent int64) {
	t.Helper()
	assert.True(t, res.Bootstrapped)
	assert.True(t, res.ReplayRefused)
	assert.Equal(t, 0, res.BobReceived.Cmp(big.NewInt(sent)))
	assert.Equal(t, ledger.StatusFullyFinalized, res.Settlement.Status)
	assert.ElementsMatch(t, []ledger.ChainID{1, 2}, res.Settlement.Finalized)

	// chain 1 holds the mint minus the outgoing leg, chain 2 the incoming one
	total := commitment.Add(res.AliceBalance, res.BobBalance)
	assert.True(t, total.Equal(commitment.CommitUint64(uint64(minted), 0)))
}

func TestWalkthrough(t *testing.T) {
	res, err := runDemo(context.Background(), openingVerifier, sealOpening, 100, 30, zerolog.Nop())
	require.NoError(t, err)
	assertDemo(t, res, 100, 30)
}

func TestWalkthroughSpendsWholeBalance(t *testing.T) {
	res, err := runDemo(context.Background(), openingVerifier, sealOpening, 30, 30, zerolog.Nop())
	require.NoError(t, err)
	assertDemo(t, res, 30, 30)
}

func TestWalkthroughRejectsOverspend(t *testing.T) {
	// the transfer balances, so only the balance opening can refuse it
	_, err := runDemo(context.Background(), openingVerifier, sealOpening, 10, 30, zerolog.Nop())
	assert.ErrorIs(t, err, settlement.ErrInvalidProof)

	_, err = runDemo(context.Background(), openingVerifier, sealOpening, 10, 1000000, zerolog.Nop())
	assert.ErrorIs(t, err, settlement.ErrInvalidProof)
}

func TestWalkthroughWithGroth16(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	keys, err := proof.Setup(proof.Arity2)
	require.NoError(t, err)
	prover := proof.NewProver(keys)
	verifier := proof.NewGroth16Verifier(prover.VerifyingKeys(), zerolog.Nop())

	res, err := runDemo(context.Background(), verifier, prover.Prove, 100, 45, zerolog.Nop())
	require.NoError(t, err)
	assertDemo(t, res, 100, 45)

	// no satisfying witness exists for an overspend
	_, err = runDemo(context.Background(), verifier, prover.Prove, 10, 30, zerolog.Nop())
	assert.ErrorIs(t, err, proof.ErrWitnessMismatch)
}
