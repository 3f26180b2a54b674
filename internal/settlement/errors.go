package settlement

import (
	"errors"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
)

var (
	// ErrInvalidProof is returned when the verifier rejects a transfer, or
	// the proof was built against balances that have since changed.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrNullifierAlreadyUsed is returned when a transfer replays a spent
	// nullifier.
	ErrNullifierAlreadyUsed = ledger.ErrNullifierUsed

	// ErrInvalidBatchSize is returned for malformed batch shapes.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrInvalidChainSet is returned when chain ids repeat, name the reserved
	// broadcast chain or omit the submitting chain.
	ErrInvalidChainSet = errors.New("invalid chain set")

	// ErrMalformedCommitment is returned when a commitment does not decode to
	// a point of the commitment group.
	ErrMalformedCommitment = commitment.ErrMalformedPoint

	// ErrTokenFrozenForChain is returned when a transfer touches a chain on
	// which the asset is frozen.
	ErrTokenFrozenForChain = errors.New("token frozen for chain")

	// ErrUnauthorized is returned when the caller lacks mint or burn rights.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForeignChain is returned when mint or burn targets another chain.
	ErrForeignChain = errors.New("operation targets a foreign chain")

	// ErrInvalidPayload is returned for relayed payloads that do not decode.
	ErrInvalidPayload = errors.New("invalid relayed payload")
)

// rejectionReason labels err for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBatchSize):
		return "batch_size"
	case errors.Is(err, ErrInvalidChainSet):
		return "chain_set"
	case errors.Is(err, ErrMalformedCommitment):
		return "malformed_commitment"
	case errors.Is(err, ErrTokenFrozenForChain):
		return "frozen"
	case errors.Is(err, ErrNullifierAlreadyUsed):
		return "nullifier_used"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	default:
		return "internal"
	}
}
