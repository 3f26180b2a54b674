package ledger

import "errors"

var (
	// ErrNullifierUsed is returned by Consume on reuse.
	ErrNullifierUsed = errors.New("nullifier already used")

	// ErrSupplyOverflow is returned when a mint or burn would overflow its
	// issuance counter.
	ErrSupplyOverflow = errors.New("supply overflow")

	// ErrSettlementNotFound is returned for unknown settlement records.
	ErrSettlementNotFound = errors.New("settlement record not found")
)
