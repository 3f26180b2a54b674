package ledger

import (
	"errors"

	"enygma/internal/storage"
)

// ProcessedDeltas remembers which (nullifier, chain) shares have been folded
// into a balance.
type ProcessedDeltas struct {
	resource ResourceID
}

// NewProcessedDeltas returns the processed-delta set of resource.
func NewProcessedDeltas(resource ResourceID) *ProcessedDeltas {
	return &ProcessedDeltas{resource: resource}
}

func (p *ProcessedDeltas) key(n Nullifier, chain ChainID) []byte {
	return storage.MakeKey(codeProcessedDelta, p.resource[:], n[:], uint64(chain))
}

// MarkApplied records the share as applied at block. It returns false if it
// was already recorded, in which case nothing is written.
func (p *ProcessedDeltas) MarkApplied(tx *storage.Tx, n Nullifier, chain ChainID, block uint64) (bool, error) {
	err := tx.Insert(p.key(n, chain), block)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsApplied reports whether the share has been applied.
func (p *ProcessedDeltas) IsApplied(tx *storage.Tx, n Nullifier, chain ChainID) (bool, error) {
	return tx.Exists(p.key(n, chain))
}
