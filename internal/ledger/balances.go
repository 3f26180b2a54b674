// balances.go - Finalized per-chain balance commitments.

package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"enygma/internal/commitment"
	"enygma/internal/storage"
)

// BalanceStore holds each chain's finalized commitment. It does not guard
// against applying a delta twice; callers track that with ProcessedDeltas.
type BalanceStore struct {
	db       *storage.DB
	resource ResourceID
}

// NewBalanceStore returns the balance store of resource in db.
func NewBalanceStore(db *storage.DB, resource ResourceID) *BalanceStore {
	return &BalanceStore{db: db, resource: resource}
}

func (s *BalanceStore) key(chain ChainID) []byte {
	return storage.MakeKey(codeBalance, s.resource[:], uint64(chain))
}

// GetFinalizedTx is GetFinalized inside an open transaction.
func (s *BalanceStore) GetFinalizedTx(tx *storage.Tx, chain ChainID) (ChainBalance, error) {
	var b ChainBalance
	err := tx.Retrieve(s.key(chain), &b)
	if errors.Is(err, storage.ErrNotFound) {
		return ChainBalance{Commitment: commitment.Identity()}, nil
	}
	if err != nil {
		return ChainBalance{}, fmt.Errorf("could not read balance of chain %s: %w", chain, err)
	}
	return b, nil
}

// GetFinalized returns the finalized balance of chain, or the identity at
// block zero for a chain never seen.
func (s *BalanceStore) GetFinalized(chain ChainID) (ChainBalance, error) {
	var b ChainBalance
	err := s.db.View(func(tx *storage.Tx) error {
		var err error
		b, err = s.GetFinalizedTx(tx, chain)
		return err
	})
	return b, err
}

// ApplyDelta adds delta into chain's balance and advances its last finalized
// block to block. The block never moves backwards.
func (s *BalanceStore) ApplyDelta(tx *storage.Tx, chain ChainID, delta commitment.Commitment, block uint64) (ChainBalance, error) {
	b, err := s.GetFinalizedTx(tx, chain)
	if err != nil {
		return ChainBalance{}, err
	}
	b.Commitment = commitment.Add(b.Commitment, delta)
	if block > b.LastFinalizedBlock {
		b.LastFinalizedBlock = block
	}
	if err := tx.Upsert(s.key(chain), b); err != nil {
		return ChainBalance{}, fmt.Errorf("could not write balance of chain %s: %w", chain, err)
	}
	return b, nil
}

// Chains lists every chain with a recorded balance, in ascending order.
func (s *BalanceStore) Chains() ([]ChainID, error) {
	prefix := storage.MakeKey(codeBalance, s.resource[:])
	var chains []ChainID
	err := s.db.View(func(tx *storage.Tx) error {
		return tx.Iterate(prefix, func(key []byte, _ storage.Decoder) error {
			chains = append(chains, ChainID(binary.BigEndian.Uint64(key[len(prefix):])))
			return nil
		})
	})
	return chains, err
}

