// nullifiers.go - Set of consumed nullifiers for one asset instance.

package ledger

import (
	"errors"
	"fmt"

	"enygma/internal/storage"
)

// NullifierLedger records spent nullifiers. Consume must run inside the same
// storage transaction that enqueues the transfer's pending entry.
type NullifierLedger struct {
	db       *storage.DB
	resource ResourceID
}

// NewNullifierLedger returns the nullifier set of resource in db.
func NewNullifierLedger(db *storage.DB, resource ResourceID) *NullifierLedger {
	return &NullifierLedger{db: db, resource: resource}
}

type nullifierRecord struct {
	Block uint64
}

func (l *NullifierLedger) key(n Nullifier) []byte {
	return storage.MakeKey(codeNullifier, l.resource[:], n[:])
}

// Consume marks n used at block. It fails with ErrNullifierUsed if n was
// already consumed.
func (l *NullifierLedger) Consume(tx *storage.Tx, n Nullifier, block uint64) error {
	err := tx.Insert(l.key(n), nullifierRecord{Block: block})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("%s: %w", n, ErrNullifierUsed)
	}
	if err != nil {
		return fmt.Errorf("could not consume nullifier: %w", err)
	}
	return nil
}

// IsUsedTx is IsUsed inside an open transaction.
func (l *NullifierLedger) IsUsedTx(tx *storage.Tx, n Nullifier) (bool, error) {
	return tx.Exists(l.key(n))
}

// IsUsed reports whether n has been consumed.
func (l *NullifierLedger) IsUsed(n Nullifier) (bool, error) {
	var used bool
	err := l.db.View(func(tx *storage.Tx) error {
		var err error
		used, err = l.IsUsedTx(tx, n)
		return err
	})
	return used, err
}
