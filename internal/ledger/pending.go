// pending.go - Insertion-ordered queue of not yet finalized transfers.

package ledger

import (
	"errors"
	"fmt"

	"enygma/internal/storage"
)

// PendingQueue stores pending transactions keyed by a monotone per-resource
// sequence number, so key order is insertion order.
type PendingQueue struct {
	db       *storage.DB
	resource ResourceID
}

// NewPendingQueue returns the pending queue of resource in db.
func NewPendingQueue(db *storage.DB, resource ResourceID) *PendingQueue {
	return &PendingQueue{db: db, resource: resource}
}

func (q *PendingQueue) prefix() []byte {
	return storage.MakeKey(codePending, q.resource[:])
}

func (q *PendingQueue) nextSequence(tx *storage.Tx) (uint64, error) {
	key := storage.MakeKey(codePendingSeq, q.resource[:])
	var seq uint64
	err := tx.Retrieve(key, &seq)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("could not read pending sequence: %w", err)
	}
	seq++
	if err := tx.Upsert(key, seq); err != nil {
		return 0, fmt.Errorf("could not advance pending sequence: %w", err)
	}
	return seq, nil
}

// Enqueue appends p, assigning its Sequence. The assigned entry is returned.
func (q *PendingQueue) Enqueue(tx *storage.Tx, p PendingTransaction) (PendingTransaction, error) {
	seq, err := q.nextSequence(tx)
	if err != nil {
		return PendingTransaction{}, err
	}
	p.Sequence = seq
	if err := tx.Insert(storage.MakeKey(codePending, q.resource[:], seq), p); err != nil {
		return PendingTransaction{}, fmt.Errorf("could not enqueue pending transaction: %w", err)
	}
	return p, nil
}

// ListPendingTx is ListPending inside an open transaction.
func (q *PendingQueue) ListPendingTx(tx *storage.Tx) ([]PendingTransaction, error) {
	var out []PendingTransaction
	err := tx.Iterate(q.prefix(), func(_ []byte, decode storage.Decoder) error {
		var p PendingTransaction
		if err := decode(&p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// ListPending returns every pending transaction in insertion order.
func (q *PendingQueue) ListPending() ([]PendingTransaction, error) {
	var out []PendingTransaction
	err := q.db.View(func(tx *storage.Tx) error {
		var err error
		out, err = q.ListPendingTx(tx)
		return err
	})
	return out, err
}

// DrainFinalizableAt removes and returns, in insertion order, every entry
// recorded before block.
func (q *PendingQueue) DrainFinalizableAt(tx *storage.Tx, block uint64) ([]PendingTransaction, error) {
	var (
		ready []PendingTransaction
		keys  [][]byte
	)
	err := tx.Iterate(q.prefix(), func(key []byte, decode storage.Decoder) error {
		var p PendingTransaction
		if err := decode(&p); err != nil {
			return err
		}
		if p.ReadyAt < block {
			ready = append(ready, p)
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not scan pending queue: %w", err)
	}
	for _, key := range keys {
		if err := tx.Remove(key); err != nil {
			return nil, fmt.Errorf("could not remove drained entry: %w", err)
		}
	}
	return ready, nil
}
