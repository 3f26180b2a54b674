// settlements.go - Origin-side record of how far each transfer has settled.

package ledger

import (
	"errors"
	"fmt"

	"enygma/internal/storage"
)

// SettlementStatus is the lifecycle state of a transfer as seen from its
// origin chain.
type SettlementStatus uint8

const (
	StatusCreated SettlementStatus = iota + 1
	StatusPartiallyFinalized
	StatusFullyFinalized
)

func (s SettlementStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusPartiallyFinalized:
		return "partially_finalized"
	case StatusFullyFinalized:
		return "fully_finalized"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SettlementStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SettlementRecord tracks which chains have finalized their share.
type SettlementRecord struct {
	Nullifier   Nullifier
	OriginBlock uint64
	Chains      []ChainID
	Finalized   []ChainID
	Status      SettlementStatus
}

// IsFinalized reports whether chain has finalized its share.
func (r *SettlementRecord) IsFinalized(chain ChainID) bool {
	for _, c := range r.Finalized {
		if c == chain {
			return true
		}
	}
	return false
}

// markFinalized records chain and recomputes the status. Chains outside the
// transfer are ignored.
func (r *SettlementRecord) markFinalized(chain ChainID) bool {
	if r.IsFinalized(chain) {
		return false
	}
	member := false
	for _, c := range r.Chains {
		if c == chain {
			member = true
			break
		}
	}
	if !member {
		return false
	}
	r.Finalized = append(r.Finalized, chain)
	if len(r.Finalized) == len(r.Chains) {
		r.Status = StatusFullyFinalized
	} else {
		r.Status = StatusPartiallyFinalized
	}
	return true
}

// SettlementLog stores settlement records of transfers originated here.
type SettlementLog struct {
	db       *storage.DB
	resource ResourceID
}

// NewSettlementLog returns the settlement log of resource in db.
func NewSettlementLog(db *storage.DB, resource ResourceID) *SettlementLog {
	return &SettlementLog{db: db, resource: resource}
}

func (l *SettlementLog) key(n Nullifier) []byte {
	return storage.MakeKey(codeSettlement, l.resource[:], n[:])
}

// Create stores a fresh record in state Created.
func (l *SettlementLog) Create(tx *storage.Tx, n Nullifier, originBlock uint64, chains []ChainID) error {
	rec := SettlementRecord{
		Nullifier:   n,
		OriginBlock: originBlock,
		Chains:      append([]ChainID(nil), chains...),
		Status:      StatusCreated,
	}
	if err := tx.Insert(l.key(n), rec); err != nil {
		return fmt.Errorf("could not create settlement record: %w", err)
	}
	return nil
}

// MarkFinalized records that chain finalized its share of n. The returned
// flag is false when the call changed nothing.
func (l *SettlementLog) MarkFinalized(tx *storage.Tx, n Nullifier, chain ChainID) (SettlementRecord, bool, error) {
	var rec SettlementRecord
	err := tx.Retrieve(l.key(n), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return rec, false, fmt.Errorf("%s: %w", n, ErrSettlementNotFound)
	}
	if err != nil {
		return rec, false, err
	}
	if !rec.markFinalized(chain) {
		return rec, false, nil
	}
	if err := tx.Upsert(l.key(n), rec); err != nil {
		return rec, false, fmt.Errorf("could not update settlement record: %w", err)
	}
	return rec, true, nil
}

// Get returns the record of n.
func (l *SettlementLog) Get(n Nullifier) (SettlementRecord, error) {
	var rec SettlementRecord
	err := l.db.View(func(tx *storage.Tx) error {
		return tx.Retrieve(l.key(n), &rec)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return rec, fmt.Errorf("%s: %w", n, ErrSettlementNotFound)
	}
	return rec, err
}
