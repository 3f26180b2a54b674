// supply.go - Cleartext issuance counters of one asset instance on one chain.

package ledger

import (
	"errors"
	"math"
	"math/big"

	"enygma/internal/storage"
)

// Issuance is what trusted callers minted and burned on one chain. Value
// moves between chains by transfer without touching these counters, so a
// chain may burn more than it minted.
type Issuance struct {
	Minted uint64 `cbor:"1,keyasint" json:"minted"`
	Burned uint64 `cbor:"2,keyasint" json:"burned"`
}

// Net returns minted minus burned. It is negative on a chain that burned
// value it received by transfer.
func (i Issuance) Net() *big.Int {
	return new(big.Int).Sub(new(big.Int).SetUint64(i.Minted), new(big.Int).SetUint64(i.Burned))
}

// Supply keeps the issuance counters of one asset instance. It only reports;
// burns are authorized by the caller's capability, not capped here.
type Supply struct {
	db       *storage.DB
	resource ResourceID
}

// NewSupply returns the supply counters of resource in db.
func NewSupply(db *storage.DB, resource ResourceID) *Supply {
	return &Supply{db: db, resource: resource}
}

func (s *Supply) key() []byte {
	return storage.MakeKey(codeSupply, s.resource[:])
}

func (s *Supply) issuanceTx(tx *storage.Tx) (Issuance, error) {
	var i Issuance
	err := tx.Retrieve(s.key(), &i)
	if errors.Is(err, storage.ErrNotFound) {
		return Issuance{}, nil
	}
	return i, err
}

// Issuance returns the current counters.
func (s *Supply) Issuance() (Issuance, error) {
	var i Issuance
	err := s.db.View(func(tx *storage.Tx) error {
		var err error
		i, err = s.issuanceTx(tx)
		return err
	})
	return i, err
}

// RecordMint adds amount to the minted counter.
func (s *Supply) RecordMint(tx *storage.Tx, amount uint64) (Issuance, error) {
	i, err := s.issuanceTx(tx)
	if err != nil {
		return Issuance{}, err
	}
	if amount > math.MaxUint64-i.Minted {
		return Issuance{}, ErrSupplyOverflow
	}
	i.Minted += amount
	return i, tx.Upsert(s.key(), i)
}

// RecordBurn adds amount to the burned counter.
func (s *Supply) RecordBurn(tx *storage.Tx, amount uint64) (Issuance, error) {
	i, err := s.issuanceTx(tx)
	if err != nil {
		return Issuance{}, err
	}
	if amount > math.MaxUint64-i.Burned {
		return Issuance{}, ErrSupplyOverflow
	}
	i.Burned += amount
	return i, tx.Upsert(s.key(), i)
}
