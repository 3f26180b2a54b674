package relay

import (
	"enygma/internal/ledger"
	"enygma/internal/storage"
)

// ProcessedMessageSet holds the ids of messages executed on one chain. It
// lives in that chain's database and is written only by Protocol.Receive.
type ProcessedMessageSet struct {
	db *storage.DB
}

type processedRecord struct {
	Origin ledger.ChainID
}

func processedKey(id MessageID) []byte {
	return storage.MakeKey(codeProcessed, id[:])
}

// NewProcessedMessageSet returns the set stored in db.
func NewProcessedMessageSet(db *storage.DB) *ProcessedMessageSet {
	return &ProcessedMessageSet{db: db}
}

// ContainsTx reports whether id was processed, inside an open transaction.
func (s *ProcessedMessageSet) ContainsTx(tx *storage.Tx, id MessageID) (bool, error) {
	return tx.Exists(processedKey(id))
}

// Contains reports whether id was processed.
func (s *ProcessedMessageSet) Contains(id MessageID) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *storage.Tx) error {
		var err error
		ok, err = s.ContainsTx(tx, id)
		return err
	})
	return ok, err
}

func (s *ProcessedMessageSet) mark(tx *storage.Tx, msg *Message) error {
	return tx.Insert(processedKey(msg.ID), processedRecord{Origin: msg.Origin})
}
