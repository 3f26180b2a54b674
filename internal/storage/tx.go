// tx.go - Typed operations on a badger transaction; values are CBOR encoded.

package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/fxamacker/cbor/v2"
)

// Tx is a handle on an open transaction. It is only valid inside the
// callback passed to DB.Update or DB.View.
type Tx struct {
	txn *badger.Txn
}

// Insert encodes entity under key. It fails with ErrAlreadyExists if the key
// is present.
func (t *Tx) Insert(key []byte, entity interface{}) error {
	_, err := t.txn.Get(key)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("could not check key: %w", err)
	}
	return t.set(key, entity)
}

// Upsert encodes entity under key, replacing any previous value.
func (t *Tx) Upsert(key []byte, entity interface{}) error {
	return t.set(key, entity)
}

func (t *Tx) set(key []byte, entity interface{}) error {
	val, err := cbor.Marshal(entity)
	if err != nil {
		return fmt.Errorf("could not encode entity: %w", err)
	}
	if err := t.txn.Set(key, val); err != nil {
		return fmt.Errorf("could not store data: %w", err)
	}
	return nil
}

// Retrieve decodes the value under key into entity, which must be a pointer.
func (t *Tx) Retrieve(key []byte, entity interface{}) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("could not load data: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, entity)
	})
	if err != nil {
		return fmt.Errorf("could not decode entity: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (t *Tx) Exists(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not check existence: %w", err)
	}
	return true, nil
}

// Remove deletes key. It fails with ErrNotFound if the key is absent.
func (t *Tx) Remove(key []byte) error {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("could not remove %x: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("could not check key: %w", err)
	}
	return t.txn.Delete(key)
}

// Decoder decodes the value at the current iteration step.
type Decoder func(entity interface{}) error

// Iterate calls fn for every key with the given prefix in ascending key order.
// Returning a non-nil error from fn stops the iteration and is passed through.
// Keys handed to fn are copies and may be retained.
func (t *Tx) Iterate(prefix []byte, fn func(key []byte, decode Decoder) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		decode := func(entity interface{}) error {
			return item.Value(func(val []byte) error {
				if err := cbor.Unmarshal(val, entity); err != nil {
					return fmt.Errorf("could not decode entity at %x: %w", key, err)
				}
				return nil
			})
		}
		if err := fn(key, decode); err != nil {
			return err
		}
	}
	return nil
}
