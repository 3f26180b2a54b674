package storage

import (
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Name  string
	Value uint64
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertRetrieve(t *testing.T) {
	db := openTestDB(t)
	key := MakeKey(1, uint64(7))

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.Insert(key, entry{Name: "a", Value: 1})
	}))

	err := db.Update(func(tx *Tx) error {
		return tx.Insert(key, entry{Name: "b", Value: 2})
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	var got entry
	require.NoError(t, db.View(func(tx *Tx) error {
		return tx.Retrieve(key, &got)
	}))
	assert.Equal(t, entry{Name: "a", Value: 1}, got)
}

func TestRetrieveMissing(t *testing.T) {
	db := openTestDB(t)
	err := db.View(func(tx *Tx) error {
		var e entry
		return tx.Retrieve(MakeKey(9), &e)
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertExistsRemove(t *testing.T) {
	db := openTestDB(t)
	key := MakeKey(2, "name")

	require.NoError(t, db.Update(func(tx *Tx) error {
		if err := tx.Upsert(key, entry{Value: 1}); err != nil {
			return err
		}
		return tx.Upsert(key, entry{Value: 2})
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		ok, err := tx.Exists(key)
		require.NoError(t, err)
		require.True(t, ok)
		return tx.Remove(key)
	}))

	err := db.Update(func(tx *Tx) error { return tx.Remove(key) })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFailedUpdateRollsBack(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")
	key := MakeKey(3, uint64(1))

	err := db.Update(func(tx *Tx) error {
		if err := tx.Insert(key, entry{Value: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.View(func(tx *Tx) error {
		ok, err := tx.Exists(key)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// writeBehind commits a write to key from a second transaction, so the
// transaction that read key conflicts on commit.
func writeBehind(t *testing.T, db *DB, key []byte) {
	require.NoError(t, db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte{1})
	}))
}

func TestUpdateRetriesConflicts(t *testing.T) {
	db := openTestDB(t)
	watched := MakeKey(4, uint64(1))
	written := MakeKey(4, uint64(2))

	attempts := 0
	err := db.Update(func(tx *Tx) error {
		attempts++
		if _, err := tx.Exists(watched); err != nil {
			return err
		}
		if attempts == 1 {
			writeBehind(t, db, watched)
		}
		return tx.Upsert(written, entry{Value: 9})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	var got entry
	require.NoError(t, db.View(func(tx *Tx) error { return tx.Retrieve(written, &got) }))
	assert.Equal(t, uint64(9), got.Value)
}

func TestUpdateGivesUpOnPersistentConflict(t *testing.T) {
	db, err := Open(Options{InMemory: true, Logger: zerolog.Nop(), ConflictRetries: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	watched := MakeKey(5, uint64(1))
	written := MakeKey(5, uint64(2))

	attempts := 0
	err = db.Update(func(tx *Tx) error {
		attempts++
		if _, err := tx.Exists(watched); err != nil {
			return err
		}
		writeBehind(t, db, watched)
		return tx.Upsert(written, entry{Value: 1})
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, attempts)

	require.NoError(t, db.View(func(tx *Tx) error {
		ok, err := tx.Exists(written)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestIterateInKeyOrder(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		for _, seq := range []uint64{300, 2, 1000, 45} {
			if err := tx.Insert(MakeKey(4, uint64(99), seq), entry{Value: seq}); err != nil {
				return err
			}
		}
		// different prefix, must not show up
		return tx.Insert(MakeKey(4, uint64(100), uint64(1)), entry{Value: 0})
	}))

	var seen []uint64
	require.NoError(t, db.View(func(tx *Tx) error {
		return tx.Iterate(MakeKey(4, uint64(99)), func(_ []byte, decode Decoder) error {
			var e entry
			if err := decode(&e); err != nil {
				return err
			}
			seen = append(seen, e.Value)
			return nil
		})
	}))
	assert.Equal(t, []uint64{2, 45, 300, 1000}, seen)
}

func TestMakeKeyRejectsUnknownParts(t *testing.T) {
	assert.Panics(t, func() { MakeKey(1, 3.5) })
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0, 5, 'x'}, MakeKey(1, uint64(5), "x"))
}
