package ledger

import (
	"math"
	"math/big"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enygma/internal/commitment"
	"enygma/internal/storage"
)

var testResource = ResourceID{0xaa}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Options{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNullifierConsumeOnce(t *testing.T) {
	db := openDB(t)
	l := NewNullifierLedger(db, testResource)
	n := Nullifier{1}

	used, err := l.IsUsed(n)
	require.NoError(t, err)
	assert.False(t, used)

	require.NoError(t, db.Update(func(tx *storage.Tx) error { return l.Consume(tx, n, 1) }))
	err = db.Update(func(tx *storage.Tx) error { return l.Consume(tx, n, 2) })
	require.ErrorIs(t, err, ErrNullifierUsed)

	used, err = l.IsUsed(n)
	require.NoError(t, err)
	assert.True(t, used)

	// scoped per resource
	other := NewNullifierLedger(db, ResourceID{0xbb})
	used, err = other.IsUsed(n)
	require.NoError(t, err)
	assert.False(t, used)
}

func TestNullifierConcurrentConsume(t *testing.T) {
	db := openDB(t)
	l := NewNullifierLedger(db, testResource)
	n := Nullifier{7}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Update(func(tx *storage.Tx) error { return l.Consume(tx, n, 1) })
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrNullifierUsed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestBalanceStore(t *testing.T) {
	db := openDB(t)
	s := NewBalanceStore(db, testResource)

	b, err := s.GetFinalized(5)
	require.NoError(t, err)
	assert.True(t, b.Commitment.IsIdentity())
	assert.Zero(t, b.LastFinalizedBlock)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		if _, err := s.ApplyDelta(tx, 5, commitment.CommitUint64(1000, 0), 3); err != nil {
			return err
		}
		_, err := s.ApplyDelta(tx, 5, commitment.Negate(commitment.CommitUint64(300, 0)), 2)
		return err
	}))

	b, err = s.GetFinalized(5)
	require.NoError(t, err)
	assert.True(t, b.Commitment.Equal(commitment.CommitUint64(700, 0)))
	assert.Equal(t, uint64(3), b.LastFinalizedBlock)

	chains, err := s.Chains()
	require.NoError(t, err)
	assert.Equal(t, []ChainID{5}, chains)
}

func TestPendingQueueOrderAndDrain(t *testing.T) {
	db := openDB(t)
	q := NewPendingQueue(db, testResource)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		for i, readyAt := range []uint64{5, 3, 7, 3} {
			p, err := q.Enqueue(tx, PendingTransaction{Nullifier: Nullifier{byte(i + 1)}, ReadyAt: readyAt})
			if err != nil {
				return err
			}
			assert.Equal(t, uint64(i+1), p.Sequence)
		}
		return nil
	}))

	all, err := q.ListPending()
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, p := range all {
		assert.Equal(t, byte(i+1), p.Nullifier[0])
	}

	var drained []PendingTransaction
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		drained, err = q.DrainFinalizableAt(tx, 6)
		return err
	}))
	require.Len(t, drained, 3)
	assert.Equal(t, []byte{1, 2, 4}, []byte{drained[0].Nullifier[0], drained[1].Nullifier[0], drained[2].Nullifier[0]})

	rest, err := q.ListPending()
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(7), rest[0].ReadyAt)

	// draining the same block again is a no-op
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		drained, err = q.DrainFinalizableAt(tx, 6)
		return err
	}))
	assert.Empty(t, drained)
}

func TestPendingRoundTripsDeltas(t *testing.T) {
	db := openDB(t)
	q := NewPendingQueue(db, testResource)
	want := PendingTransaction{
		Nullifier:   Nullifier{9},
		Origin:      1,
		OriginBlock: 4,
		ReadyAt:     4,
		Deltas: []Delta{
			{Chain: 1, Commitment: commitment.Negate(commitment.CommitUint64(300, 0))},
			{Chain: 2, Commitment: commitment.CommitUint64(300, 0), Note: []byte("note")},
		},
	}
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		_, err := q.Enqueue(tx, want)
		return err
	}))
	got, err := q.ListPending()
	require.NoError(t, err)
	require.Len(t, got, 1)

	d, ok := got[0].DeltaFor(2)
	require.True(t, ok)
	assert.True(t, d.Commitment.Equal(commitment.CommitUint64(300, 0)))
	assert.Equal(t, []byte("note"), d.Note)
	_, ok = got[0].DeltaFor(3)
	assert.False(t, ok)
}

func TestProcessedDeltas(t *testing.T) {
	db := openDB(t)
	p := NewProcessedDeltas(testResource)
	n := Nullifier{3}

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		first, err := p.MarkApplied(tx, n, 1, 10)
		require.NoError(t, err)
		assert.True(t, first)

		again, err := p.MarkApplied(tx, n, 1, 11)
		require.NoError(t, err)
		assert.False(t, again)

		other, err := p.MarkApplied(tx, n, 2, 10)
		require.NoError(t, err)
		assert.True(t, other)
		return nil
	}))
}

func TestSupply(t *testing.T) {
	db := openDB(t)
	s := NewSupply(db, testResource)

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		_, err := s.RecordMint(tx, 1000)
		return err
	}))
	// a chain may burn value it received by transfer
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		i, err := s.RecordBurn(tx, 1400)
		assert.Equal(t, Issuance{Minted: 1000, Burned: 1400}, i)
		return err
	}))
	i, err := s.Issuance()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(-400), i.Net())

	err = db.Update(func(tx *storage.Tx) error {
		_, err := s.RecordMint(tx, math.MaxUint64)
		return err
	})
	require.ErrorIs(t, err, ErrSupplyOverflow)
	i, err = s.Issuance()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), i.Minted)
}

func TestSettlementLifecycle(t *testing.T) {
	db := openDB(t)
	l := NewSettlementLog(db, testResource)
	n := Nullifier{4}

	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		return l.Create(tx, n, 1, []ChainID{1, 2, 3})
	}))
	rec, err := l.Get(n)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, rec.Status)

	mark := func(chain ChainID) (SettlementRecord, bool) {
		var (
			rec     SettlementRecord
			changed bool
		)
		require.NoError(t, db.Update(func(tx *storage.Tx) error {
			var err error
			rec, changed, err = l.MarkFinalized(tx, n, chain)
			return err
		}))
		return rec, changed
	}

	rec, changed := mark(1)
	assert.True(t, changed)
	assert.Equal(t, StatusPartiallyFinalized, rec.Status)

	_, changed = mark(1)
	assert.False(t, changed)
	_, changed = mark(9)
	assert.False(t, changed)

	mark(3)
	rec, _ = mark(2)
	assert.Equal(t, StatusFullyFinalized, rec.Status)
	assert.ElementsMatch(t, []ChainID{1, 2, 3}, rec.Finalized)

	_, err = l.Get(Nullifier{5})
	require.ErrorIs(t, err, ErrSettlementNotFound)
}

func TestParseIdentifiers(t *testing.T) {
	n := Nullifier{0xde, 0xad}
	back, err := ParseNullifier("0x" + n.String())
	require.NoError(t, err)
	assert.Equal(t, n, back)

	_, err = ParseResourceID("abcd")
	require.Error(t, err)
}
