// db.go - Badger-backed key/value store holding one chain node's state.
//
// Every mutation runs inside Update; a single Update is the atomicity unit, so
// a nullifier consumption, the pending entry it creates and the relay messages
// it dispatches either all land or none do.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// DefaultConflictRetries is how many times Update retries a commit that lost
// an optimistic-concurrency race.
const DefaultConflictRetries = 8

// Options configures Open.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   zerolog.Logger
	// ConflictRetries bounds Update's retries on conflict. Zero means
	// DefaultConflictRetries.
	ConflictRetries uint64
}

// DB wraps a badger database.
type DB struct {
	db      *badger.DB
	log     zerolog.Logger
	retries uint64
}

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*DB, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else if opts.Dir == "" {
		return nil, errors.New("storage: data directory required")
	}

	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger db: %w", err)
	}

	log := opts.Logger.With().Str("component", "storage").Logger()
	log.Debug().Str("dir", opts.Dir).Bool("in_memory", opts.InMemory).Msg("database opened")
	retries := opts.ConflictRetries
	if retries == 0 {
		retries = DefaultConflictRetries
	}
	return &DB{db: bdb, log: log, retries: retries}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Update runs fn in a read-write transaction and commits it when fn returns
// nil. Commits that lose an optimistic-concurrency race are retried with a
// short exponential backoff; once the retries run out Update returns
// ErrConflict and nothing was written.
func (d *DB) Update(fn func(*Tx) error) error {
	policy := retry.WithMaxRetries(d.retries, retry.WithCappedDuration(100*time.Millisecond, retry.NewExponential(time.Millisecond)))
	attempts := 0
	err := retry.Do(context.Background(), policy, func(context.Context) error {
		attempts++
		err := d.db.Update(func(txn *badger.Txn) error {
			return fn(&Tx{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) {
			d.log.Debug().Int("attempt", attempts).Msg("transaction conflict, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, badger.ErrConflict) {
		d.log.Warn().Int("attempts", attempts).Msg("giving up on conflicting transaction")
		return fmt.Errorf("%w after %d attempts", ErrConflict, attempts)
	}
	return err
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(*Tx) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}
