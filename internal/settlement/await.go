// await.go - Polling helpers for callers waiting on cross-chain settlement.
//
// Finalization is driven by block production, never by these helpers; they
// only read.

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
)

// ErrNotSettled is returned when the awaited condition did not hold within
// the retry budget.
var ErrNotSettled = errors.New("not settled")

// Backoff bounds a wait.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts uint64
}

// DefaultBackoff polls for roughly half a minute.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 50 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 20}
}

func (b Backoff) policy() retry.Backoff {
	initial := b.Initial
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	policy := retry.NewExponential(initial)
	if b.Max > 0 {
		policy = retry.WithCappedDuration(b.Max, policy)
	}
	return retry.WithMaxRetries(b.MaxAttempts, policy)
}

// BalanceReader reads finalized balances.
type BalanceReader interface {
	GetBalanceFinalised(chain ledger.ChainID) (ledger.ChainBalance, error)
}

// SettlementReader reads origin-side settlement records.
type SettlementReader interface {
	SettlementStatus(n ledger.Nullifier) (ledger.SettlementRecord, error)
}

// AwaitBalance polls r until chain's finalized balance equals want.
func AwaitBalance(ctx context.Context, r BalanceReader, chain ledger.ChainID, want commitment.Commitment, b Backoff) (ledger.ChainBalance, error) {
	var last ledger.ChainBalance
	err := retry.Do(ctx, b.policy(), func(ctx context.Context) error {
		bal, err := r.GetBalanceFinalised(chain)
		if err != nil {
			return err
		}
		last = bal
		if !bal.Commitment.Equal(want) {
			return retry.RetryableError(fmt.Errorf("chain %s: %w", chain, ErrNotSettled))
		}
		return nil
	})
	return last, err
}

// AwaitSettled polls r until the transfer spending n is fully finalized.
func AwaitSettled(ctx context.Context, r SettlementReader, n ledger.Nullifier, b Backoff) (ledger.SettlementRecord, error) {
	var last ledger.SettlementRecord
	err := retry.Do(ctx, b.policy(), func(ctx context.Context) error {
		rec, err := r.SettlementStatus(n)
		if errors.Is(err, ledger.ErrSettlementNotFound) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		last = rec
		if rec.Status != ledger.StatusFullyFinalized {
			return retry.RetryableError(fmt.Errorf("%s is %s: %w", n, rec.Status, ErrNotSettled))
		}
		return nil
	})
	return last, err
}
