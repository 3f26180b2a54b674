// finalize.go - Folding pending deltas into finalized balances.

package settlement

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/relay"
	"enygma/internal/storage"
)

// AppliedDelta is one delta folded into a balance by FinalizeBlock.
type AppliedDelta struct {
	Nullifier  ledger.Nullifier      `json:"nullifier"`
	Origin     ledger.ChainID        `json:"origin"`
	Chain      ledger.ChainID        `json:"chain"`
	Commitment commitment.Commitment `json:"commitment"`
	Block      uint64                `json:"block"`
}

// FinalizeBlock advances the chain to block and applies, in insertion order,
// the local delta of every pending entry recorded before it. Deltas relayed
// from other chains are acknowledged to their origin. Calling it again with
// the same or an older block applies nothing.
func (e *Engine) FinalizeBlock(ctx context.Context, block uint64) ([]AppliedDelta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		applied   []AppliedDelta
		remaining int
		completed int
	)
	err := e.db.Update(func(tx *storage.Tx) error {
		applied, completed = nil, 0
		current, err := e.currentBlockTx(tx)
		if err != nil {
			return err
		}
		if block <= current {
			return nil
		}

		ready, err := e.pending.DrainFinalizableAt(tx, block)
		if err != nil {
			return err
		}
		for _, p := range ready {
			d, ok := p.DeltaFor(e.cfg.Chain)
			if !ok {
				continue
			}
			fresh, err := e.processed.MarkApplied(tx, p.Nullifier, e.cfg.Chain, block)
			if err != nil {
				return err
			}
			if !fresh {
				continue
			}
			if _, err := e.balances.ApplyDelta(tx, e.cfg.Chain, d.Commitment, block); err != nil {
				return err
			}
			applied = append(applied, AppliedDelta{
				Nullifier:  p.Nullifier,
				Origin:     p.Origin,
				Chain:      e.cfg.Chain,
				Commitment: d.Commitment,
				Block:      block,
			})

			if p.Origin == e.cfg.Chain {
				rec, _, err := e.settlements.MarkFinalized(tx, p.Nullifier, e.cfg.Chain)
				if err != nil {
					return err
				}
				if rec.Status == ledger.StatusFullyFinalized {
					completed++
				}
				continue
			}
			if err := e.acknowledge(tx, p, block); err != nil {
				return err
			}
		}

		if err := tx.Upsert(e.blockKey(), block); err != nil {
			return fmt.Errorf("could not advance block: %w", err)
		}
		left, err := e.pending.ListPendingTx(tx)
		if err != nil {
			return err
		}
		remaining = len(left)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not finalize block %d: %w", block, err)
	}

	for i := 0; i < completed; i++ {
		e.metrics.SettlementCompleted()
	}
	for _, d := range applied {
		e.metrics.DeltaFinalized()
		e.log.Debug().
			Str("nullifier", d.Nullifier.String()).
			Uint64("origin", uint64(d.Origin)).
			Uint64("block", block).
			Msg("delta finalized")
	}
	if len(applied) > 0 {
		e.metrics.PendingTransactions(remaining)
		e.log.Info().Uint64("block", block).Int("applied", len(applied)).Msg("block finalized")
	}
	return applied, nil
}

func (e *Engine) acknowledge(tx *storage.Tx, p ledger.PendingTransaction, block uint64) error {
	payload, err := cbor.Marshal(ackPayload{
		Nullifier: p.Nullifier,
		Chain:     e.cfg.Chain,
		Block:     block,
	})
	if err != nil {
		return fmt.Errorf("could not encode acknowledgement: %w", err)
	}
	_, err = e.protocol.Dispatch(tx, p.Origin, e.cfg.Resource, relay.KindAck, payload, nil)
	return err
}
