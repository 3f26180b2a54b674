// relayed.go - Applying messages relayed from other chains.

package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/relay"
	"enygma/internal/storage"
)

// settlementPayload carries one chain's share of a transfer.
type settlementPayload struct {
	Nullifier   ledger.Nullifier      `cbor:"1,keyasint"`
	Chain       ledger.ChainID        `cbor:"2,keyasint"`
	OriginBlock uint64                `cbor:"3,keyasint"`
	Delta       commitment.Commitment `cbor:"4,keyasint"`
	Note        []byte                `cbor:"5,keyasint,omitempty"`
}

// ackPayload reports that Chain finalized its share of Nullifier.
type ackPayload struct {
	Nullifier ledger.Nullifier `cbor:"1,keyasint"`
	Chain     ledger.ChainID   `cbor:"2,keyasint"`
	Block     uint64           `cbor:"3,keyasint"`
}

// HandleRelayed implements relay.Handler. It runs inside the store
// transaction that marks msg processed.
func (e *Engine) HandleRelayed(ctx context.Context, tx *storage.Tx, msg *relay.Message) error {
	switch msg.Kind {
	case relay.KindSettlement:
		return e.receiveSettlement(tx, msg)
	case relay.KindAck:
		return e.receiveAck(tx, msg)
	default:
		return fmt.Errorf("%w: unexpected kind %s", ErrInvalidPayload, msg.Kind)
	}
}

func (e *Engine) receiveSettlement(tx *storage.Tx, msg *relay.Message) error {
	var p settlementPayload
	if err := cbor.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Chain != e.cfg.Chain {
		return fmt.Errorf("%w: delta for chain %s delivered to %s", ErrInvalidPayload, p.Chain, e.cfg.Chain)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	applied, err := e.processed.IsApplied(tx, p.Nullifier, e.cfg.Chain)
	if err != nil {
		return err
	}
	if applied {
		e.log.Debug().Str("nullifier", p.Nullifier.String()).Msg("delta already applied, ignoring")
		return nil
	}
	block, err := e.currentBlockTx(tx)
	if err != nil {
		return err
	}
	_, err = e.pending.Enqueue(tx, ledger.PendingTransaction{
		Nullifier:   p.Nullifier,
		Origin:      msg.Origin,
		OriginBlock: p.OriginBlock,
		ReadyAt:     block,
		Deltas:      []ledger.Delta{{Chain: e.cfg.Chain, Commitment: p.Delta, Note: p.Note}},
	})
	if err != nil {
		return err
	}
	e.log.Debug().
		Str("nullifier", p.Nullifier.String()).
		Uint64("origin", uint64(msg.Origin)).
		Msg("relayed delta recorded")
	return nil
}

func (e *Engine) receiveAck(tx *storage.Tx, msg *relay.Message) error {
	var p ackPayload
	if err := cbor.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Chain != msg.Origin {
		return fmt.Errorf("%w: acknowledgement for chain %s sent by %s", ErrInvalidPayload, p.Chain, msg.Origin)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, changed, err := e.settlements.MarkFinalized(tx, p.Nullifier, p.Chain)
	if errors.Is(err, ledger.ErrSettlementNotFound) {
		// nothing to track; the ack is consumed so it is not redelivered
		e.log.Warn().Str("nullifier", p.Nullifier.String()).Msg("acknowledgement for unknown transfer")
		return nil
	}
	if err != nil {
		return err
	}
	if changed && rec.Status == ledger.StatusFullyFinalized {
		e.metrics.SettlementCompleted()
	}
	e.log.Debug().
		Str("nullifier", p.Nullifier.String()).
		Uint64("chain", uint64(p.Chain)).
		Str("status", rec.Status.String()).
		Msg("settlement acknowledged")
	return nil
}
