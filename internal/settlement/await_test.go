package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/settlement"
)

func fastBackoff(attempts uint64) settlement.Backoff {
	return settlement.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestAwaitSettlementWhileBlocksAdvance(t *testing.T) {
	net := newTestnet(t, []ledger.ChainID{1, 2}, 1)
	net.mint(1, 100)
	_, err := net.engine(1).Transfer(net.ctx, "a", transferRequest(nullifier(1), leg{1, -25, 0}, leg{2, 25, 0}))
	require.NoError(t, err)

	// produce blocks and relay in the background
	done := make(chan struct{})
	go func() {
		defer close(done)
		for block := uint64(1); block <= 3; block++ {
			time.Sleep(5 * time.Millisecond)
			_, _ = net.engine(1).FinalizeBlock(net.ctx, block)
			_, _ = net.relayer.Pump(net.ctx)
			if e, ok := settlement.EngineFor(net.protocols[2], net.resource); ok {
				_, _ = e.FinalizeBlock(net.ctx, block)
			}
			_, _ = net.relayer.Pump(net.ctx)
		}
	}()

	rec, err := settlement.AwaitSettled(net.ctx, net.engine(1), nullifier(1), fastBackoff(200))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFullyFinalized, rec.Status)
	<-done

	bal, err := settlement.AwaitBalance(net.ctx, net.engine(2), 2, commitment.CommitUint64(25, 0), fastBackoff(5))
	require.NoError(t, err)
	assert.True(t, bal.Commitment.Equal(commitment.CommitUint64(25, 0)))
}

func TestAwaitGivesUp(t *testing.T) {
	net := newTestnet(t, []ledger.ChainID{1}, 1)

	_, err := settlement.AwaitBalance(net.ctx, net.engine(1), 1, commitment.CommitUint64(1, 0), fastBackoff(3))
	require.ErrorIs(t, err, settlement.ErrNotSettled)

	ctx, cancel := context.WithCancel(net.ctx)
	cancel()
	_, err = settlement.AwaitSettled(ctx, net.engine(1), nullifier(1), fastBackoff(100))
	require.ErrorIs(t, err, context.Canceled)

	// polling never mutates state
	block, err := net.engine(1).CurrentBlock()
	require.NoError(t, err)
	assert.Zero(t, block)
}
