package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enygma/internal/ledger"
	"enygma/internal/storage"
)

var (
	tokenA    = ledger.ResourceID{0x0a}
	tokenCode = []byte("confidential-token/v1")
)

// counter is a Handler that records each applied payload in the store.
type counter struct {
	db *storage.DB
}

func (c *counter) HandleRelayed(_ context.Context, tx *storage.Tx, msg *Message) error {
	if string(msg.Payload) == "fail" {
		return errors.New("handler refused")
	}
	return tx.Upsert(storage.MakeKey(200, msg.ID[:]), msg.Payload)
}

// count returns how many messages were applied, from committed state only.
func (c *counter) count() int {
	n := 0
	_ = c.db.View(func(tx *storage.Tx) error {
		return tx.Iterate(storage.MakeKey(200), func([]byte, storage.Decoder) error {
			n++
			return nil
		})
	})
	return n
}

func newProtocol(t *testing.T, chain ledger.ChainID, factories *FactoryRegistry) *Protocol {
	t.Helper()
	db, err := storage.Open(storage.Options{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewProtocol(chain, db, factories, nil, zerolog.Nop())
}

func dispatch(t *testing.T, p *Protocol, dest ledger.ChainID, payload string, b *Bootstrap) MessageID {
	t.Helper()
	var id MessageID
	require.NoError(t, p.db.Update(func(tx *storage.Tx) error {
		var err error
		id, err = p.Dispatch(tx, dest, tokenA, KindSettlement, []byte(payload), b)
		return err
	}))
	return id
}

func TestMessageIDIsContentDerived(t *testing.T) {
	a := ComputeMessageID(1, 1, 2, tokenA, KindSettlement, []byte("x"))
	assert.Equal(t, a, ComputeMessageID(1, 1, 2, tokenA, KindSettlement, []byte("x")))
	assert.NotEqual(t, a, ComputeMessageID(1, 2, 2, tokenA, KindSettlement, []byte("x")))
	assert.NotEqual(t, a, ComputeMessageID(1, 1, 3, tokenA, KindSettlement, []byte("x")))
	assert.NotEqual(t, a, ComputeMessageID(1, 1, 2, tokenA, KindAck, []byte("x")))
	assert.NotEqual(t, a, ComputeMessageID(1, 1, 2, tokenA, KindSettlement, []byte("y")))
}

func TestDispatchWritesOutboxInOrder(t *testing.T) {
	p := newProtocol(t, 1, nil)
	first := dispatch(t, p, 2, "a", nil)
	second := dispatch(t, p, 3, "b", nil)
	assert.NotEqual(t, first, second)

	out, err := p.Outbox()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, first, out[0].ID)
	assert.Equal(t, uint64(1), out[0].Sequence)
	assert.Equal(t, second, out[1].ID)
	require.NoError(t, out[0].Validate())

	require.NoError(t, p.Prune(first))
	require.NoError(t, p.Prune(first))
	out, err = p.Outbox()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, second, out[0].ID)
}

func TestDispatchRollsBackWithCallerTransaction(t *testing.T) {
	p := newProtocol(t, 1, nil)
	boom := errors.New("boom")
	err := p.db.Update(func(tx *storage.Tx) error {
		if _, err := p.Dispatch(tx, 2, tokenA, KindSettlement, []byte("x"), nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	out, err := p.Outbox()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReceiveIsIdempotent(t *testing.T) {
	origin := newProtocol(t, 1, nil)
	dest := newProtocol(t, 2, nil)
	h := &counter{db: dest.db}
	dest.Register(tokenA, h)

	dispatch(t, origin, 2, "300", nil)
	out, err := origin.Outbox()
	require.NoError(t, err)
	msg := out[0]

	ctx := context.Background()
	require.NoError(t, dest.Receive(ctx, &msg))
	require.ErrorIs(t, dest.Receive(ctx, &msg), ErrAlreadyProcessed)
	assert.Equal(t, 1, h.count())

	ok, err := dest.Processed().Contains(msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// processed sets are per chain
	other := newProtocol(t, 3, nil)
	ok, err = other.Processed().Contains(msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReceiveConcurrentDuplicates(t *testing.T) {
	origin := newProtocol(t, 1, nil)
	dest := newProtocol(t, 2, nil)
	h := &counter{db: dest.db}
	dest.Register(tokenA, h)
	dispatch(t, origin, 2, "x", nil)
	out, err := origin.Outbox()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := out[0]
			err := dest.Receive(context.Background(), &msg)
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyProcessed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.count())
}

func TestReceiveRejections(t *testing.T) {
	origin := newProtocol(t, 1, nil)
	dest := newProtocol(t, 2, nil)
	ctx := context.Background()

	dispatch(t, origin, 3, "x", nil)
	dispatch(t, origin, 2, "y", nil)
	dispatch(t, origin, 2, "fail", nil)
	out, err := origin.Outbox()
	require.NoError(t, err)

	require.ErrorIs(t, dest.Receive(ctx, &out[0]), ErrWrongDestination)
	require.ErrorIs(t, dest.Receive(ctx, &out[1]), ErrUnknownResource)

	tampered := out[1]
	tampered.Payload = []byte("z")
	require.ErrorIs(t, dest.Receive(ctx, &tampered), ErrInvalidMessage)

	// a failing handler leaves the message unprocessed
	dest.Register(tokenA, &counter{db: dest.db})
	require.Error(t, dest.Receive(ctx, &out[2]))
	ok, err := dest.Processed().Contains(out[2].ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBootstrapIsDeterministic(t *testing.T) {
	var created []Address
	factories := NewFactoryRegistry()
	factories.Register(tokenCode, func(_ context.Context, _ ledger.ResourceID, addr Address, params []byte) (Handler, error) {
		if string(params) == "bad" {
			return nil, errors.New("bad init params")
		}
		created = append(created, addr)
		return &counter{}, nil
	})

	origin := newProtocol(t, 1, nil)
	destA := newProtocol(t, 2, factories)
	destB := newProtocol(t, 3, factories)
	b := &Bootstrap{Code: tokenCode, InitParams: []byte("name=T")}
	ctx := context.Background()

	dispatch(t, origin, BroadcastChain, "first", b)
	dispatch(t, origin, BroadcastChain, "second", b)
	out, err := origin.Outbox()
	require.NoError(t, err)

	require.NoError(t, destA.Receive(ctx, &out[0]))
	require.NoError(t, destA.Receive(ctx, &out[1]))
	require.NoError(t, destB.Receive(ctx, &out[0]))
	require.Len(t, created, 2)

	want := DeriveAddress(tokenA, tokenCode, []byte("name=T"))
	assert.Equal(t, want, created[0])
	assert.Equal(t, want, created[1])
	addr, ok := destA.AddressOf(tokenA)
	require.True(t, ok)
	assert.Equal(t, want, addr)

	// restart: the deployment is re-instantiated from the store
	restarted := NewProtocol(2, destA.db, factories, nil, zerolog.Nop())
	n, err := restarted.RestoreDeployments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = restarted.Resolve(tokenA)
	assert.True(t, ok)
}

func TestBootstrapFailures(t *testing.T) {
	factories := NewFactoryRegistry()
	factories.Register(tokenCode, func(context.Context, ledger.ResourceID, Address, []byte) (Handler, error) {
		return nil, errors.New("bad init params")
	})
	origin := newProtocol(t, 1, nil)
	dest := newProtocol(t, 2, factories)
	ctx := context.Background()

	dispatch(t, origin, 2, "x", &Bootstrap{Code: []byte("unknown")})
	dispatch(t, origin, 2, "y", &Bootstrap{Code: tokenCode})
	out, err := origin.Outbox()
	require.NoError(t, err)

	for i := range out {
		require.ErrorIs(t, dest.Receive(ctx, &out[i]), ErrBootstrapFailed)
		ok, err := dest.Processed().Contains(out[i].ID)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	_, ok := dest.Resolve(tokenA)
	assert.False(t, ok)
}

// flaky fails deliveries to one chain until healed.
type flaky struct {
	inner  Transport
	broken ledger.ChainID
	healed bool
}

func (f *flaky) Deliver(ctx context.Context, dest ledger.ChainID, msg *Message) error {
	if dest == f.broken && !f.healed {
		return errors.New("link down")
	}
	return f.inner.Deliver(ctx, dest, msg)
}

func TestRelayerBroadcastHealsPartialFanOut(t *testing.T) {
	ctx := context.Background()
	local := NewLocalTransport()
	transport := &flaky{inner: local, broken: 3}
	relayer := NewRelayer(transport, zerolog.Nop())

	handlers := map[ledger.ChainID]*counter{}
	var origin *Protocol
	for _, chain := range []ledger.ChainID{1, 2, 3, 4} {
		p := newProtocol(t, chain, nil)
		h := &counter{db: p.db}
		p.Register(tokenA, h)
		handlers[chain] = h
		local.Attach(chain, p)
		relayer.AddSource(p)
		if chain == 1 {
			origin = p
		}
	}

	dispatch(t, origin, BroadcastChain, "hello", nil)

	n, err := relayer.Pump(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, handlers[1].count())
	assert.Equal(t, 1, handlers[2].count())
	assert.Equal(t, 0, handlers[3].count())
	assert.Equal(t, 1, handlers[4].count())

	out, err := origin.Outbox()
	require.NoError(t, err)
	assert.Len(t, out, 1, "undelivered broadcast stays queued")

	transport.healed = true
	n, err = relayer.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, chain := range []ledger.ChainID{2, 3, 4} {
		assert.Equal(t, 1, handlers[chain].count(), "chain %d", chain)
	}

	out, err = origin.Outbox()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRelayerTreatsDuplicatesAsDelivered(t *testing.T) {
	ctx := context.Background()
	local := NewLocalTransport()
	relayer := NewRelayer(local, zerolog.Nop())
	origin := newProtocol(t, 1, nil)
	dest := newProtocol(t, 2, nil)
	h := &counter{db: dest.db}
	dest.Register(tokenA, h)
	local.Attach(2, dest)
	relayer.AddSource(origin)
	relayer.AddPeer(2)

	dispatch(t, origin, 2, "x", nil)
	out, err := origin.Outbox()
	require.NoError(t, err)
	// delivered out of band first
	require.NoError(t, dest.Receive(ctx, &out[0]))

	n, err := relayer.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.count())

	err = NewLocalTransport().Deliver(ctx, 9, &out[0])
	require.ErrorIs(t, err, ErrUnknownChain)
}

func TestResourcesAreSorted(t *testing.T) {
	p := newProtocol(t, 1, nil)
	assert.Empty(t, p.Resources())

	p.Register(ledger.ResourceID{0x0c}, &counter{})
	p.Register(tokenA, &counter{})
	p.Register(ledger.ResourceID{0x0b}, &counter{})
	assert.Equal(t, []ledger.ResourceID{tokenA, {0x0b}, {0x0c}}, p.Resources())
}
