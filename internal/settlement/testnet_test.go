package settlement_test

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/relay"
	"enygma/internal/settlement"
	"enygma/internal/storage"
)

const admin = "issuer"

var tokenParams = settlement.TokenParams{Name: "Confidential Dollar", Symbol: "CUSD"}

// conservationVerifier accepts any statement whose commitments sum to the
// identity, standing in for a real proof system.
type conservationVerifier struct {
	mu     sync.Mutex
	reject bool
	seen   []*settlement.Statement
}

func (v *conservationVerifier) Verify(_ context.Context, st *settlement.Statement) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = append(v.seen, st)
	if v.reject {
		return false, nil
	}
	return commitment.Sum(st.Commitments...).IsIdentity(), nil
}

func (v *conservationVerifier) setReject(reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reject = reject
}

// testnet runs several chains in one process.
type testnet struct {
	t         *testing.T
	ctx       context.Context
	transport *relay.LocalTransport
	relayer   *relay.Relayer
	freeze    *settlement.FreezeList
	verifier  *conservationVerifier
	protocols map[ledger.ChainID]*relay.Protocol
	dbs       map[ledger.ChainID]*storage.DB
	resource  ledger.ResourceID
}

// newTestnet starts every chain in chains and deploys the token on those
// listed in deployed. The others get it through relay bootstrap.
func newTestnet(t *testing.T, chains []ledger.ChainID, deployed ...ledger.ChainID) *testnet {
	t.Helper()
	net := &testnet{
		t:         t,
		ctx:       context.Background(),
		transport: relay.NewLocalTransport(),
		freeze:    settlement.NewFreezeList(),
		verifier:  &conservationVerifier{},
		protocols: make(map[ledger.ChainID]*relay.Protocol),
		dbs:       make(map[ledger.ChainID]*storage.DB),
		resource:  settlement.ResourceIDFor(tokenParams.Name, tokenParams.Symbol),
	}
	net.relayer = relay.NewRelayer(net.transport, zerolog.Nop())

	isDeployed := make(map[ledger.ChainID]bool)
	for _, c := range deployed {
		isDeployed[c] = true
	}

	for _, chain := range chains {
		db, err := storage.Open(storage.Options{InMemory: true, Logger: zerolog.Nop()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		factories := relay.NewFactoryRegistry()
		p := relay.NewProtocol(chain, db, factories, nil, zerolog.Nop())
		deps := settlement.Deps{
			DB:         db,
			Protocol:   p,
			Verifier:   net.verifier,
			Authorizer: settlement.NewStaticAuthorizer(admin),
			Freeze:     net.freeze,
			Log:        zerolog.Nop(),
		}
		settlement.RegisterFactory(factories, deps)

		if isDeployed[chain] {
			e, err := settlement.New(settlement.Config{
				Chain:  chain,
				Name:   tokenParams.Name,
				Symbol: tokenParams.Symbol,
			}, deps)
			require.NoError(t, err)
			p.Register(e.Resource(), e)
		}

		net.protocols[chain] = p
		net.dbs[chain] = db
		net.transport.Attach(chain, p)
		net.relayer.AddSource(p)
	}
	return net
}

func (n *testnet) engine(chain ledger.ChainID) *settlement.Engine {
	n.t.Helper()
	e, ok := settlement.EngineFor(n.protocols[chain], n.resource)
	require.True(n.t, ok, "token not deployed on chain %d", chain)
	return e
}

func (n *testnet) deployed(chain ledger.ChainID) bool {
	_, ok := settlement.EngineFor(n.protocols[chain], n.resource)
	return ok
}

// relayAll pumps until every outbox is empty.
func (n *testnet) relayAll() {
	n.t.Helper()
	for i := 0; i < 10; i++ {
		delivered, err := n.relayer.Pump(n.ctx)
		require.NoError(n.t, err)
		if delivered == 0 {
			return
		}
	}
	n.t.Fatal("relay did not quiesce")
}

func (n *testnet) finalize(chain ledger.ChainID, block uint64) []settlement.AppliedDelta {
	n.t.Helper()
	applied, err := n.engine(chain).FinalizeBlock(n.ctx, block)
	require.NoError(n.t, err)
	return applied
}

func (n *testnet) mint(chain ledger.ChainID, amount uint64) {
	n.t.Helper()
	_, err := n.engine(chain).Mint(n.ctx, admin, chain, amount)
	require.NoError(n.t, err)
}

func (n *testnet) balance(chain ledger.ChainID) commitment.Commitment {
	n.t.Helper()
	b, err := n.engine(chain).GetBalanceFinalised(chain)
	require.NoError(n.t, err)
	return b.Commitment
}

// leg is one chain's signed share of a transfer.
type leg struct {
	chain    ledger.ChainID
	amount   int64
	blinding int64
}

// amountCommitment commits to a signed amount, negative values wrapping
// modulo the group order.
func amountCommitment(amount, blinding int64) commitment.Commitment {
	v := big.NewInt(amount)
	r := big.NewInt(blinding)
	if amount < 0 {
		v.Add(v, commitment.Order())
	}
	if blinding < 0 {
		r.Add(r, commitment.Order())
	}
	return commitment.Commit(v, r)
}

func nullifier(b byte) ledger.Nullifier {
	return ledger.Nullifier{0xee, b}
}

func transferRequest(n ledger.Nullifier, legs ...leg) settlement.TransferRequest {
	req := settlement.TransferRequest{DestCount: len(legs), Nullifier: n, Proof: []byte("proof")}
	for _, l := range legs {
		req.ChainIDs = append(req.ChainIDs, l.chain)
		req.Commitments = append(req.Commitments, amountCommitment(l.amount, l.blinding))
	}
	return req
}
