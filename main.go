// main.go - In-process walkthrough of a confidential cross-chain transfer.
//
// Three chains run in one process with in-memory storage. A token deployed on
// chain 1 is minted there, then Alice sends part of her balance to Bob on
// chain 2 with a Groth16 proof and sealed notes. Chain 2 learns about the
// token through relay bootstrap, both chains finalize, and the origin waits
// for the settlement to complete.
//
// Usage:
//
//	go run . [-keys keys] [-amount 30]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/rs/zerolog"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/notes"
	"enygma/internal/proof"
	"enygma/internal/relay"
	"enygma/internal/settlement"
	"enygma/internal/storage"
)

const issuer = "issuer"

var demoToken = settlement.TokenParams{Name: "Confidential Dollar", Symbol: "CUSD"}

// ProveFunc turns a statement and its opening into proof bytes.
type ProveFunc func(st *settlement.Statement, op *proof.Opening) ([]byte, error)

// network is a set of chains sharing one in-process transport.
type network struct {
	protocols map[ledger.ChainID]*relay.Protocol
	deps      map[ledger.ChainID]settlement.Deps
	dbs       []*storage.DB
	relayer   *relay.Relayer
}

func newNetwork(chains []ledger.ChainID, verifier settlement.Verifier, log zerolog.Logger) (*network, error) {
	transport := relay.NewLocalTransport()
	n := &network{
		protocols: make(map[ledger.ChainID]*relay.Protocol),
		deps:      make(map[ledger.ChainID]settlement.Deps),
		relayer:   relay.NewRelayer(transport, log),
	}
	for _, chain := range chains {
		db, err := storage.Open(storage.Options{InMemory: true, Logger: log})
		if err != nil {
			n.close()
			return nil, err
		}
		n.dbs = append(n.dbs, db)

		factories := relay.NewFactoryRegistry()
		p := relay.NewProtocol(chain, db, factories, nil, log)
		deps := settlement.Deps{
			DB:         db,
			Protocol:   p,
			Verifier:   verifier,
			Authorizer: settlement.NewStaticAuthorizer(issuer),
			Log:        log,
		}
		settlement.RegisterFactory(factories, deps)
		n.deps[chain] = deps
		transport.Attach(chain, p)
		n.relayer.AddSource(p)
		n.protocols[chain] = p
	}
	return n, nil
}

func (n *network) close() {
	for _, db := range n.dbs {
		_ = db.Close()
	}
}

// deploy makes chain the token's home.
func (n *network) deploy(chain ledger.ChainID) (*settlement.Engine, error) {
	e, err := settlement.New(settlement.Config{Chain: chain, Name: demoToken.Name, Symbol: demoToken.Symbol}, n.deps[chain])
	if err != nil {
		return nil, err
	}
	n.protocols[chain].Register(e.Resource(), e)
	return e, nil
}

// relayAll pumps until no message moves.
func (n *network) relayAll(ctx context.Context) error {
	for i := 0; i < 10; i++ {
		delivered, err := n.relayer.Pump(ctx)
		if err != nil {
			return err
		}
		if delivered == 0 {
			return nil
		}
	}
	return errors.New("relay did not quiesce")
}

// DemoResult summarizes a walkthrough run.
type DemoResult struct {
	Nullifier     ledger.Nullifier
	Settlement    ledger.SettlementRecord
	BobReceived   *big.Int
	AliceBalance  commitment.Commitment
	BobBalance    commitment.Commitment
	Bootstrapped  bool
	ReplayRefused bool
}

// runDemo mints mintAmount on chain 1 and moves amount of it to chain 2.
// Asking for more than was minted is left to the proof to refuse.
func runDemo(ctx context.Context, verifier settlement.Verifier, prove ProveFunc, mintAmount, amount uint64, log zerolog.Logger) (*DemoResult, error) {
	net, err := newNetwork([]ledger.ChainID{1, 2, 3}, verifier, log)
	if err != nil {
		return nil, err
	}
	defer net.close()

	// Step 1: deploy on chain 1 and mint
	origin, err := net.deploy(1)
	if err != nil {
		return nil, err
	}
	if _, err := origin.Mint(ctx, issuer, 1, mintAmount); err != nil {
		return nil, err
	}
	if _, err := origin.FinalizeBlock(ctx, 1); err != nil {
		return nil, err
	}

	// Step 2: build the transfer and its proof against the finalized snapshot
	alice, err := notes.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	bob, err := notes.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	blinding, err := commitment.RandomScalar()
	if err != nil {
		return nil, err
	}
	order := commitment.Order()
	out := notes.Opening{
		Value:    new(big.Int).Sub(order, new(big.Int).SetUint64(amount)),
		Blinding: new(big.Int).Mod(new(big.Int).Neg(blinding), order),
	}
	in := notes.Opening{Value: new(big.Int).SetUint64(amount), Blinding: blinding}

	chains := []ledger.ChainID{1, 2}
	block, err := origin.CurrentBlock()
	if err != nil {
		return nil, err
	}
	balances := make([]commitment.Commitment, len(chains))
	for i, c := range chains {
		b, err := origin.GetBalanceFinalised(c)
		if err != nil {
			return nil, err
		}
		balances[i] = b.Commitment
	}
	st := &settlement.Statement{
		Commitments: []commitment.Commitment{out.Commitment(), in.Commitment()},
		ChainIDs:    chains,
		Balances:    balances,
		Origin:      1,
		Block:       block,
	}
	// the minted balance opens to (mintAmount, 0)
	opening := &proof.Opening{
		Values:          []*big.Int{out.Value, in.Value},
		Blindings:       []*big.Int{out.Blinding, in.Blinding},
		BalanceValue:    new(big.Int).SetUint64(mintAmount),
		BalanceBlinding: new(big.Int),
	}
	st.Nullifier = proof.DeriveNullifier(opening.BalanceValue, opening.BalanceBlinding, block, balances)
	start := time.Now()
	raw, err := prove(st, opening)
	if err != nil {
		return nil, fmt.Errorf("proving failed: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Int("bytes", len(raw)).Msg("transfer proof built")

	changeNote, err := notes.Seal(&alice.Public, out)
	if err != nil {
		return nil, err
	}
	bobNote, err := notes.Seal(&bob.Public, in)
	if err != nil {
		return nil, err
	}
	req := settlement.TransferRequest{
		DestCount:      len(chains),
		Commitments:    st.Commitments,
		ChainIDs:       chains,
		EncryptedNotes: [][]byte{changeNote, bobNote},
		Nullifier:      st.Nullifier,
		ProofBlock:     block,
		Proof:          raw,
	}

	// Step 3: submit on chain 1 and relay to chain 2
	handle, err := origin.Transfer(ctx, "alice", req)
	if err != nil {
		return nil, err
	}
	if err := net.relayAll(ctx); err != nil {
		return nil, err
	}
	dest, ok := settlement.EngineFor(net.protocols[2], origin.Resource())
	if !ok {
		return nil, errors.New("token was not bootstrapped on chain 2")
	}
	res := &DemoResult{Nullifier: handle.Nullifier, Bootstrapped: true}

	// Step 4: Bob finds his note among chain 2's pending deltas
	pending, err := dest.GetPendingTransactions()
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		d, ok := p.DeltaFor(2)
		if !ok {
			continue
		}
		if op, err := notes.Recognize(bob, d.Note, d.Commitment); err == nil {
			res.BobReceived = op.Value
		}
	}
	if res.BobReceived == nil {
		return nil, errors.New("bob could not open any pending note")
	}

	// Step 5: finalize both chains and carry the acknowledgement back
	if _, err := origin.FinalizeBlock(ctx, 2); err != nil {
		return nil, err
	}
	if _, err := dest.FinalizeBlock(ctx, 1); err != nil {
		return nil, err
	}
	if err := net.relayAll(ctx); err != nil {
		return nil, err
	}
	rec, err := settlement.AwaitSettled(ctx, origin, handle.Nullifier, settlement.DefaultBackoff())
	if err != nil {
		return nil, err
	}
	res.Settlement = rec

	aliceBal, err := origin.GetBalanceFinalised(1)
	if err != nil {
		return nil, err
	}
	bobBal, err := dest.GetBalanceFinalised(2)
	if err != nil {
		return nil, err
	}
	res.AliceBalance, res.BobBalance = aliceBal.Commitment, bobBal.Commitment

	// Step 6: the same spend is refused
	_, err = origin.Transfer(ctx, "alice", req)
	res.ReplayRefused = errors.Is(err, settlement.ErrNullifierAlreadyUsed)
	return res, nil
}

func main() {
	keyDir := flag.String("keys", "keys", "directory of Groth16 keys for two-chain transfers")
	amount := flag.Uint64("amount", 30, "amount to send from chain 1 to chain 2")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	keys, err := proof.SetupOrLoadKeys(*keyDir, proof.Arity2)
	if err != nil {
		log.Fatal().Err(err).Msg("key setup failed")
	}
	prover := proof.NewProver(keys)
	verifier := proof.NewGroth16Verifier(prover.VerifyingKeys(), log)

	res, err := runDemo(context.Background(), verifier, prover.Prove, 100, *amount, log)
	if err != nil {
		log.Fatal().Err(err).Msg("walkthrough failed")
	}

	fmt.Printf("\n=== Transfer %s ===\n", res.Nullifier)
	fmt.Printf("bootstrapped on chain 2: %v\n", res.Bootstrapped)
	fmt.Printf("bob opened a note worth: %s\n", res.BobReceived)
	fmt.Printf("settlement: %s on chains %v\n", res.Settlement.Status, res.Settlement.Finalized)
	fmt.Printf("chain 1 balance: %s\n", res.AliceBalance)
	fmt.Printf("chain 2 balance: %s\n", res.BobBalance)
	fmt.Printf("replay refused: %v\n", res.ReplayRefused)
}
