// engine.go - Confidential settlement of one asset on one chain.
//
// The engine accepts mints, burns and transfers, records transfers as pending
// entries and folds them into the finalized balances at block boundaries.
// Amounts in transfers are only ever seen as commitments.

package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/relay"
	"enygma/internal/storage"
)

const (
	// MaxArity is the largest number of chains one transfer may touch.
	MaxArity = 6

	codeBlock byte = 50
)

// SupportedArities are the transfer sizes a proof can be produced for.
var SupportedArities = []int{2, 6}

// Config describes one engine.
type Config struct {
	Chain ledger.ChainID
	// Resource defaults to ResourceIDFor(Name, Symbol).
	Resource     ledger.ResourceID
	Name         string
	Symbol       string
	MaxBatchSize int
}

// TransferRequest is a client-built transfer.
type TransferRequest struct {
	DestCount      int
	Commitments    []commitment.Commitment
	ChainIDs       []ledger.ChainID
	EncryptedNotes [][]byte
	Nullifier      ledger.Nullifier
	// ProofBlock is the block whose balance snapshot the proof was built on.
	// It must be the chain's current block.
	ProofBlock uint64
	Proof      []byte
}

// TransactionHandle identifies an accepted transfer.
type TransactionHandle struct {
	Nullifier   ledger.Nullifier  `json:"nullifier"`
	Origin      ledger.ChainID    `json:"origin"`
	OriginBlock uint64            `json:"origin_block"`
	MessageIDs  []relay.MessageID `json:"message_ids"`
}

// Engine settles one resource on one chain. It is safe for concurrent use;
// state mutations are serialized.
type Engine struct {
	cfg       Config
	bootstrap *relay.Bootstrap
	address   relay.Address

	db       *storage.DB
	protocol *relay.Protocol
	verifier Verifier
	auth     Authorizer
	freeze   FreezeRegistry
	metrics  Metrics
	log      zerolog.Logger

	nullifiers  *ledger.NullifierLedger
	balances    *ledger.BalanceStore
	pending     *ledger.PendingQueue
	processed   *ledger.ProcessedDeltas
	supply      *ledger.Supply
	settlements *ledger.SettlementLog

	mu sync.Mutex
}

// New returns the engine described by cfg. The caller registers it with
// deps.Protocol to receive relayed messages.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Chain == relay.BroadcastChain {
		return nil, errors.New("chain id 0 is reserved")
	}
	if deps.DB == nil || deps.Protocol == nil {
		return nil, errors.New("engine requires a database and a relay protocol")
	}
	if deps.Protocol.Chain() != cfg.Chain {
		return nil, fmt.Errorf("relay protocol serves chain %s, engine chain %s", deps.Protocol.Chain(), cfg.Chain)
	}
	if deps.Verifier == nil {
		return nil, errors.New("engine requires a proof verifier")
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > MaxArity {
		cfg.MaxBatchSize = MaxArity
	}

	params := TokenParams{Name: cfg.Name, Symbol: cfg.Symbol}
	bootstrap, err := TokenBootstrap(params)
	if err != nil {
		return nil, err
	}
	if cfg.Resource == (ledger.ResourceID{}) {
		cfg.Resource = ResourceIDFor(cfg.Name, cfg.Symbol)
	}

	auth := deps.Authorizer
	if auth == nil {
		auth = NewStaticAuthorizer()
	}
	freeze := deps.Freeze
	if freeze == nil {
		freeze = NewFreezeList()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Engine{
		cfg:       cfg,
		bootstrap: bootstrap,
		address:   relay.DeriveAddress(cfg.Resource, bootstrap.Code, bootstrap.InitParams),
		db:        deps.DB,
		protocol:  deps.Protocol,
		verifier:  deps.Verifier,
		auth:      auth,
		freeze:    freeze,
		metrics:   metrics,
		log: deps.Log.With().
			Str("component", "settlement").
			Uint64("chain", uint64(cfg.Chain)).
			Str("token", cfg.Symbol).
			Logger(),
		nullifiers:  ledger.NewNullifierLedger(deps.DB, cfg.Resource),
		balances:    ledger.NewBalanceStore(deps.DB, cfg.Resource),
		pending:     ledger.NewPendingQueue(deps.DB, cfg.Resource),
		processed:   ledger.NewProcessedDeltas(cfg.Resource),
		supply:      ledger.NewSupply(deps.DB, cfg.Resource),
		settlements: ledger.NewSettlementLog(deps.DB, cfg.Resource),
	}, nil
}

// Chain returns the local chain id.
func (e *Engine) Chain() ledger.ChainID { return e.cfg.Chain }

// Resource returns the asset id.
func (e *Engine) Resource() ledger.ResourceID { return e.cfg.Resource }

// Address returns the local address of the asset.
func (e *Engine) Address() relay.Address { return e.address }

// Name returns the asset name.
func (e *Engine) Name() string { return e.cfg.Name }

// Symbol returns the asset symbol.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

func (e *Engine) blockKey() []byte {
	return storage.MakeKey(codeBlock, e.cfg.Resource[:])
}

func (e *Engine) currentBlockTx(tx *storage.Tx) (uint64, error) {
	var block uint64
	err := tx.Retrieve(e.blockKey(), &block)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	return block, err
}

// CurrentBlock returns the last block passed to FinalizeBlock.
func (e *Engine) CurrentBlock() (uint64, error) {
	var block uint64
	err := e.db.View(func(tx *storage.Tx) error {
		var err error
		block, err = e.currentBlockTx(tx)
		return err
	})
	return block, err
}

// PedCom computes Commit(value, blinding) for clients building transfers.
func (e *Engine) PedCom(value, blinding *big.Int) commitment.Commitment {
	return commitment.Commit(value, blinding)
}

// Mint credits amount on the local chain, finalized immediately.
func (e *Engine) Mint(ctx context.Context, caller string, chain ledger.ChainID, amount uint64) (commitment.Commitment, error) {
	if chain != e.cfg.Chain {
		return commitment.Commitment{}, fmt.Errorf("mint on %s from %s: %w", chain, e.cfg.Chain, ErrForeignChain)
	}
	if !e.auth.CanMint(caller, chain) {
		return commitment.Commitment{}, fmt.Errorf("mint by %q: %w", caller, ErrUnauthorized)
	}
	delta := commitment.CommitUint64(amount, 0)

	e.mu.Lock()
	defer e.mu.Unlock()
	var issued ledger.Issuance
	err := e.db.Update(func(tx *storage.Tx) error {
		block, err := e.currentBlockTx(tx)
		if err != nil {
			return err
		}
		if issued, err = e.supply.RecordMint(tx, amount); err != nil {
			return err
		}
		_, err = e.balances.ApplyDelta(tx, chain, delta, block)
		return err
	})
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("could not mint: %w", err)
	}

	e.metrics.Minted(amount)
	e.log.Info().Str("caller", caller).Uint64("amount", amount).Uint64("minted", issued.Minted).Msg("minted")
	return delta, nil
}

// Burn debits amount on the local chain, finalized immediately. The amount
// is a cleartext figure from a caller holding burn rights; the engine cannot
// see the hidden balance and does not cap it.
func (e *Engine) Burn(ctx context.Context, caller string, chain ledger.ChainID, amount uint64) (commitment.Commitment, error) {
	if chain != e.cfg.Chain {
		return commitment.Commitment{}, fmt.Errorf("burn on %s from %s: %w", chain, e.cfg.Chain, ErrForeignChain)
	}
	if !e.auth.CanBurn(caller, chain) {
		return commitment.Commitment{}, fmt.Errorf("burn by %q: %w", caller, ErrUnauthorized)
	}
	delta := commitment.Negate(commitment.CommitUint64(amount, 0))

	e.mu.Lock()
	defer e.mu.Unlock()
	var issued ledger.Issuance
	err := e.db.Update(func(tx *storage.Tx) error {
		block, err := e.currentBlockTx(tx)
		if err != nil {
			return err
		}
		if issued, err = e.supply.RecordBurn(tx, amount); err != nil {
			return err
		}
		_, err = e.balances.ApplyDelta(tx, chain, delta, block)
		return err
	})
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("could not burn: %w", err)
	}

	e.metrics.Burned(amount)
	e.log.Info().Str("caller", caller).Uint64("amount", amount).Uint64("burned", issued.Burned).Msg("burned")
	return delta, nil
}

// Transfer validates req and records it as pending. Every validation runs
// before the first write; once the nullifier is consumed the transfer is
// irrevocable and completes through finalization on each chain.
func (e *Engine) Transfer(ctx context.Context, caller string, req TransferRequest) (TransactionHandle, error) {
	handle, err := e.transfer(ctx, req)
	if err != nil {
		e.metrics.TransferRejected(rejectionReason(err))
		e.log.Debug().Err(err).Str("caller", caller).Msg("transfer rejected")
		return TransactionHandle{}, err
	}
	e.metrics.TransferAccepted(req.DestCount)
	e.log.Info().
		Str("caller", caller).
		Str("nullifier", handle.Nullifier.String()).
		Int("chains", req.DestCount).
		Uint64("block", handle.OriginBlock).
		Msg("transfer accepted")
	return handle, nil
}

func (e *Engine) transfer(ctx context.Context, req TransferRequest) (TransactionHandle, error) {
	// 1. batch shape
	if err := e.checkShape(&req); err != nil {
		return TransactionHandle{}, err
	}

	// 2. chain set
	if err := checkChainSet(req.ChainIDs, e.cfg.Chain); err != nil {
		return TransactionHandle{}, err
	}

	// 3. commitments
	for i, c := range req.Commitments {
		if _, err := commitment.Validate(c.C1(), c.C2()); err != nil {
			return TransactionHandle{}, fmt.Errorf("commitment %d: %w", i, err)
		}
	}

	// 4. freeze policy
	for _, chain := range req.ChainIDs {
		if e.freeze.IsFrozen(e.cfg.Resource, chain) {
			return TransactionHandle{}, fmt.Errorf("chain %s: %w", chain, ErrTokenFrozenForChain)
		}
	}

	// 5. snapshot and early replay check
	var (
		block    uint64
		balances []commitment.Commitment
	)
	err := e.db.View(func(tx *storage.Tx) error {
		used, err := e.nullifiers.IsUsedTx(tx, req.Nullifier)
		if err != nil {
			return err
		}
		if used {
			return fmt.Errorf("%s: %w", req.Nullifier, ErrNullifierAlreadyUsed)
		}
		if block, err = e.currentBlockTx(tx); err != nil {
			return err
		}
		balances, err = e.balanceSnapshot(tx, req.ChainIDs)
		return err
	})
	if err != nil {
		return TransactionHandle{}, err
	}

	// 6. proof
	if req.ProofBlock != block {
		return TransactionHandle{}, fmt.Errorf("%w: proof built at block %d, chain is at block %d", ErrInvalidProof, req.ProofBlock, block)
	}
	st := &Statement{
		Commitments: req.Commitments,
		ChainIDs:    req.ChainIDs,
		Balances:    balances,
		Origin:      e.cfg.Chain,
		Nullifier:   req.Nullifier,
		Block:       req.ProofBlock,
		Proof:       req.Proof,
	}
	start := time.Now()
	ok, err := e.verifier.Verify(ctx, st)
	e.metrics.ProofVerified(time.Since(start), ok && err == nil)
	if err != nil {
		return TransactionHandle{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !ok {
		return TransactionHandle{}, ErrInvalidProof
	}
	if err := ctx.Err(); err != nil {
		return TransactionHandle{}, err
	}

	// 7. commit
	e.mu.Lock()
	defer e.mu.Unlock()
	var handle TransactionHandle
	err = e.db.Update(func(tx *storage.Tx) error {
		current, err := e.balanceSnapshot(tx, req.ChainIDs)
		if err != nil {
			return err
		}
		for i := range current {
			if !current[i].Equal(balances[i]) {
				return fmt.Errorf("%w: balance of chain %s changed during verification", ErrInvalidProof, req.ChainIDs[i])
			}
		}
		if block, err = e.currentBlockTx(tx); err != nil {
			return err
		}
		if block != req.ProofBlock {
			return fmt.Errorf("%w: chain moved to block %d during verification", ErrInvalidProof, block)
		}

		if err := e.nullifiers.Consume(tx, req.Nullifier, block); err != nil {
			return err
		}

		deltas := make([]ledger.Delta, len(req.ChainIDs))
		for i, chain := range req.ChainIDs {
			deltas[i] = ledger.Delta{Chain: chain, Commitment: req.Commitments[i]}
			if len(req.EncryptedNotes) > 0 {
				deltas[i].Note = req.EncryptedNotes[i]
			}
		}
		if _, err := e.pending.Enqueue(tx, ledger.PendingTransaction{
			Nullifier:   req.Nullifier,
			Origin:      e.cfg.Chain,
			OriginBlock: block,
			ReadyAt:     block,
			Deltas:      deltas,
		}); err != nil {
			return err
		}
		if err := e.settlements.Create(tx, req.Nullifier, block, req.ChainIDs); err != nil {
			return err
		}

		handle = TransactionHandle{Nullifier: req.Nullifier, Origin: e.cfg.Chain, OriginBlock: block}
		for _, d := range deltas {
			if d.Chain == e.cfg.Chain {
				continue
			}
			payload, err := cbor.Marshal(settlementPayload{
				Nullifier:   req.Nullifier,
				Chain:       d.Chain,
				OriginBlock: block,
				Delta:       d.Commitment,
				Note:        d.Note,
			})
			if err != nil {
				return fmt.Errorf("could not encode settlement payload: %w", err)
			}
			id, err := e.protocol.Dispatch(tx, d.Chain, e.cfg.Resource, relay.KindSettlement, payload, e.bootstrap)
			if err != nil {
				return err
			}
			handle.MessageIDs = append(handle.MessageIDs, id)
		}
		return nil
	})
	if err != nil {
		return TransactionHandle{}, err
	}
	return handle, nil
}

func (e *Engine) checkShape(req *TransferRequest) error {
	if req.DestCount <= 0 || req.DestCount > e.cfg.MaxBatchSize {
		return fmt.Errorf("%w: %d chains, at most %d", ErrInvalidBatchSize, req.DestCount, e.cfg.MaxBatchSize)
	}
	if !isSupportedArity(req.DestCount) {
		return fmt.Errorf("%w: no proof shape for %d chains", ErrInvalidBatchSize, req.DestCount)
	}
	if len(req.Commitments) != req.DestCount || len(req.ChainIDs) != req.DestCount {
		return fmt.Errorf("%w: %d commitments and %d chain ids for %d chains",
			ErrInvalidBatchSize, len(req.Commitments), len(req.ChainIDs), req.DestCount)
	}
	if len(req.EncryptedNotes) != 0 && len(req.EncryptedNotes) != req.DestCount {
		return fmt.Errorf("%w: %d encrypted notes for %d chains", ErrInvalidBatchSize, len(req.EncryptedNotes), req.DestCount)
	}
	return nil
}

func isSupportedArity(n int) bool {
	for _, a := range SupportedArities {
		if a == n {
			return true
		}
	}
	return false
}

func checkChainSet(chains []ledger.ChainID, local ledger.ChainID) error {
	seen := make(map[ledger.ChainID]struct{}, len(chains))
	hasLocal := false
	for _, c := range chains {
		if c == relay.BroadcastChain {
			return fmt.Errorf("%w: chain id 0 is reserved", ErrInvalidChainSet)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: chain %s repeated", ErrInvalidChainSet, c)
		}
		seen[c] = struct{}{}
		if c == local {
			hasLocal = true
		}
	}
	if !hasLocal {
		return fmt.Errorf("%w: submitting chain %s not included", ErrInvalidChainSet, local)
	}
	return nil
}

func (e *Engine) balanceSnapshot(tx *storage.Tx, chains []ledger.ChainID) ([]commitment.Commitment, error) {
	out := make([]commitment.Commitment, len(chains))
	for i, c := range chains {
		b, err := e.balances.GetFinalizedTx(tx, c)
		if err != nil {
			return nil, err
		}
		out[i] = b.Commitment
	}
	return out, nil
}

// GetBalanceFinalised returns the finalized balance of chain as seen here.
func (e *Engine) GetBalanceFinalised(chain ledger.ChainID) (ledger.ChainBalance, error) {
	return e.balances.GetFinalized(chain)
}

// FinalizedChains lists, in ascending order, the chains whose balance has
// been finalized here at least once.
func (e *Engine) FinalizedChains() ([]ledger.ChainID, error) {
	return e.balances.Chains()
}

// GetPendingTransactions returns the pending entries in insertion order.
func (e *Engine) GetPendingTransactions() ([]ledger.PendingTransaction, error) {
	return e.pending.ListPending()
}

// TotalSupply returns the amounts minted and burned on this chain.
func (e *Engine) TotalSupply() (ledger.Issuance, error) {
	return e.supply.Issuance()
}

// IsNullifierUsed reports whether n has been spent here.
func (e *Engine) IsNullifierUsed(n ledger.Nullifier) (bool, error) {
	return e.nullifiers.IsUsed(n)
}

// SettlementStatus returns the settlement record of a transfer originated
// here.
func (e *Engine) SettlementStatus(n ledger.Nullifier) (ledger.SettlementRecord, error) {
	return e.settlements.Get(n)
}
