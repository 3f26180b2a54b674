// collaborators.go - Capabilities the engine consumes but does not implement.

package settlement

import (
	"context"
	"sync"
	"time"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
)

// Statement is the public side of a transfer proof.
type Statement struct {
	Commitments []commitment.Commitment
	ChainIDs    []ledger.ChainID
	// Balances[i] is the submitting chain's finalized view of ChainIDs[i].
	Balances []commitment.Commitment
	// Origin is the submitting chain, whose leg is the sender's debit.
	Origin    ledger.ChainID
	Nullifier ledger.Nullifier
	Block     uint64
	Proof     []byte
}

// Arity is the number of chains the statement covers.
func (s *Statement) Arity() int {
	return len(s.Commitments)
}

// Verifier checks transfer proofs. A non-nil error means the proof could not
// be checked at all; it is treated as a rejection.
type Verifier interface {
	Verify(ctx context.Context, st *Statement) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, st *Statement) (bool, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, st *Statement) (bool, error) {
	return f(ctx, st)
}

// Authorizer decides who may mint and burn.
type Authorizer interface {
	CanMint(caller string, chain ledger.ChainID) bool
	CanBurn(caller string, chain ledger.ChainID) bool
}

// StaticAuthorizer grants mint and burn to a fixed set of callers on every
// chain.
type StaticAuthorizer struct {
	callers map[string]struct{}
}

// NewStaticAuthorizer returns an authorizer for callers.
func NewStaticAuthorizer(callers ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{callers: make(map[string]struct{}, len(callers))}
	for _, c := range callers {
		a.callers[c] = struct{}{}
	}
	return a
}

func (a *StaticAuthorizer) CanMint(caller string, _ ledger.ChainID) bool {
	_, ok := a.callers[caller]
	return ok
}

func (a *StaticAuthorizer) CanBurn(caller string, chain ledger.ChainID) bool {
	return a.CanMint(caller, chain)
}

// FreezeRegistry reports per-chain freezes of an asset.
type FreezeRegistry interface {
	IsFrozen(resource ledger.ResourceID, chain ledger.ChainID) bool
}

// FreezeList is an in-memory FreezeRegistry.
type FreezeList struct {
	mu     sync.RWMutex
	frozen map[ledger.ResourceID]map[ledger.ChainID]struct{}
}

// NewFreezeList returns a registry with nothing frozen.
func NewFreezeList() *FreezeList {
	return &FreezeList{frozen: make(map[ledger.ResourceID]map[ledger.ChainID]struct{})}
}

// Freeze blocks future transfers of resource touching chain.
func (f *FreezeList) Freeze(resource ledger.ResourceID, chain ledger.ChainID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chains, ok := f.frozen[resource]
	if !ok {
		chains = make(map[ledger.ChainID]struct{})
		f.frozen[resource] = chains
	}
	chains[chain] = struct{}{}
}

// Unfreeze lifts a freeze.
func (f *FreezeList) Unfreeze(resource ledger.ResourceID, chain ledger.ChainID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.frozen[resource], chain)
}

func (f *FreezeList) IsFrozen(resource ledger.ResourceID, chain ledger.ChainID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.frozen[resource][chain]
	return ok
}

// Metrics receives engine events.
type Metrics interface {
	TransferAccepted(arity int)
	TransferRejected(reason string)
	ProofVerified(d time.Duration, ok bool)
	Minted(amount uint64)
	Burned(amount uint64)
	DeltaFinalized()
	PendingTransactions(n int)
	SettlementCompleted()
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) TransferAccepted(int)              {}
func (NoopMetrics) TransferRejected(string)           {}
func (NoopMetrics) ProofVerified(time.Duration, bool) {}
func (NoopMetrics) Minted(uint64)                     {}
func (NoopMetrics) Burned(uint64)                     {}
func (NoopMetrics) DeltaFinalized()                   {}
func (NoopMetrics) PendingTransactions(int)           {}
func (NoopMetrics) SettlementCompleted()              {}
