// protocol.go - Per-chain dispatch and receipt of relay messages.
//
// Dispatch writes into a durable outbox inside the caller's store transaction.
// Receive executes a message at most once: the processed mark and the
// handler's state change commit together.

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"enygma/internal/ledger"
	"enygma/internal/storage"
)

// Handler applies a relayed message to local state. It runs inside the store
// transaction that marks the message processed; returning an error rolls
// both back.
type Handler interface {
	HandleRelayed(ctx context.Context, tx *storage.Tx, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx *storage.Tx, msg *Message) error

// HandleRelayed calls f.
func (f HandlerFunc) HandleRelayed(ctx context.Context, tx *storage.Tx, msg *Message) error {
	return f(ctx, tx, msg)
}

// Metrics receives relay events.
type Metrics interface {
	MessageDispatched(kind string)
	MessageReceived(kind string)
	DuplicateMessage()
	ResourceBootstrapped()
	BootstrapFailed()
}

// Protocol is one chain's endpoint.
type Protocol struct {
	chain     ledger.ChainID
	db        *storage.DB
	processed *ProcessedMessageSet
	factories *FactoryRegistry
	metrics   Metrics
	log       zerolog.Logger

	// bootMu serializes deliveries that need a bootstrap so a resource is
	// instantiated once
	bootMu sync.Mutex

	mu        sync.RWMutex
	resources map[ledger.ResourceID]Handler
	addresses map[ledger.ResourceID]Address
}

// NewProtocol returns the endpoint of chain, persisting into db.
func NewProtocol(chain ledger.ChainID, db *storage.DB, factories *FactoryRegistry, metrics Metrics, log zerolog.Logger) *Protocol {
	if factories == nil {
		factories = NewFactoryRegistry()
	}
	return &Protocol{
		chain:     chain,
		db:        db,
		processed: NewProcessedMessageSet(db),
		factories: factories,
		metrics:   metrics,
		log:       log.With().Str("component", "relay").Uint64("chain", uint64(chain)).Logger(),
		resources: make(map[ledger.ResourceID]Handler),
		addresses: make(map[ledger.ResourceID]Address),
	}
}

// Chain returns the local chain id.
func (p *Protocol) Chain() ledger.ChainID {
	return p.chain
}

// Processed exposes the processed-message set.
func (p *Protocol) Processed() *ProcessedMessageSet {
	return p.processed
}

// Register makes h the local implementation of resource.
func (p *Protocol) Register(resource ledger.ResourceID, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[resource] = h
}

// Resolve returns the local implementation of resource.
func (p *Protocol) Resolve(resource ledger.ResourceID) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.resources[resource]
	return h, ok
}

// Resources returns every locally registered resource in byte order.
func (p *Protocol) Resources() []ledger.ResourceID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ledger.ResourceID, 0, len(p.resources))
	for r := range p.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// AddressOf returns the address a bootstrapped resource was deployed at.
func (p *Protocol) AddressOf(resource ledger.ResourceID) (Address, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.addresses[resource]
	return a, ok
}

// Dispatch queues a message for dest in the caller's transaction and returns
// its id. dest may be BroadcastChain.
func (p *Protocol) Dispatch(tx *storage.Tx, dest ledger.ChainID, resource ledger.ResourceID, kind Kind, payload []byte, bootstrap *Bootstrap) (MessageID, error) {
	seqKey := storage.MakeKey(codeOutboxSeq)
	var seq uint64
	err := tx.Retrieve(seqKey, &seq)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return MessageID{}, fmt.Errorf("could not read outbox sequence: %w", err)
	}
	seq++
	if err := tx.Upsert(seqKey, seq); err != nil {
		return MessageID{}, fmt.Errorf("could not advance outbox sequence: %w", err)
	}

	msg := Message{
		Origin:      p.chain,
		Destination: dest,
		Sequence:    seq,
		Resource:    resource,
		Kind:        kind,
		Payload:     payload,
		Bootstrap:   bootstrap,
	}
	msg.ID = ComputeMessageID(msg.Origin, msg.Sequence, msg.Destination, msg.Resource, msg.Kind, msg.Payload)

	if err := tx.Insert(storage.MakeKey(codeOutbox, seq), msg); err != nil {
		return MessageID{}, fmt.Errorf("could not write outbox: %w", err)
	}
	if err := tx.Insert(storage.MakeKey(codeOutboxIndex, msg.ID[:]), seq); err != nil {
		return MessageID{}, fmt.Errorf("could not index outbox: %w", err)
	}

	if p.metrics != nil {
		p.metrics.MessageDispatched(kind.String())
	}
	p.log.Debug().
		Str("message_id", msg.ID.String()).
		Uint64("destination", uint64(dest)).
		Str("kind", kind.String()).
		Msg("message dispatched")
	return msg.ID, nil
}

// Outbox returns every undelivered message in dispatch order.
func (p *Protocol) Outbox() ([]Message, error) {
	var out []Message
	err := p.db.View(func(tx *storage.Tx) error {
		return tx.Iterate(storage.MakeKey(codeOutbox), func(_ []byte, decode storage.Decoder) error {
			var m Message
			if err := decode(&m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Prune drops a delivered message from the outbox. Pruning an unknown id is a
// no-op.
func (p *Protocol) Prune(id MessageID) error {
	return p.db.Update(func(tx *storage.Tx) error {
		idx := storage.MakeKey(codeOutboxIndex, id[:])
		var seq uint64
		err := tx.Retrieve(idx, &seq)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Remove(idx); err != nil {
			return err
		}
		return tx.Remove(storage.MakeKey(codeOutbox, seq))
	})
}

// Receive executes msg on this chain at most once.
//
// A duplicate returns ErrAlreadyProcessed and changes nothing. If the resource
// is unknown and msg carries a bootstrap, the resource is instantiated first;
// a failed bootstrap returns ErrBootstrapFailed and leaves the message
// unprocessed.
func (p *Protocol) Receive(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Destination != p.chain && !msg.IsBroadcast() {
		return fmt.Errorf("%w: for %s, this is %s", ErrWrongDestination, msg.Destination, p.chain)
	}
	if msg.Origin == p.chain {
		return fmt.Errorf("%w: message originated here", ErrWrongDestination)
	}

	log := p.log.With().
		Str("message_id", msg.ID.String()).
		Uint64("origin", uint64(msg.Origin)).
		Str("kind", msg.Kind.String()).
		Logger()

	seen, err := p.processed.Contains(msg.ID)
	if err != nil {
		return fmt.Errorf("could not check processed set: %w", err)
	}
	if seen {
		p.duplicate(log)
		return ErrAlreadyProcessed
	}

	handler, ok := p.Resolve(msg.Resource)
	if !ok && msg.Bootstrap != nil {
		p.bootMu.Lock()
		defer p.bootMu.Unlock()
		handler, ok = p.Resolve(msg.Resource)
	}
	var deployment *Deployment
	if !ok {
		if msg.Bootstrap == nil {
			return fmt.Errorf("%w: %s", ErrUnknownResource, msg.Resource)
		}
		h, dep, err := p.factories.instantiate(ctx, msg.Resource, msg.Bootstrap)
		if err != nil {
			if p.metrics != nil {
				p.metrics.BootstrapFailed()
			}
			log.Warn().Err(err).Msg("resource bootstrap failed")
			return err
		}
		handler, deployment = h, &dep
	}

	err = p.db.Update(func(tx *storage.Tx) error {
		seen, err := p.processed.ContainsTx(tx, msg.ID)
		if err != nil {
			return err
		}
		if seen {
			return ErrAlreadyProcessed
		}
		if err := p.processed.mark(tx, msg); err != nil {
			return fmt.Errorf("could not mark message processed: %w", err)
		}
		if deployment != nil {
			if err := tx.Upsert(storage.MakeKey(codeDeployment, msg.Resource[:]), deployment); err != nil {
				return fmt.Errorf("could not record deployment: %w", err)
			}
		}
		return handler.HandleRelayed(ctx, tx, msg)
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		p.duplicate(log)
		return err
	}
	if err != nil {
		log.Error().Err(err).Msg("could not apply relayed message")
		return err
	}

	if deployment != nil {
		p.mu.Lock()
		p.resources[msg.Resource] = handler
		p.addresses[msg.Resource] = deployment.Address
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.ResourceBootstrapped()
		}
		log.Info().Str("address", deployment.Address.String()).Msg("resource bootstrapped")
	}
	if p.metrics != nil {
		p.metrics.MessageReceived(msg.Kind.String())
	}
	log.Debug().Msg("message processed")
	return nil
}

func (p *Protocol) duplicate(log zerolog.Logger) {
	if p.metrics != nil {
		p.metrics.DuplicateMessage()
	}
	log.Debug().Msg("duplicate message ignored")
}

// RestoreDeployments re-instantiates every resource bootstrapped before a
// restart.
func (p *Protocol) RestoreDeployments(ctx context.Context) (int, error) {
	var deps []Deployment
	err := p.db.View(func(tx *storage.Tx) error {
		return tx.Iterate(storage.MakeKey(codeDeployment), func(_ []byte, decode storage.Decoder) error {
			var d Deployment
			if err := decode(&d); err != nil {
				return err
			}
			deps = append(deps, d)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("could not load deployments: %w", err)
	}

	restored := 0
	for _, d := range deps {
		if _, ok := p.Resolve(d.Resource); ok {
			continue
		}
		h, dep, err := p.factories.instantiate(ctx, d.Resource, &Bootstrap{Code: d.Code, InitParams: d.InitParams})
		if err != nil {
			return restored, fmt.Errorf("could not restore %s: %w", d.Resource, err)
		}
		p.mu.Lock()
		p.resources[d.Resource] = h
		p.addresses[d.Resource] = dep.Address
		p.mu.Unlock()
		restored++
	}
	return restored, nil
}
