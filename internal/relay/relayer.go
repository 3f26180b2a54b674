// relayer.go - Moves messages from chain outboxes to their destinations.
//
// Delivery is at-least-once: a message stays in its outbox until every
// destination accepted it, and receivers drop duplicates.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"enygma/internal/ledger"
)

// Transport delivers a message to the endpoint of dest.
type Transport interface {
	Deliver(ctx context.Context, dest ledger.ChainID, msg *Message) error
}

// Receiver is the destination side of a transport.
type Receiver interface {
	Receive(ctx context.Context, msg *Message) error
}

// Source is a chain whose outbox the relayer drains.
type Source interface {
	Chain() ledger.ChainID
	Outbox() ([]Message, error)
	Prune(id MessageID) error
}

// LocalTransport delivers to receivers in the same process.
type LocalTransport struct {
	mu        sync.RWMutex
	receivers map[ledger.ChainID]Receiver
}

// NewLocalTransport returns an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{receivers: make(map[ledger.ChainID]Receiver)}
}

// Attach routes messages for chain to r.
func (t *LocalTransport) Attach(chain ledger.ChainID, r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers[chain] = r
}

// Deliver implements Transport.
func (t *LocalTransport) Deliver(ctx context.Context, dest ledger.ChainID, msg *Message) error {
	t.mu.RLock()
	r, ok := t.receivers[dest]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, dest)
	}
	// receivers must not share the sender's copy
	cp := *msg
	return r.Receive(ctx, &cp)
}

type delivery struct {
	id   MessageID
	dest ledger.ChainID
}

// Relayer pumps outboxes of a set of chains through a transport.
type Relayer struct {
	transport Transport
	log       zerolog.Logger

	mu      sync.Mutex
	sources map[ledger.ChainID]Source
	peers   map[ledger.ChainID]struct{}
	// per-destination progress of broadcasts still in an outbox
	delivered map[delivery]struct{}
}

// NewRelayer returns a relayer using transport.
func NewRelayer(transport Transport, log zerolog.Logger) *Relayer {
	return &Relayer{
		transport: transport,
		log:       log.With().Str("component", "relayer").Logger(),
		sources:   make(map[ledger.ChainID]Source),
		peers:     make(map[ledger.ChainID]struct{}),
		delivered: make(map[delivery]struct{}),
	}
}

// AddSource drains src on every pump and makes its chain a broadcast target.
func (r *Relayer) AddSource(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Chain()] = src
	r.peers[src.Chain()] = struct{}{}
}

// AddPeer makes chain a broadcast target without draining it.
func (r *Relayer) AddPeer(chain ledger.ChainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[chain] = struct{}{}
}

// Peers returns the known chains in ascending order.
func (r *Relayer) Peers() []ledger.ChainID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.ChainID, 0, len(r.peers))
	for c := range r.peers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Relayer) destinations(msg *Message) []ledger.ChainID {
	if !msg.IsBroadcast() {
		return []ledger.ChainID{msg.Destination}
	}
	var out []ledger.ChainID
	for _, c := range r.Peers() {
		if c != msg.Origin {
			out = append(out, c)
		}
	}
	return out
}

func (r *Relayer) snapshotSources() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	chains := make([]ledger.ChainID, 0, len(r.sources))
	for c := range r.sources {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	out := make([]Source, 0, len(chains))
	for _, c := range chains {
		out = append(out, r.sources[c])
	}
	return out
}

// Pump makes one pass over every source outbox and returns the number of
// deliveries accepted. Failed deliveries stay queued for the next pass and
// are reported together in the returned error.
func (r *Relayer) Pump(ctx context.Context) (int, error) {
	var (
		result   *multierror.Error
		accepted int
	)
	for _, src := range r.snapshotSources() {
		msgs, err := src.Outbox()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("chain %s: could not read outbox: %w", src.Chain(), err))
			continue
		}
		for i := range msgs {
			if err := ctx.Err(); err != nil {
				return accepted, err
			}
			msg := &msgs[i]
			n, done, err := r.deliverAll(ctx, msg)
			accepted += n
			if err != nil {
				result = multierror.Append(result, err)
			}
			if !done {
				continue
			}
			if err := src.Prune(msg.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("chain %s: could not prune %s: %w", src.Chain(), msg.ID, err))
				continue
			}
			r.forget(msg)
		}
	}
	return accepted, result.ErrorOrNil()
}

func (r *Relayer) deliverAll(ctx context.Context, msg *Message) (int, bool, error) {
	var (
		result   *multierror.Error
		accepted int
	)
	done := true
	for _, dest := range r.destinations(msg) {
		key := delivery{id: msg.ID, dest: dest}
		r.mu.Lock()
		_, ok := r.delivered[key]
		r.mu.Unlock()
		if ok {
			continue
		}

		err := r.transport.Deliver(ctx, dest, msg)
		if errors.Is(err, ErrAlreadyProcessed) {
			err = nil
		}
		if err != nil {
			done = false
			r.log.Warn().Err(err).
				Str("message_id", msg.ID.String()).
				Uint64("origin", uint64(msg.Origin)).
				Uint64("destination", uint64(dest)).
				Msg("delivery failed")
			result = multierror.Append(result, fmt.Errorf("deliver %s from %s to %s: %w", msg.ID, msg.Origin, dest, err))
			continue
		}
		accepted++
		r.mu.Lock()
		r.delivered[key] = struct{}{}
		r.mu.Unlock()
	}
	return accepted, done, result.ErrorOrNil()
}

func (r *Relayer) forget(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.delivered {
		if key.id == msg.ID {
			delete(r.delivered, key)
		}
	}
}

// Run pumps every interval until ctx is cancelled. Delivery errors are logged
// and retried on the next tick.
func (r *Relayer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.Pump(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("relay pass incomplete")
			}
			if n > 0 {
				r.log.Debug().Int("delivered", n).Msg("relay pass")
			}
		}
	}
}
