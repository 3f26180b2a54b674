// transport.go - Relay protocol messages over the node network.

package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"enygma/internal/ledger"
	"enygma/internal/relay"
)

// RelayTransport implements relay.Transport on top of a Node.
type RelayTransport struct {
	node *Node
}

var _ relay.Transport = (*RelayTransport)(nil)

// NewRelayTransport returns a transport sending through node.
func NewRelayTransport(node *Node) *RelayTransport {
	return &RelayTransport{node: node}
}

// Deliver implements relay.Transport. A conflict from the peer means it has
// already processed the message.
func (t *RelayTransport) Deliver(ctx context.Context, dest ledger.ChainID, msg *relay.Message) error {
	err := t.node.SendMessage(ctx, dest, TypeRelay, msg)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return fmt.Errorf("chain %s: %w", dest, relay.ErrAlreadyProcessed)
	}
	return err
}

// ServeRelay hands relay messages arriving at node to r.
func ServeRelay(node *Node, r relay.Receiver) {
	node.RegisterHandler(TypeRelay, func(ctx context.Context, env Envelope) error {
		var msg relay.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return &StatusError{Code: http.StatusBadRequest, Err: err}
		}
		err := r.Receive(ctx, &msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, relay.ErrAlreadyProcessed):
			return &StatusError{Code: http.StatusConflict, Err: err}
		case errors.Is(err, relay.ErrInvalidMessage), errors.Is(err, relay.ErrWrongDestination):
			return &StatusError{Code: http.StatusBadRequest, Err: err}
		default:
			return err
		}
	})
}
