// node.go - HTTP endpoint of one chain in the relay network.
//
// Every node serves POST /message for envelopes from its peers and
// GET /health for liveness checks. Peers are addressed by chain id.

package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"enygma/internal/ledger"
)

// ErrUnknownPeer is returned when sending to a chain with no known address.
var ErrUnknownPeer = errors.New("peer not found in directory")

// HandlerFunc processes one envelope. Its error becomes the HTTP status the
// sender sees.
type HandlerFunc func(ctx context.Context, env Envelope) error

// StatusError lets a handler pick the HTTP status of its failure.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// Node is a chain's endpoint in the network.
type Node struct {
	Chain   ledger.ChainID
	Address string

	log    zerolog.Logger
	client *http.Client
	server *http.Server
	wg     sync.WaitGroup

	mu       sync.RWMutex
	peers    map[ledger.ChainID]string
	handlers map[string]HandlerFunc
}

// NewNode creates a node listening on address, with the given peer directory.
func NewNode(chain ledger.ChainID, address string, peers map[ledger.ChainID]string, log zerolog.Logger) *Node {
	dir := make(map[ledger.ChainID]string, len(peers))
	for c, addr := range peers {
		if c != chain {
			dir[c] = addr
		}
	}
	n := &Node{
		Chain:    chain,
		Address:  address,
		log:      log.With().Str("component", "p2p").Uint64("chain", uint64(chain)).Logger(),
		client:   &http.Client{Timeout: 5 * time.Second},
		peers:    dir,
		handlers: make(map[string]HandlerFunc),
	}
	n.RegisterHandler(TypePing, func(context.Context, Envelope) error { return nil })
	return n
}

// RegisterHandler routes envelopes of msgType to fn.
func (n *Node) RegisterHandler(msgType string, fn HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[msgType] = fn
}

// AddPeer adds or replaces the address of chain.
func (n *Node) AddPeer(chain ledger.ChainID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[chain] = address
}

// Peers returns a copy of the peer directory.
func (n *Node) Peers() map[ledger.ChainID]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[ledger.ChainID]string, len(n.peers))
	for c, a := range n.peers {
		out[c] = a
	}
	return out
}

// Router returns the node's HTTP routes, for mounting into another server.
func (n *Node) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/message", n.messageHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", n.healthHandler).Methods(http.MethodGet)
	return r
}

func (n *Node) messageHandler(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		n.log.Warn().Err(err).Msg("received a bad request")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n.mu.RLock()
	fn, ok := n.handlers[env.Type]
	n.mu.RUnlock()
	if !ok {
		n.log.Warn().Str("type", env.Type).Uint64("sender", uint64(env.Sender)).Msg("unknown message type")
		http.Error(w, "unknown message type", http.StatusNotFound)
		return
	}

	n.log.Debug().Str("type", env.Type).Uint64("sender", uint64(env.Sender)).Msg("received message")
	if err := fn(r.Context(), env); err != nil {
		code := http.StatusInternalServerError
		var se *StatusError
		if errors.As(err, &se) {
			code = se.Code
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (n *Node) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthStatus{Chain: n.Chain, Status: "ok"})
}

// StartServer starts serving in a new goroutine. It returns once the listener
// is bound.
func (n *Node) StartServer() error {
	listener, err := net.Listen("tcp", n.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.Address, err)
	}
	// the bound address matters when the configured port is 0
	n.Address = listener.Addr().String()
	n.server = &http.Server{Handler: n.Router(), ReadHeaderTimeout: 5 * time.Second}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.log.Info().Str("address", n.Address).Msg("server starting")
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error().Err(err).Msg("server failed")
		}
		n.log.Info().Msg("server stopped")
	}()
	return nil
}

// Shutdown stops the server and waits for it to exit.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.server == nil {
		return nil
	}
	err := n.server.Shutdown(ctx)
	n.wg.Wait()
	return err
}

// SendMessage posts an envelope with payload to the node of target.
func (n *Node) SendMessage(ctx context.Context, target ledger.ChainID, msgType string, payload interface{}) error {
	n.mu.RLock()
	address, ok := n.peers[target]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: chain %s", ErrUnknownPeer, target)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	body, err := json.Marshal(Envelope{Type: msgType, Payload: raw, Sender: n.Chain})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Err: fmt.Errorf("peer returned %s: %s", resp.Status, bytes.TrimSpace(msg))}
	}
	return nil
}

// Broadcast sends the same envelope to every peer and reports all failures.
func (n *Node) Broadcast(ctx context.Context, msgType string, payload interface{}) error {
	var result *multierror.Error
	for chain := range n.Peers() {
		if err := n.SendMessage(ctx, chain, msgType, payload); err != nil {
			result = multierror.Append(result, fmt.Errorf("chain %s: %w", chain, err))
		}
	}
	return result.ErrorOrNil()
}

// HealthCheck pings the health endpoint of every peer.
func (n *Node) HealthCheck(ctx context.Context) map[ledger.ChainID]bool {
	out := make(map[ledger.ChainID]bool)
	for chain, address := range n.Peers() {
		out[chain] = n.ping(ctx, address)
	}
	return out
}

func (n *Node) ping(ctx context.Context, address string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
