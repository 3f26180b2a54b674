// bootstrap.go - Deterministic first-delivery instantiation of resources.

package relay

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"

	"enygma/internal/ledger"
)

// Factory instantiates a resource from its bootstrap parameters. It must not
// have durable side effects; the protocol persists the deployment itself.
type Factory func(ctx context.Context, resource ledger.ResourceID, addr Address, initParams []byte) (Handler, error)

// DeriveAddress returns the local address of resource deployed from code and
// initParams: the last 20 bytes of Keccak-256(resource || code || initParams).
func DeriveAddress(resource ledger.ResourceID, code, initParams []byte) Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(resource[:])
	h.Write(code)
	h.Write(initParams)
	sum := h.Sum(nil)

	var addr Address
	copy(addr[:], sum[12:])
	return addr
}

// Deployment is the persisted record of a bootstrapped resource.
type Deployment struct {
	Resource   ledger.ResourceID
	Address    Address
	Code       []byte
	InitParams []byte
}

// FactoryRegistry maps bootstrap code to the factory that runs it.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry returns an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register binds code to f, replacing any previous binding.
func (r *FactoryRegistry) Register(code []byte, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[string(code)] = f
}

func (r *FactoryRegistry) lookup(code []byte) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[string(code)]
	return f, ok
}

// instantiate runs the factory registered for b.Code. Every failure wraps
// ErrBootstrapFailed.
func (r *FactoryRegistry) instantiate(ctx context.Context, resource ledger.ResourceID, b *Bootstrap) (Handler, Deployment, error) {
	if len(b.Code) == 0 {
		return nil, Deployment{}, fmt.Errorf("%w: empty code", ErrBootstrapFailed)
	}
	f, ok := r.lookup(b.Code)
	if !ok {
		return nil, Deployment{}, fmt.Errorf("%w: no factory for code %q", ErrBootstrapFailed, b.Code)
	}
	addr := DeriveAddress(resource, b.Code, b.InitParams)
	h, err := f(ctx, resource, addr, b.InitParams)
	if err != nil {
		return nil, Deployment{}, fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}
	if h == nil {
		return nil, Deployment{}, fmt.Errorf("%w: factory returned no handler", ErrBootstrapFailed)
	}
	dep := Deployment{
		Resource:   resource,
		Address:    addr,
		Code:       append([]byte(nil), b.Code...),
		InitParams: append([]byte(nil), b.InitParams...),
	}
	return h, dep, nil
}
