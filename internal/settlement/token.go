// token.go - Asset identity and the bootstrap that instantiates it remotely.

package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"

	"enygma/internal/ledger"
	"enygma/internal/relay"
	"enygma/internal/storage"
)

// TokenCode is the bootstrap code of a confidential token.
var TokenCode = []byte("enygma/confidential-token/v1")

// TokenParams are a token's bootstrap init params.
type TokenParams struct {
	Name   string `cbor:"1,keyasint"`
	Symbol string `cbor:"2,keyasint"`
}

// Validate checks that the token is named.
func (p TokenParams) Validate() error {
	if p.Name == "" || p.Symbol == "" {
		return errors.New("token name and symbol are required")
	}
	return nil
}

// ResourceIDFor derives the cross-chain id of the token called name/symbol.
func ResourceIDFor(name, symbol string) ledger.ResourceID {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("enygma/resource"))
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(symbol))
	var id ledger.ResourceID
	copy(id[:], h.Sum(nil))
	return id
}

// TokenBootstrap returns the bootstrap carried by messages of this token.
func TokenBootstrap(p TokenParams) (*relay.Bootstrap, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	params, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("could not encode token params: %w", err)
	}
	return &relay.Bootstrap{Code: TokenCode, InitParams: params}, nil
}

// Deps are the collaborators shared by every engine of one chain node.
type Deps struct {
	DB         *storage.DB
	Protocol   *relay.Protocol
	Verifier   Verifier
	Authorizer Authorizer
	Freeze     FreezeRegistry
	Metrics    Metrics
	Log        zerolog.Logger
	// MaxBatchSize bounds transfers of bootstrapped engines.
	MaxBatchSize int
}

// NewFactory returns the relay factory that instantiates a token engine on
// first delivery of one of its messages.
func NewFactory(deps Deps) relay.Factory {
	return func(_ context.Context, resource ledger.ResourceID, addr relay.Address, initParams []byte) (relay.Handler, error) {
		var p TokenParams
		if err := cbor.Unmarshal(initParams, &p); err != nil {
			return nil, fmt.Errorf("could not decode token params: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if ResourceIDFor(p.Name, p.Symbol) != resource {
			return nil, fmt.Errorf("token params do not match resource %s", resource)
		}
		cfg := Config{
			Chain:        deps.Protocol.Chain(),
			Resource:     resource,
			Name:         p.Name,
			Symbol:       p.Symbol,
			MaxBatchSize: deps.MaxBatchSize,
		}
		e, err := New(cfg, deps)
		if err != nil {
			return nil, err
		}
		e.address = addr
		return e, nil
	}
}

// RegisterFactory makes deps.Protocol able to bootstrap tokens.
func RegisterFactory(factories *relay.FactoryRegistry, deps Deps) {
	factories.Register(TokenCode, NewFactory(deps))
}

// EngineFor returns the engine serving resource on p's chain.
func EngineFor(p *relay.Protocol, resource ledger.ResourceID) (*Engine, bool) {
	h, ok := p.Resolve(resource)
	if !ok {
		return nil, false
	}
	e, ok := h.(*Engine)
	return e, ok
}

// Engines returns every token engine registered on p's chain, including
// those deployed by relay bootstrap.
func Engines(p *relay.Protocol) []*Engine {
	var out []*Engine
	for _, r := range p.Resources() {
		if e, ok := EngineFor(p, r); ok {
			out = append(out, e)
		}
	}
	return out
}
