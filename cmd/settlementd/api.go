// api.go - HTTP API of the settlement daemon
package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"enygma/internal/commitment"
	"enygma/internal/ledger"
	"enygma/internal/metrics"
	"enygma/internal/relay"
	"enygma/internal/settlement"
	"enygma/internal/storage"
)

// API serves the token engines of one chain.
type API struct {
	protocol *relay.Protocol
	limiter  *CallerRateLimiter
	health   *HealthChecker
	gatherer prometheus.Gatherer
	http     *metrics.HTTPCollector
	log      zerolog.Logger
}

// NewAPI wires the API. gatherer backs /metrics; httpMetrics may be nil.
func NewAPI(p *relay.Protocol, limiter *CallerRateLimiter, health *HealthChecker, gatherer prometheus.Gatherer, httpMetrics *metrics.HTTPCollector, log zerolog.Logger) *API {
	return &API{
		protocol: p,
		limiter:  limiter,
		health:   health,
		gatherer: gatherer,
		http:     httpMetrics,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router returns every route of the API.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	if a.http != nil {
		r.Use(a.http.Middleware)
	}
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/pedcom", a.handlePedCom).Methods(http.MethodPost)
	v1.HandleFunc("/tokens", a.handleTokens).Methods(http.MethodGet)

	t := v1.PathPrefix("/tokens/{resource}").Subrouter()
	t.HandleFunc("/mint", a.handleMint).Methods(http.MethodPost)
	t.HandleFunc("/burn", a.handleBurn).Methods(http.MethodPost)
	t.HandleFunc("/transfers", a.handleTransfer).Methods(http.MethodPost)
	t.HandleFunc("/balances", a.handleBalances).Methods(http.MethodGet)
	t.HandleFunc("/balances/{chain}", a.handleBalance).Methods(http.MethodGet)
	t.HandleFunc("/pending", a.handlePending).Methods(http.MethodGet)
	t.HandleFunc("/settlements/{nullifier}", a.handleSettlement).Methods(http.MethodGet)
	t.HandleFunc("/nullifiers/{nullifier}", a.handleNullifier).Methods(http.MethodGet)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, settlement.ErrInvalidBatchSize),
		errors.Is(err, settlement.ErrInvalidChainSet),
		errors.Is(err, settlement.ErrMalformedCommitment),
		errors.Is(err, settlement.ErrForeignChain):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrUnauthorized),
		errors.Is(err, settlement.ErrTokenFrozenForChain):
		return http.StatusForbidden
	case errors.Is(err, errTokenNotFound),
		errors.Is(err, ledger.ErrSettlementNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrNullifierAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrInvalidProof):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadRequest    = errors.New("bad request")
	errTokenNotFound = errors.New("token not deployed on this chain")
	errRateLimited   = errors.New("rate limit exceeded")
)

func badRequest(err error) error {
	return &wrapped{kind: errBadRequest, err: err}
}

type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string        { return w.kind.Error() + ": " + w.err.Error() }
func (w *wrapped) Is(target error) bool { return target == w.kind }
func (w *wrapped) Unwrap() error        { return w.err }

func (a *API) engine(r *http.Request) (*settlement.Engine, error) {
	resource, err := ledger.ParseResourceID(mux.Vars(r)["resource"])
	if err != nil {
		return nil, badRequest(err)
	}
	e, ok := settlement.EngineFor(a.protocol, resource)
	if !ok {
		return nil, errTokenNotFound
	}
	return e, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(err)
	}
	return nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.health.CheckHealth(r.Context())
	code := http.StatusOK
	if h.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type tokenInfo struct {
	Resource     ledger.ResourceID `json:"resource"`
	Address      string            `json:"address"`
	Name         string            `json:"name"`
	Symbol       string            `json:"symbol"`
	CurrentBlock uint64            `json:"current_block"`
	Supply       ledger.Issuance   `json:"supply"`
}

func (a *API) handleTokens(w http.ResponseWriter, _ *http.Request) {
	out := []tokenInfo{}
	for _, e := range settlement.Engines(a.protocol) {
		block, err := e.CurrentBlock()
		if err != nil {
			a.writeError(w, err)
			return
		}
		supply, err := e.TotalSupply()
		if err != nil {
			a.writeError(w, err)
			return
		}
		out = append(out, tokenInfo{
			Resource:     e.Resource(),
			Address:      e.Address().String(),
			Name:         e.Name(),
			Symbol:       e.Symbol(),
			CurrentBlock: block,
			Supply:       supply,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type pedComRequest struct {
	Value    string `json:"value"`
	Blinding string `json:"blinding"`
}

func parseScalar(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, badRequest(errors.New("scalars must be non-negative decimal integers"))
	}
	return v, nil
}

func (a *API) handlePedCom(w http.ResponseWriter, r *http.Request) {
	var req pedComRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	v, err := parseScalar(req.Value)
	if err != nil {
		a.writeError(w, err)
		return
	}
	b, err := parseScalar(req.Blinding)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitment.Commit(v, b))
}

type supplyRequest struct {
	Caller string         `json:"caller"`
	Chain  ledger.ChainID `json:"chain"`
	Amount uint64         `json:"amount"`
}

type supplyResponse struct {
	Delta commitment.Commitment `json:"delta"`
}

func (a *API) handleMint(w http.ResponseWriter, r *http.Request) {
	a.handleSupply(w, r, (*settlement.Engine).Mint)
}

func (a *API) handleBurn(w http.ResponseWriter, r *http.Request) {
	a.handleSupply(w, r, (*settlement.Engine).Burn)
}

type supplyOp func(e *settlement.Engine, ctx context.Context, caller string, chain ledger.ChainID, amount uint64) (commitment.Commitment, error)

func (a *API) handleSupply(w http.ResponseWriter, r *http.Request, op supplyOp) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var req supplyRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Chain == 0 {
		req.Chain = e.Chain()
	}
	delta, err := op(e, r.Context(), req.Caller, req.Chain, req.Amount)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, supplyResponse{Delta: delta})
}

type transferRequest struct {
	Caller         string                  `json:"caller"`
	DestCount      int                     `json:"dest_count"`
	Commitments    []commitment.Commitment `json:"commitments"`
	ChainIDs       []ledger.ChainID        `json:"chain_ids"`
	EncryptedNotes [][]byte                `json:"encrypted_notes,omitempty"`
	Nullifier      ledger.Nullifier        `json:"nullifier"`
	ProofBlock     uint64                  `json:"proof_block"`
	Proof          []byte                  `json:"proof"`
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if !a.limiter.Allow(req.Caller) {
		a.writeError(w, errRateLimited)
		return
	}
	handle, err := e.Transfer(r.Context(), req.Caller, settlement.TransferRequest{
		DestCount:      req.DestCount,
		Commitments:    req.Commitments,
		ChainIDs:       req.ChainIDs,
		EncryptedNotes: req.EncryptedNotes,
		Nullifier:      req.Nullifier,
		ProofBlock:     req.ProofBlock,
		Proof:          req.Proof,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

type balanceResponse struct {
	Chain              ledger.ChainID        `json:"chain"`
	Commitment         commitment.Commitment `json:"commitment"`
	LastFinalizedBlock uint64                `json:"last_finalized_block"`
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["chain"], 10, 64)
	if err != nil {
		a.writeError(w, badRequest(err))
		return
	}
	b, err := e.GetBalanceFinalised(ledger.ChainID(id))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Chain:              ledger.ChainID(id),
		Commitment:         b.Commitment,
		LastFinalizedBlock: b.LastFinalizedBlock,
	})
}

// handleBalances lists every finalized chain balance of the token.
func (a *API) handleBalances(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	chains, err := e.FinalizedChains()
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]balanceResponse, 0, len(chains))
	for _, c := range chains {
		b, err := e.GetBalanceFinalised(c)
		if err != nil {
			a.writeError(w, err)
			return
		}
		out = append(out, balanceResponse{Chain: c, Commitment: b.Commitment, LastFinalizedBlock: b.LastFinalizedBlock})
	}
	writeJSON(w, http.StatusOK, out)
}

type deltaResponse struct {
	Chain      ledger.ChainID        `json:"chain"`
	Commitment commitment.Commitment `json:"commitment"`
	Note       []byte                `json:"note,omitempty"`
}

type pendingResponse struct {
	Sequence    uint64           `json:"sequence"`
	Nullifier   ledger.Nullifier `json:"nullifier"`
	Origin      ledger.ChainID   `json:"origin"`
	OriginBlock uint64           `json:"origin_block"`
	ReadyAt     uint64           `json:"ready_at"`
	Deltas      []deltaResponse  `json:"deltas"`
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pending, err := e.GetPendingTransactions()
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]pendingResponse, 0, len(pending))
	for _, p := range pending {
		pr := pendingResponse{
			Sequence:    p.Sequence,
			Nullifier:   p.Nullifier,
			Origin:      p.Origin,
			OriginBlock: p.OriginBlock,
			ReadyAt:     p.ReadyAt,
		}
		for _, d := range p.Deltas {
			pr.Deltas = append(pr.Deltas, deltaResponse{Chain: d.Chain, Commitment: d.Commitment, Note: d.Note})
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}

type settlementResponse struct {
	Nullifier   ledger.Nullifier        `json:"nullifier"`
	OriginBlock uint64                  `json:"origin_block"`
	Chains      []ledger.ChainID        `json:"chains"`
	Finalized   []ledger.ChainID        `json:"finalized"`
	Status      ledger.SettlementStatus `json:"status"`
}

func (a *API) handleSettlement(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	n, err := ledger.ParseNullifier(mux.Vars(r)["nullifier"])
	if err != nil {
		a.writeError(w, badRequest(err))
		return
	}
	rec, err := e.SettlementStatus(n)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		Nullifier:   rec.Nullifier,
		OriginBlock: rec.OriginBlock,
		Chains:      rec.Chains,
		Finalized:   rec.Finalized,
		Status:      rec.Status,
	})
}

type nullifierResponse struct {
	Nullifier ledger.Nullifier `json:"nullifier"`
	Used      bool             `json:"used"`
}

func (a *API) handleNullifier(w http.ResponseWriter, r *http.Request) {
	e, err := a.engine(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	n, err := ledger.ParseNullifier(mux.Vars(r)["nullifier"])
	if err != nil {
		a.writeError(w, badRequest(err))
		return
	}
	used, err := e.IsNullifierUsed(n)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nullifierResponse{Nullifier: n, Used: used})
}
