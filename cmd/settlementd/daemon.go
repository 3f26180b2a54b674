// daemon.go - Assembly and lifecycle of one chain's settlement node
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enygma/internal/metrics"
	"enygma/internal/proof"
	"enygma/internal/relay"
	"enygma/internal/settlement"
	"enygma/internal/storage"
	"enygma/p2p"
)

// Daemon runs one chain: its token engines, the relay endpoint, the API and
// a local block producer.
type Daemon struct {
	cfg      *Config
	log      zerolog.Logger
	db       *storage.DB
	protocol *relay.Protocol
	relayer  *relay.Relayer
	node     *p2p.Node
	api      *API
	registry *prometheus.Registry
	stats    *metrics.SettlementCollector
}

// NewDaemon opens storage, loads verifying keys and deploys the configured
// tokens. It does not start any listener.
func NewDaemon(ctx context.Context, cfg *Config, verifier settlement.Verifier, log zerolog.Logger) (*Daemon, error) {
	peers, err := cfg.PeerDirectory()
	if err != nil {
		return nil, err
	}
	frozen, err := cfg.FrozenPairs()
	if err != nil {
		return nil, err
	}
	freeze := settlement.NewFreezeList()
	for resource, chains := range frozen {
		for _, chain := range chains {
			freeze.Freeze(resource, chain)
			log.Info().Str("resource", resource.String()).Uint64("chain", uint64(chain)).Msg("token frozen for chain")
		}
	}

	db, err := storage.Open(storage.Options{Dir: cfg.DataDir, InMemory: cfg.InMemory, Logger: log})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	chainReg := metrics.ChainRegisterer(reg, cfg.ChainID())
	stats := metrics.NewSettlementCollector(chainReg)

	factories := relay.NewFactoryRegistry()
	protocol := relay.NewProtocol(cfg.ChainID(), db, factories, metrics.NewRelayCollector(chainReg), log)
	deps := settlement.Deps{
		DB:           db,
		Protocol:     protocol,
		Verifier:     verifier,
		Authorizer:   settlement.NewStaticAuthorizer(cfg.Issuers...),
		Freeze:       freeze,
		Metrics:      stats,
		Log:          log,
		MaxBatchSize: cfg.MaxBatchSize,
	}
	settlement.RegisterFactory(factories, deps)

	restored, err := protocol.RestoreDeployments(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if restored > 0 {
		log.Info().Int("tokens", restored).Msg("restored bootstrapped tokens")
	}
	for _, t := range cfg.Tokens {
		e, err := settlement.New(settlement.Config{
			Chain:        cfg.ChainID(),
			Name:         t.Name,
			Symbol:       t.Symbol,
			MaxBatchSize: cfg.MaxBatchSize,
		}, deps)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		protocol.Register(e.Resource(), e)
		log.Info().Str("token", t.Symbol).Str("resource", e.Resource().String()).Msg("token deployed")
	}

	node := p2p.NewNode(cfg.ChainID(), cfg.P2PListen, peers, log)
	p2p.ServeRelay(node, protocol)

	relayer := relay.NewRelayer(p2p.NewRelayTransport(node), log)
	relayer.AddSource(protocol)
	for chain := range peers {
		relayer.AddPeer(chain)
	}

	health := NewHealthChecker(version)
	health.RegisterComponent("storage", func(context.Context) error {
		return db.View(func(*storage.Tx) error { return nil })
	})
	health.RegisterComponent("peers", func(ctx context.Context) error {
		var down int
		for _, ok := range node.HealthCheck(ctx) {
			if !ok {
				down++
			}
		}
		if down > 0 {
			return &DegradedError{Reason: fmt.Sprintf("%d of %d peers unreachable", down, len(peers))}
		}
		return nil
	})
	health.RegisterComponent("outbox", func(context.Context) error {
		msgs, err := protocol.Outbox()
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			return &DegradedError{Reason: fmt.Sprintf("%d messages awaiting delivery", len(msgs))}
		}
		return nil
	})

	api := NewAPI(protocol, NewCallerRateLimiter(cfg.RateLimit, cfg.RateBurst), health, reg, metrics.NewHTTPCollector(chainReg), log)

	return &Daemon{
		cfg:      cfg,
		log:      log.With().Str("component", "daemon").Logger(),
		db:       db,
		protocol: protocol,
		relayer:  relayer,
		node:     node,
		api:      api,
		registry: reg,
		stats:    stats,
	}, nil
}

// ErrMissingKeys is returned by LoadVerifier when the verifying keys are
// absent and no development setup was asked for.
var ErrMissingKeys = errors.New("verifying keys missing")

// LoadVerifier loads the Groth16 verifying keys. Keys from a ceremony are
// expected in keyDir; only with devSetup does it run a local setup for any
// shape whose keys are missing, and such keys are unfit for production.
func LoadVerifier(keyDir string, devSetup bool, log zerolog.Logger) (*proof.Groth16Verifier, error) {
	v, err := proof.LoadGroth16Verifier(keyDir, log)
	if err == nil {
		return v, nil
	}
	if !devSetup {
		return nil, fmt.Errorf("%w in %s (install ceremony keys, or set dev_setup for a local setup): %v", ErrMissingKeys, keyDir, err)
	}
	log.Warn().Err(err).Str("dir", keyDir).Msg("verifying keys missing, running insecure local setup")
	for _, a := range proof.Arities {
		if _, err := proof.SetupOrLoadKeys(keyDir, a); err != nil {
			return nil, fmt.Errorf("arity %d: %w", a, err)
		}
	}
	return proof.LoadGroth16Verifier(keyDir, log)
}

// ProduceBlock advances every token engine to the next block.
func (d *Daemon) ProduceBlock(ctx context.Context) error {
	for _, e := range settlement.Engines(d.protocol) {
		current, err := e.CurrentBlock()
		if err != nil {
			return err
		}
		applied, err := e.FinalizeBlock(ctx, current+1)
		if err != nil {
			return fmt.Errorf("token %s: %w", e.Symbol(), err)
		}
		if len(applied) > 0 {
			d.log.Debug().Str("token", e.Symbol()).Uint64("block", current+1).Int("deltas", len(applied)).Msg("block finalized")
		}
		pending, err := e.GetPendingTransactions()
		if err != nil {
			return err
		}
		d.stats.PendingTransactions(len(pending))
	}
	return nil
}

func (d *Daemon) produceBlocks(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.ProduceBlock(ctx); err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).Msg("block production failed")
			}
		}
	}
}

// Run serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.node.StartServer(); err != nil {
		return err
	}
	server := &http.Server{
		Addr:              d.cfg.APIListen,
		Handler:           d.api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info().Str("address", d.cfg.APIListen).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := d.relayer.Run(ctx, d.cfg.RelayInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return d.produceBlocks(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(server.Shutdown(shutdownCtx), d.node.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// Close releases storage.
func (d *Daemon) Close() error {
	return d.db.Close()
}
