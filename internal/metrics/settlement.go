package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"enygma/internal/settlement"
)

// SettlementCollector records engine events.
type SettlementCollector struct {
	transfersAccepted   *prometheus.CounterVec
	transfersRejected   *prometheus.CounterVec
	proofVerification   *prometheus.HistogramVec
	minted              prometheus.Counter
	burned              prometheus.Counter
	deltasFinalized     prometheus.Counter
	pending             prometheus.Gauge
	settlementsComplete prometheus.Counter
}

var _ settlement.Metrics = (*SettlementCollector)(nil)

// NewSettlementCollector registers the engine metrics with reg.
func NewSettlementCollector(reg prometheus.Registerer) *SettlementCollector {
	f := promauto.With(reg)
	return &SettlementCollector{
		transfersAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "transfers_accepted_total",
			Help:      "number of accepted transfers by chain count",
		}, []string{"arity"}),
		transfersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "transfers_rejected_total",
			Help:      "number of rejected transfers by reason",
		}, []string{"reason"}),
		proofVerification: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "proof_verification_seconds",
			Help:      "time spent verifying transfer proofs",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"result"}),
		minted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "minted_total",
			Help:      "cleartext amount minted",
		}),
		burned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "burned_total",
			Help:      "cleartext amount burned",
		}),
		deltasFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "deltas_finalized_total",
			Help:      "number of deltas folded into finalized balances",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "pending_transactions",
			Help:      "transactions waiting for finalization",
		}),
		settlementsComplete: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemSettlement,
			Name:      "settlements_completed_total",
			Help:      "transfers finalized on every chain they touched",
		}),
	}
}

func (c *SettlementCollector) TransferAccepted(arity int) {
	c.transfersAccepted.WithLabelValues(strconv.Itoa(arity)).Inc()
}

func (c *SettlementCollector) TransferRejected(reason string) {
	c.transfersRejected.WithLabelValues(reason).Inc()
}

func (c *SettlementCollector) ProofVerified(d time.Duration, ok bool) {
	result := "invalid"
	if ok {
		result = "valid"
	}
	c.proofVerification.WithLabelValues(result).Observe(d.Seconds())
}

func (c *SettlementCollector) Minted(amount uint64) { c.minted.Add(float64(amount)) }

func (c *SettlementCollector) Burned(amount uint64) { c.burned.Add(float64(amount)) }

func (c *SettlementCollector) DeltaFinalized() { c.deltasFinalized.Inc() }

func (c *SettlementCollector) PendingTransactions(n int) { c.pending.Set(float64(n)) }

func (c *SettlementCollector) SettlementCompleted() { c.settlementsComplete.Inc() }
