package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"enygma/internal/relay"
)

// RelayCollector records relay protocol events.
type RelayCollector struct {
	dispatched       *prometheus.CounterVec
	received         *prometheus.CounterVec
	duplicates       prometheus.Counter
	bootstrapped     prometheus.Counter
	bootstrapFailure prometheus.Counter
}

var _ relay.Metrics = (*RelayCollector)(nil)

// NewRelayCollector registers the relay metrics with reg.
func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	f := promauto.With(reg)
	return &RelayCollector{
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemRelay,
			Name:      "messages_dispatched_total",
			Help:      "messages written to the outbox",
		}, []string{"kind"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemRelay,
			Name:      "messages_received_total",
			Help:      "messages handled for the first time",
		}, []string{"kind"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemRelay,
			Name:      "duplicate_messages_total",
			Help:      "deliveries of messages already processed",
		}),
		bootstrapped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemRelay,
			Name:      "resources_bootstrapped_total",
			Help:      "resources deployed on first inbound message",
		}),
		bootstrapFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemRelay,
			Name:      "bootstrap_failures_total",
			Help:      "inbound messages whose resource could not be deployed",
		}),
	}
}

func (c *RelayCollector) MessageDispatched(kind string) { c.dispatched.WithLabelValues(kind).Inc() }

func (c *RelayCollector) MessageReceived(kind string) { c.received.WithLabelValues(kind).Inc() }

func (c *RelayCollector) DuplicateMessage() { c.duplicates.Inc() }

func (c *RelayCollector) ResourceBootstrapped() { c.bootstrapped.Inc() }

func (c *RelayCollector) BootstrapFailed() { c.bootstrapFailure.Inc() }
