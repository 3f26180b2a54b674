// namespaces.go - Metric namespaces and registry helpers.

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"enygma/internal/ledger"
)

const (
	namespaceEnygma = "enygma"

	subsystemSettlement = "settlement"
	subsystemRelay      = "relay"
	subsystemHTTP       = "http"
)

// ChainRegisterer wraps reg so that every metric registered through it
// carries a chain label. Several chains can then share one registry.
func ChainRegisterer(reg prometheus.Registerer, chain ledger.ChainID) prometheus.Registerer {
	return prometheus.WrapRegistererWith(prometheus.Labels{"chain": strconv.FormatUint(uint64(chain), 10)}, reg)
}
