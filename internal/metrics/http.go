package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPCollector records API request counts and latencies per route.
type HTTPCollector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPCollector registers the API metrics with reg.
func NewHTTPCollector(reg prometheus.Registerer) *HTTPCollector {
	f := promauto.With(reg)
	return &HTTPCollector{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemHTTP,
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceEnygma,
			Subsystem: subsystemHTTP,
			Name:      "request_duration_seconds",
			Help:      "API request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware is a mux middleware labelling requests by route template.
func (c *HTTPCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		c.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		c.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
