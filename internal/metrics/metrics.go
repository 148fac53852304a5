// Package metrics exposes ledger, proof and HTTP activity as Prometheus
// collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "confvault"

// Collector implements the vault and coprocessor observers.
type Collector struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	pending      prometheus.Gauge
	proofGen     prometheus.Histogram
	proofVerify  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	throttles    prometheus.Counter
}

// New builds a Collector and registers it on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations segmented by operation and outcome kind.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "pending_withdrawals",
			Help:      "Withdraw requests awaiting finalization.",
		}),
		proofGen: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coprocessor",
			Name:      "proof_generation_seconds",
			Help:      "Time spent proving public reveals.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		proofVerify: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coprocessor",
			Name:      "proof_verification_seconds",
			Help:      "Time spent verifying reveal proofs, by result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}, []string{"valid"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP handler latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttled_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.operations, c.latency, c.pending, c.proofGen, c.proofVerify,
		c.httpRequests, c.httpLatency, c.throttles,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) RecordOperation(op, outcome string, elapsed time.Duration) {
	c.operations.WithLabelValues(op, outcome).Inc()
	c.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) SetPendingWithdrawals(n int) {
	c.pending.Set(float64(n))
}

func (c *Collector) RecordProofGeneration(d time.Duration) {
	c.proofGen.Observe(d.Seconds())
}

func (c *Collector) RecordProofVerification(d time.Duration, valid bool) {
	c.proofVerify.WithLabelValues(strconv.FormatBool(valid)).Observe(d.Seconds())
}

// ObserveHTTP records one served request. route is the router pattern, not
// the raw path.
func (c *Collector) ObserveHTTP(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) RecordThrottle() {
	c.throttles.Inc()
}
