package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	sessionWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "session_log",
		Name:      "write_seconds",
		Help:      "Latency for persisting finished WebSocket sessions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	sessionWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_log",
		Name:      "write_failures_total",
		Help:      "Sessions that could not be persisted after retries.",
	})

	sessionTracer = otel.Tracer("github.com/example/wsframe/storage")
)

func init() {
	prometheus.MustRegister(sessionWriteLatency, sessionWriteFailures)
}
