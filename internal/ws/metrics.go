package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ws",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ws",
		Name:      "connections",
		Help:      "Active WebSocket connections per room.",
	}, []string{"room"})

	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ws",
		Name:      "frames_total",
		Help:      "Frames decoded from or written to WebSocket peers.",
	}, []string{"opcode", "direction"})

	decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ws",
		Name:      "decode_errors_total",
		Help:      "Connections terminated because the inbound stream could not be decoded.",
	}, []string{"reason"})

	messageBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ws",
		Name:      "message_bytes",
		Help:      "Size of reassembled inbound data messages.",
		Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, framesTotal, decodeErrors, messageBytes)
	})
}

var tracer = otel.Tracer("github.com/example/wsframe/ws")
