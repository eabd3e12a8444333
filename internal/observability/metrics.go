package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the runtime's standard meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	MessagesSent      prometheus.Counter
	DeliveryGaps      prometheus.Counter
	SendAttempts      *prometheus.HistogramVec
}

// NewMetrics creates a custom Prometheus registry with the helium meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helium_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helium_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	messagesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helium_messages_sent_total",
		Help: "Total messages fanned out to the service.",
	})

	deliveryGaps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helium_delivery_gaps_total",
		Help: "Messages that left devices unreached after the bounded retry.",
	})

	sendAttempts := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helium_send_attempts",
		Help:    "Transport send calls needed per message.",
		Buckets: []float64{1, 2, 3},
	}, []string{"result"})

	reg.MustRegister(opDuration, opTotal, messagesSent, deliveryGaps, sendAttempts)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		MessagesSent:      messagesSent,
		DeliveryGaps:      deliveryGaps,
		SendAttempts:      sendAttempts,
	}
}
