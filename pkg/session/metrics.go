package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/sipua/pkg/sip/transport"
)

const metricsNamespace = "sip"

// metrics счетчики Layer
type metrics struct {
	sessionsCreated prometheus.Counter
	sessionsActive  prometheus.Gauge
	transitions     *prometheus.CounterVec
	faults          *prometheus.CounterVec
	messages        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of sessions created",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions not yet ended",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by destination state",
		}, []string{"state"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "faults_total",
			Help:      "Session faults by kind",
		}, []string{"kind"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "layer",
			Name:      "messages_total",
			Help:      "SIP messages handled by the layer",
		}, []string{"direction", "method"}),
	}
}

// registerTransport экспортирует счетчики транспорта
func registerTransport(reg prometheus.Registerer, tp transport.Transport) {
	if reg == nil {
		return
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"network": tp.Network()}

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "transport",
		Name:        "bytes_sent_total",
		Help:        "Bytes written to the transport",
		ConstLabels: labels,
	}, func() float64 { return float64(tp.Stats().BytesSent) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "transport",
		Name:        "bytes_received_total",
		Help:        "Bytes read from the transport",
		ConstLabels: labels,
	}, func() float64 { return float64(tp.Stats().BytesReceived) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "transport",
		Name:        "errors_total",
		Help:        "Transport read and write errors",
		ConstLabels: labels,
	}, func() float64 { return float64(tp.Stats().Errors) })
}
