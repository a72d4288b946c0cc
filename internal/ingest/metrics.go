package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_nats_connected",
		Help: "1 when the NATS connection is up",
	})

	natsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_nats_messages_total",
		Help: "JetStream messages received",
	})

	natsNakedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_nats_naked_total",
		Help: "JetStream messages returned for redelivery",
	})
)

func init() {
	prometheus.MustRegister(natsConnected)
	prometheus.MustRegister(natsMessagesTotal)
	prometheus.MustRegister(natsNakedTotal)
}
