package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	prometheusGaugeRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerchat_relay_rooms",
			Help: "Number of rooms with at least one subscriber on this node",
		},
	)

	prometheusGaugeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerchat_relay_clients",
			Help: "Number of currently connected websocket subscribers on this node",
		},
	)

	prometheusCounterEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_relay_envelopes_total",
			Help: "Envelopes forwarded, by envelope type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(prometheusGaugeRooms)
	prometheus.MustRegister(prometheusGaugeClients)
	prometheus.MustRegister(prometheusCounterEnvelopes)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}
