package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics, registered on the default registry and exposed via /metrics.
var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Number of live relay connections.",
	})

	metricBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Inbound messages accepted for fan-out.",
	})

	metricDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Envelopes successfully enqueued to fan-out targets.",
	})

	metricDeliveryDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_drops_total",
		Help: "Fan-out deliveries dropped (target shutting down or queue full).",
	})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_evictions_total",
		Help: "Connections evicted by the heartbeat monitor.",
	})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejections_total",
		Help: "Connections refused at handshake time.",
	}, []string{"reason"})
)
