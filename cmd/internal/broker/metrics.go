package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stand_ws_connections",
		Help: "Live websocket connections.",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stand_ws_events_total",
		Help: "Inbound pairing events by type.",
	}, []string{"event"})

	metricRelay = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stand_relay_total",
		Help: "Token relays by delivery path.",
	}, []string{"path"})
)

const (
	relayDelivered = "delivered"
	relayBuffered  = "buffered"
	relayResumed   = "resumed"
)
