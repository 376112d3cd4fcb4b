package pairing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stand_pairing_sessions_created_total",
		Help: "Pairing sessions created by browser clients.",
	})

	metricSessionsOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stand_pairing_sessions_outcome_total",
		Help: "Pairing sessions that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stand_pairing_sessions_active",
		Help: "Pairing sessions currently held in the registry.",
	})
)
