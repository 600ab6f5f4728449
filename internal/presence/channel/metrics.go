package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Inbound presence events grouped by event name and outcome.",
	}, []string{"event", "result"})

	activeSuppliers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_active_suppliers",
		Help: "Suppliers currently marked active in the registry.",
	})

	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections",
		Help: "Connections currently joined to the presence channel.",
	})

	broadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_broadcast_dropped_total",
		Help: "Connections dropped because their outbound buffer was full.",
	})
)
