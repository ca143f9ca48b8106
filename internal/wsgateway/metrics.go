package wsgateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Number of open realtime connections",
	})

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Connections accepted or rejected by the gateway",
		},
		[]string{"result"},
	)

	usersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_users_online",
		Help: "Number of users with at least one open connection",
	})

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Outbound frames queued for delivery",
		},
		[]string{"scope"},
	)

	deliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_delivery_failures_total",
			Help: "Outbound frames that could not be delivered, by reason",
		},
		[]string{"reason"},
	)

	inboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_inbound_messages_total",
			Help: "Inbound frames by decoded type",
		},
		[]string{"type"},
	)

	presenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_presence_writes_total",
			Help: "Presence upserts by outcome",
		},
		[]string{"status"},
	)

	presenceQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_presence_queue_depth",
		Help: "Presence updates waiting to be written",
	})

	streamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_events_total",
			Help: "Events consumed from the realtime event stream by outcome",
		},
		[]string{"status"},
	)
)
