package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"realtime_server/server/realtime/domain"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Live authenticated websocket connections.",
	})
	roomsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_rooms",
		Help: "Rooms with at least one member.",
	})
	inboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_inbound_events_total",
		Help: "Inbound client events by type.",
	}, []string{"type"})
	deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_deliveries_total",
		Help: "Messages enqueued to a connection.",
	})
	droppedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_dropped_messages_total",
		Help: "Messages dropped because the connection queue was full or closed.",
	})
	authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_auth_failures_total",
		Help: "Rejected websocket handshakes by reason.",
	}, []string{"reason"})
	lifecycleDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_lifecycle_dropped_total",
		Help: "Lifecycle events dropped because the publish queue was full.",
	})
	joinDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_room_join_denied_total",
		Help: "Denied join-room requests by room namespace.",
	}, []string{"namespace"})
)

func init() {
	prometheus.MustRegister(connectionsGauge, roomsGauge, inboundEvents, deliveries, droppedMessages, authFailures, lifecycleDropped, joinDenied)
}

// RecordAuthFailure counts a rejected handshake.
func RecordAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

var knownInboundTypes = map[string]struct{}{
	domain.EventJoinRoom:       {},
	domain.EventLeaveRoom:      {},
	domain.EventDirectMessage:  {},
	domain.EventPresenceUpdate: {},
	domain.EventDocumentUpdate: {},
	domain.EventCursorMove:     {},
}

func inboundLabel(eventType string) string {
	if _, ok := knownInboundTypes[eventType]; ok {
		return eventType
	}
	return "other"
}
