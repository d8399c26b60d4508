package metric

import "github.com/prometheus/client_golang/prometheus"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_online_users",
		Help: "Users with at least one live connection",
	})

	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_inbound_events_total",
		Help: "Client events handled, by type and outcome",
	}, []string{"type", "outcome"})

	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_dropped_frames_total",
		Help: "Outbound frames dropped because a connection buffer was full",
	})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages committed, by body kind",
	}, []string{"kind"})

	StoreConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_store_version_conflicts_total",
		Help: "Optimistic version conflicts retried by the conversation store",
	})

	EventPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_event_publish_failures_total",
		Help: "Domain events that could not be published, by broker",
	}, []string{"broker"})
)

func Init() {
	prometheus.MustRegister(Connections, OnlineUsers, InboundEvents, DroppedFrames, MessagesSent, StoreConflicts, EventPublishFailures)
}
